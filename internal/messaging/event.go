package messaging

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType classifies what a PublishEvent carries.
type EventType int

// Supported event types.
const (
	// EventPublish carries a data payload.
	EventPublish EventType = iota
	// EventError carries a failure instead of data.
	EventError
	// EventClosed signals that the source publisher is shutting down.
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventPublish:
		return "publish"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Source identifies the publisher an event originated from.
type Source interface {
	Name() string
	ID() uuid.UUID
}

// PublishEvent is the immutable envelope handed to subscribers. Only the
// dispatching publisher stamps DispatchedAt, and only once.
type PublishEvent[T any] struct {
	typ          EventType
	id           uuid.UUID
	createdAt    time.Time
	dispatchedAt time.Time
	source       Source
	err          error
	data         T
}

// NewEvent builds a data-bearing envelope.
func NewEvent[T any](source Source, id uuid.UUID, createdAt time.Time, data T) PublishEvent[T] {
	return PublishEvent[T]{
		typ:       EventPublish,
		id:        id,
		createdAt: createdAt.UTC(),
		source:    source,
		data:      data,
	}
}

// NewErrorEvent builds an error-bearing envelope. A nil err is replaced with a
// generic error so Err never returns nil for EventError.
func NewErrorEvent[T any](source Source, id uuid.UUID, createdAt time.Time, err error) PublishEvent[T] {
	if err == nil {
		err = errUnspecified
	}
	return PublishEvent[T]{
		typ:       EventError,
		id:        id,
		createdAt: createdAt.UTC(),
		source:    source,
		err:       err,
	}
}

// NewLifecycleEvent builds an envelope that carries neither data nor error.
func NewLifecycleEvent[T any](source Source, id uuid.UUID, createdAt time.Time, typ EventType) PublishEvent[T] {
	return PublishEvent[T]{
		typ:       typ,
		id:        id,
		createdAt: createdAt.UTC(),
		source:    source,
	}
}

// Type reports the envelope kind.
func (e PublishEvent[T]) Type() EventType { return e.typ }

// ID is the globally unique event identifier.
func (e PublishEvent[T]) ID() uuid.UUID { return e.id }

// CreatedAt is the UTC construction instant.
func (e PublishEvent[T]) CreatedAt() time.Time { return e.createdAt }

// DispatchedAt is the UTC instant the publisher sent the event; zero until
// dispatched.
func (e PublishEvent[T]) DispatchedAt() time.Time { return e.dispatchedAt }

// Source returns the originating publisher. It may be nil for envelopes
// built outside a publisher.
func (e PublishEvent[T]) Source() Source { return e.source }

// Err returns the carried failure; non-nil iff Type is EventError.
func (e PublishEvent[T]) Err() error { return e.err }

// Data returns the payload and whether the envelope carries one.
func (e PublishEvent[T]) Data() (T, bool) {
	if e.typ != EventPublish {
		var zero T
		return zero, false
	}
	return e.data, true
}

// SourceName is a nil-safe shortcut for Source().Name().
func (e PublishEvent[T]) SourceName() string {
	if e.source == nil {
		return ""
	}
	return e.source.Name()
}

func (e PublishEvent[T]) stamp(at time.Time) PublishEvent[T] {
	if e.dispatchedAt.IsZero() {
		e.dispatchedAt = at.UTC()
	}
	return e
}

// ProgressEvent is the payload emitted by a ProgressPublisher. Generation
// counts Initialise calls on the emitting publisher; a new value means the
// counter was restarted even if Current did not move backwards.
type ProgressEvent struct {
	Current    uint64 `json:"current"`
	Total      uint64 `json:"total"`
	Generation uint64 `json:"generation,omitempty"`
}

// Remaining returns how many units are left, or 0 once Current >= Total.
func (p ProgressEvent) Remaining() uint64 {
	if p.Current >= p.Total {
		return 0
	}
	return p.Total - p.Current
}

// Fraction returns Current/Total. It may exceed 1 on over-completion and is 0
// when Total is 0.
func (p ProgressEvent) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total)
}

// Done reports whether Current has reached Total.
func (p ProgressEvent) Done() bool {
	return p.Current >= p.Total
}

// Overrun reports whether Current has passed Total.
func (p ProgressEvent) Overrun() bool {
	return p.Current > p.Total
}

func (p ProgressEvent) String() string {
	return fmt.Sprintf("%d/%d", p.Current, p.Total)
}
