package messaging

import (
	"context"
	"sync"
)

// Subscriber receives events from publishers it has joined. ID must be stable
// and unique per publisher; Receive may be called from any goroutine but never
// concurrently for the same publisher.
type Subscriber[T any] interface {
	ID() string
	Receive(ctx context.Context, evt PublishEvent[T]) error
}

// ErrorReceiver is implemented by subscribers that want EventError envelopes.
// Subscribers without it never see error events.
type ErrorReceiver[T any] interface {
	ReceiveError(ctx context.Context, evt PublishEvent[T]) error
}

// Subscribable accepts and removes subscribers.
type Subscribable[T any] interface {
	Subscribe(sub Subscriber[T]) (*Subscription, error)
	Unsubscribe(id string)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc[T any] struct {
	id string
	fn func(context.Context, PublishEvent[T]) error
}

// NewSubscriberFunc wraps fn as a Subscriber with the given id.
func NewSubscriberFunc[T any](id string, fn func(context.Context, PublishEvent[T]) error) *SubscriberFunc[T] {
	return &SubscriberFunc[T]{id: id, fn: fn}
}

// ID returns the subscriber id.
func (s *SubscriberFunc[T]) ID() string { return s.id }

// Receive calls the wrapped function.
func (s *SubscriberFunc[T]) Receive(ctx context.Context, evt PublishEvent[T]) error {
	if s.fn == nil {
		return nil
	}
	return s.fn(ctx, evt)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id     string
	once   sync.Once
	cancel func()
}

// ID returns the subscriber id the handle was issued for.
func (s *Subscription) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Unsubscribe removes the subscriber this handle registered. If the id has
// since been replaced by another subscriber, the replacement is left alone.
// Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}
