package sinks

import (
	"time"

	"github.com/JakeFAU/progress-pubsub/internal/messaging"
)

// Event is the envelope every sink receives.
type Event = messaging.PublishEvent[messaging.ProgressEvent]

// Record is the JSON form of an Event used on the wire and in checkpoints.
type Record struct {
	EventID      string    `json:"event_id"`
	Type         string    `json:"type"`
	Publisher    string    `json:"publisher"`
	PublisherID  string    `json:"publisher_id,omitempty"`
	Current      uint64    `json:"current"`
	Total        uint64    `json:"total"`
	Fraction     float64   `json:"fraction"`
	Generation   uint64    `json:"generation,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// NewRecord flattens evt. Error and closed events carry zero counters.
func NewRecord(evt Event) Record {
	rec := Record{
		EventID:      evt.ID().String(),
		Type:         evt.Type().String(),
		Publisher:    evt.SourceName(),
		CreatedAt:    evt.CreatedAt(),
		DispatchedAt: evt.DispatchedAt(),
	}
	if src := evt.Source(); src != nil {
		rec.PublisherID = src.ID().String()
	}
	if p, ok := evt.Data(); ok {
		rec.Current = p.Current
		rec.Total = p.Total
		rec.Fraction = p.Fraction()
		rec.Generation = p.Generation
	}
	if err := evt.Err(); err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// Progress returns the counters as a ProgressEvent.
func (r Record) Progress() messaging.ProgressEvent {
	return messaging.ProgressEvent{Current: r.Current, Total: r.Total, Generation: r.Generation}
}

// sourceKey identifies the publisher instance an event came from.
func sourceKey(evt Event) string {
	if src := evt.Source(); src != nil {
		return src.Name() + "/" + src.ID().String()
	}
	return ""
}

func eventTime(evt Event) time.Time {
	if at := evt.DispatchedAt(); !at.IsZero() {
		return at
	}
	return evt.CreatedAt()
}
