package sinks

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/progress-pubsub/internal/messaging"
)

// Snapshot is the latest known state of one publisher.
type Snapshot struct {
	Record
	Closed    bool   `json:"closed"`
	LastError string `json:"last_error,omitempty"`
}

// SnapshotSink keeps the latest progress per publisher name in memory.
type SnapshotSink struct {
	mu     sync.RWMutex
	latest map[string]Snapshot
}

// NewSnapshotSink constructs an empty SnapshotSink.
func NewSnapshotSink() *SnapshotSink {
	return &SnapshotSink{latest: make(map[string]Snapshot)}
}

// ID implements messaging.Subscriber.
func (s *SnapshotSink) ID() string { return "snapshot" }

// Receive records the latest counters, or marks the publisher closed.
func (s *SnapshotSink) Receive(_ context.Context, evt Event) error {
	name := evt.SourceName()
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.latest[name]
	switch evt.Type() {
	case messaging.EventClosed:
		snap.Closed = true
		if snap.Publisher == "" {
			snap.Record = NewRecord(evt)
		}
	default:
		snap = Snapshot{Record: NewRecord(evt), LastError: snap.LastError}
	}
	s.latest[name] = snap
	return nil
}

// ReceiveError remembers the most recent error message.
func (s *SnapshotSink) ReceiveError(_ context.Context, evt Event) error {
	name := evt.SourceName()
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.latest[name]
	if snap.Publisher == "" {
		snap.Record = NewRecord(evt)
	}
	if err := evt.Err(); err != nil {
		snap.LastError = err.Error()
	}
	s.latest[name] = snap
	return nil
}

// Get returns the snapshot for name.
func (s *SnapshotSink) Get(name string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.latest[name]
	return snap, ok
}

// All returns every snapshot ordered by publisher name.
func (s *SnapshotSink) All() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.latest))
	for _, snap := range s.latest {
		out = append(out, snap)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Publisher < out[j].Publisher })
	return out
}
