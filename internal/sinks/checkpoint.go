package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/progress-pubsub/internal/clock"
	"github.com/JakeFAU/progress-pubsub/internal/messaging"
	"github.com/JakeFAU/progress-pubsub/internal/storage"
)

// CheckpointConfig controls CheckpointSink.
//   - Prefix: object path prefix (default "checkpoints").
//   - Interval: minimum time between writes per publisher; 0 writes every event.
type CheckpointConfig struct {
	Prefix   string
	Interval time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger
}

// CheckpointSink writes the latest Record of each publisher to a blob store
// so a restarted job can resume. Writes are throttled to one per Interval,
// except that completion and close always write.
type CheckpointSink struct {
	blobs    storage.BlobStore
	prefix   string
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	latest  map[string]Record
	written map[string]time.Time
}

// NewCheckpointSink constructs a CheckpointSink writing to blobs.
func NewCheckpointSink(blobs storage.BlobStore, cfg CheckpointConfig) (*CheckpointSink, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("checkpoint interval must be >= 0")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "checkpoints"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &CheckpointSink{
		blobs:    blobs,
		prefix:   cfg.Prefix,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		latest:   make(map[string]Record),
		written:  make(map[string]time.Time),
	}, nil
}

// ID implements messaging.Subscriber.
func (s *CheckpointSink) ID() string { return "checkpoint" }

// Receive remembers the event and writes a checkpoint when due.
func (s *CheckpointSink) Receive(ctx context.Context, evt Event) error {
	name := evt.SourceName()
	now := s.clock.Now()

	s.mu.Lock()
	rec := NewRecord(evt)
	force := false
	switch evt.Type() {
	case messaging.EventClosed:
		prev, ok := s.latest[name]
		if !ok {
			s.mu.Unlock()
			return nil
		}
		prev.Type = rec.Type
		prev.DispatchedAt = rec.DispatchedAt
		rec = prev
		force = true
		delete(s.latest, name)
	default:
		s.latest[name] = rec
		force = rec.Progress().Done()
	}
	last, seen := s.written[name]
	due := force || !seen || s.interval == 0 || now.Sub(last) >= s.interval
	if due {
		s.written[name] = now
	}
	if evt.Type() == messaging.EventClosed {
		delete(s.written, name)
	}
	s.mu.Unlock()

	if !due {
		return nil
	}
	return s.write(ctx, name, rec)
}

func (s *CheckpointSink) write(ctx context.Context, name string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	uri, err := s.blobs.PutObject(ctx, CheckpointPath(s.prefix, name), "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint written", zap.String("publisher", name), zap.String("uri", uri))
	return nil
}

// CheckpointPath returns the object path used for publisher name.
func CheckpointPath(prefix, name string) string {
	if name == "" {
		name = "_"
	}
	return path.Join(prefix, url.PathEscape(name)+".json")
}

// LoadCheckpoint reads the last checkpoint of publisher name. ok is false when
// none exists.
func LoadCheckpoint(ctx context.Context, blobs storage.BlobStore, prefix, name string) (rec Record, ok bool, err error) {
	if prefix == "" {
		prefix = "checkpoints"
	}
	data, err := blobs.GetObject(ctx, CheckpointPath(prefix, name))
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return rec, true, nil
}
