package sinks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/progress-pubsub/internal/messaging"
)

// BatchSink consumes batches of progress events. Every batch holds events of
// a single publisher in publish order.
type BatchSink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// BatcherConfig controls buffering for a Batcher.
//   - ID: subscriber id (default "batcher").
//   - BufferSize: ticks buffered across all publishers before new ticks are
//     dropped (default 4096). Terminal events are never dropped.
//   - MaxBatchEvents: a publisher's batch is flushed once it holds this many
//     events (default 1000).
//   - MaxBatchWait: upper bound on how long a tick waits for its batch
//     (default 500ms).
//   - SinkTimeout: deadline for each Consume call (default 10s).
//   - BaseContext: parent of sink contexts (default context.Background()).
//   - Logger: warnings about drops and sink failures.
type BatcherConfig struct {
	ID             string
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// terminal reports whether evt ends a stretch of progress: a completed tick,
// an error or the closed signal. Such events are flushed at once.
func terminal(evt Event) bool {
	p, ok := evt.Data()
	return !ok || p.Done()
}

// pendingBatch collects the events of one publisher until they are flushed.
type pendingBatch struct {
	events []Event
	since  time.Time
	ready  bool
}

// Batcher is a subscriber that groups events per publisher and hands each
// group to its BatchSinks on a background goroutine, so a slow store never
// holds up the publisher. A publisher's batch is flushed when it fills, when
// its oldest event has waited MaxBatchWait, or as soon as a terminal event
// arrives. Receive never blocks; ticks beyond BufferSize are dropped.
type Batcher struct {
	cfg    BatcherConfig
	sinks  []BatchSink
	logger *zap.Logger

	mu       sync.Mutex
	pending  map[string]*pendingBatch
	order    []string
	buffered int
	closed   bool

	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Int64
	dropLog rate.Sometimes

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewBatcher starts a Batcher delivering to sinks.
func NewBatcher(cfg BatcherConfig, sinks ...BatchSink) *Batcher {
	if cfg.ID == "" {
		cfg.ID = "batcher"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Batcher{
		cfg:     cfg,
		sinks:   append([]BatchSink(nil), sinks...),
		logger:  logger.With(zap.String("subscriber", cfg.ID)),
		pending: make(map[string]*pendingBatch),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go b.loop()
	return b
}

// ID returns the configured subscriber id.
func (b *Batcher) ID() string { return b.cfg.ID }

// Receive buffers evt.
func (b *Batcher) Receive(_ context.Context, evt Event) error {
	b.Emit(evt)
	return nil
}

// ReceiveError buffers error events so sinks can record failures.
func (b *Batcher) ReceiveError(_ context.Context, evt Event) error {
	b.Emit(evt)
	return nil
}

// Emit buffers evt without blocking. Events after Close are ignored.
func (b *Batcher) Emit(evt Event) {
	if b == nil {
		return
	}
	urgent := terminal(evt)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if !urgent && b.buffered >= b.cfg.BufferSize {
		b.mu.Unlock()
		total := b.dropped.Add(1)
		b.dropLog.Do(func() {
			b.logger.Warn("progress ticks dropped; run store is falling behind", zap.Int64("dropped_total", total))
		})
		return
	}
	key := sourceKey(evt)
	batch := b.pending[key]
	if batch == nil {
		batch = &pendingBatch{since: time.Now()}
		b.pending[key] = batch
		b.order = append(b.order, key)
	}
	batch.events = append(batch.events, evt)
	b.buffered++
	if urgent || len(batch.events) >= b.cfg.MaxBatchEvents {
		batch.ready = true
	}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Dropped returns how many ticks were discarded because the buffer was full.
func (b *Batcher) Dropped() int64 {
	return b.dropped.Load()
}

// Close flushes everything still buffered, closes the sinks and waits for the
// background goroutine, or for ctx. Later calls only wait.
func (b *Batcher) Close(ctx context.Context) error {
	if b == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.closeCtx = ctx
		close(b.stop)
	})
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batcher close wait: %w", ctx.Err())
	}
}

func (b *Batcher) loop() {
	defer close(b.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		batches, next := b.take(time.Now(), false)
		for _, batch := range batches {
			b.flush(batch)
		}
		if next > 0 {
			timer.Reset(next)
		}
		select {
		case <-b.wake:
		case <-timer.C:
		case <-b.stop:
			timer.Stop()
			batches, _ := b.take(time.Now(), true)
			for _, batch := range batches {
				b.flush(batch)
			}
			b.closeSinks()
			return
		}
		timer.Stop()
	}
}

// take removes the batches due at now, or all of them when all is set. next
// is the wait until the earliest remaining batch falls due, 0 if none is
// buffered.
func (b *Batcher) take(now time.Time, all bool) (due [][]Event, next time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keep := b.order[:0]
	for _, key := range b.order {
		batch := b.pending[key]
		wait := b.cfg.MaxBatchWait - now.Sub(batch.since)
		if all || batch.ready || wait <= 0 {
			due = append(due, batch.events)
			b.buffered -= len(batch.events)
			delete(b.pending, key)
			continue
		}
		keep = append(keep, key)
		if next == 0 || wait < next {
			next = wait
		}
	}
	b.order = keep
	return due, next
}

func (b *Batcher) flush(batch []Event) {
	for _, sink := range b.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(b.cfg.BaseContext, b.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			b.logger.Warn("batch sink consume failed",
				zap.String("publisher", batch[0].SourceName()),
				zap.Int("events", len(batch)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (b *Batcher) closeSinks() {
	ctx := b.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range b.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			b.logger.Warn("batch sink close failed", zap.Error(err))
		}
	}
}

var _ messaging.ErrorReceiver[messaging.ProgressEvent] = (*Batcher)(nil)
