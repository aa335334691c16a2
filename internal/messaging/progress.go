package messaging

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

// ProgressState describes where a ProgressPublisher is in its lifecycle.
type ProgressState int

// Progress lifecycle states.
const (
	StateUninitialised ProgressState = iota
	StateInitialised
	StateTicking
	StateClosed
)

func (s ProgressState) String() string {
	switch s {
	case StateUninitialised:
		return "uninitialised"
	case StateInitialised:
		return "initialised"
	case StateTicking:
		return "ticking"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ProgressState(%d)", int(s))
	}
}

// ProgressPublisher tracks a current/total counter and publishes a
// ProgressEvent for every change. Current is never clamped to Total; callers
// that overshoot see Overrun() on the event.
type ProgressPublisher struct {
	pub    *Publisher[ProgressEvent]
	logger *zap.Logger

	mu        sync.Mutex // guards everything below; held across capture and enqueue only
	cfg       ProgressConfiguration
	current   uint64
	total     uint64
	gen       uint64
	state     ProgressState
	completed bool
}

// NewProgressPublisher creates a progress publisher named name. Options are
// passed to the underlying Publisher.
func NewProgressPublisher(name string, opts ...Option) (*ProgressPublisher, error) {
	pub, err := NewPublisher[ProgressEvent](name, opts...)
	if err != nil {
		return nil, err
	}
	cfg := DefaultProgressConfiguration()
	cfg.Thread = pub.Configuration()
	return &ProgressPublisher{
		pub:    pub,
		logger: pub.logger,
		cfg:    cfg,
	}, nil
}

// Configure applies cfg and returns the receiver for chaining. Like
// Publisher.Configure it fails once an event has been dispatched.
func (p *ProgressPublisher) Configure(cfg ProgressConfiguration) (*ProgressPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return p, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.pub.Configure(cfg.Thread); err != nil {
		return p, err
	}
	p.cfg = cfg
	return p, nil
}

// Configuration returns the active configuration.
func (p *ProgressPublisher) Configuration() ProgressConfiguration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Name returns the publisher name.
func (p *ProgressPublisher) Name() string { return p.pub.Name() }

// Publisher exposes the underlying generic publisher.
func (p *ProgressPublisher) Publisher() *Publisher[ProgressEvent] { return p.pub }

// Initialise sets Current to 0 and Total to total and starts a new
// generation. When publish is true one event carrying the new values is
// dispatched. It may be called again to restart the counter.
func (p *ProgressPublisher) Initialise(ctx context.Context, total uint64, publish bool) error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return p.pub.opError("initialise", ErrPublisherClosed)
	}
	p.current, p.total = 0, total
	p.gen++
	p.state = StateInitialised
	p.completed = false
	p.logger.Debug("progress initialised", zap.Uint64("total", total), zap.Bool("publish", publish))
	if !publish {
		p.mu.Unlock()
		return nil
	}
	wait := p.emitLocked(ctx)
	p.mu.Unlock()
	return wait()
}

// Reset is Initialise with the configured PublishOnInitialise flag.
func (p *ProgressPublisher) Reset(ctx context.Context, total uint64) error {
	p.mu.Lock()
	publish := p.cfg.PublishOnInitialise
	p.mu.Unlock()
	return p.Initialise(ctx, total, publish)
}

// Tick increments Current by one and publishes.
func (p *ProgressPublisher) Tick(ctx context.Context) error {
	return p.TickBy(ctx, 1)
}

// TickBy increments Current by n and publishes. Current saturates at
// math.MaxUint64 instead of wrapping.
func (p *ProgressPublisher) TickBy(ctx context.Context, n uint64) error {
	p.mu.Lock()
	switch p.state {
	case StateUninitialised:
		p.mu.Unlock()
		return p.pub.opError("tick", ErrNotInitialised)
	case StateClosed:
		p.mu.Unlock()
		return p.pub.opError("tick", ErrPublisherClosed)
	}
	p.current = saturatingAdd(p.current, n)
	p.state = StateTicking
	if !p.completed && p.current >= p.total {
		p.completed = true
		if p.cfg.LogCompletion {
			p.logger.Info("progress complete", zap.Uint64("current", p.current), zap.Uint64("total", p.total))
		}
	}
	wait := p.emitLocked(ctx)
	p.mu.Unlock()
	return wait()
}

// emitLocked captures the counters and enqueues the event. p.mu must be held
// so that enqueue order matches counter order.
func (p *ProgressPublisher) emitLocked(ctx context.Context) func() error {
	evt, err := p.pub.newEvent(EventPublish, p.snapshotLocked(), nil)
	if err != nil {
		return func() error { return err }
	}
	return p.pub.enqueue(ctx, evt)
}

// Snapshot returns the current counters without publishing.
func (p *ProgressPublisher) Snapshot() ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *ProgressPublisher) snapshotLocked() ProgressEvent {
	return ProgressEvent{Current: p.current, Total: p.total, Generation: p.gen}
}

// State reports the lifecycle state.
func (p *ProgressPublisher) State() ProgressState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Subscribe registers sub on the underlying publisher.
func (p *ProgressPublisher) Subscribe(sub Subscriber[ProgressEvent]) (*Subscription, error) {
	return p.pub.Subscribe(sub)
}

// Unsubscribe removes the subscriber registered under id.
func (p *ProgressPublisher) Unsubscribe(id string) {
	p.pub.Unsubscribe(id)
}

// Subscribers lists subscriber ids in registration order.
func (p *ProgressPublisher) Subscribers() []string {
	return p.pub.Subscribers()
}

// PublishError reports cause to error-aware subscribers.
func (p *ProgressPublisher) PublishError(ctx context.Context, cause error) error {
	return p.pub.PublishError(ctx, cause)
}

// Close marks the publisher closed and closes the underlying publisher.
func (p *ProgressPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	p.state = StateClosed
	p.mu.Unlock()
	return p.pub.Close(ctx)
}

func saturatingAdd(a, b uint64) uint64 {
	if b > math.MaxUint64-a {
		return math.MaxUint64
	}
	return a + b
}
