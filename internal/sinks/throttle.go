package sinks

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/progress-pubsub/internal/messaging"
)

// ThrottleConfig holds the token bucket settings. A non-positive RPS
// disables throttling.
type ThrottleConfig struct {
	RPS   float64
	Burst int
}

// Throttle forwards progress ticks to an inner subscriber at most RPS times
// per second. Ticks over the limit are skipped; since each tick carries
// absolute counters the next forwarded one supersedes them. Completed ticks,
// errors and the closed signal are always forwarded.
type Throttle struct {
	inner   messaging.Subscriber[messaging.ProgressEvent]
	limiter *rate.Limiter
	skipped atomic.Int64
}

// NewThrottle wraps inner.
func NewThrottle(inner messaging.Subscriber[messaging.ProgressEvent], cfg ThrottleConfig) *Throttle {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

// ID reports the inner subscriber's ID so the throttle replaces it
// transparently.
func (t *Throttle) ID() string { return t.inner.ID() }

// Receive forwards evt when a token is available or the event must not be
// skipped.
func (t *Throttle) Receive(ctx context.Context, evt Event) error {
	if p, ok := evt.Data(); ok && !p.Done() && !t.limiter.Allow() {
		t.skipped.Add(1)
		return nil
	}
	return t.inner.Receive(ctx, evt)
}

// ReceiveError forwards to the inner subscriber if it accepts errors.
func (t *Throttle) ReceiveError(ctx context.Context, evt Event) error {
	if er, ok := t.inner.(messaging.ErrorReceiver[messaging.ProgressEvent]); ok {
		return er.ReceiveError(ctx, evt)
	}
	return nil
}

// Skipped returns how many ticks were not forwarded.
func (t *Throttle) Skipped() int64 {
	return t.skipped.Load()
}
