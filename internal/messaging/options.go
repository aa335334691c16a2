package messaging

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-pubsub/internal/clock"
	idgen "github.com/JakeFAU/progress-pubsub/internal/id/uuid"
)

// IDGenerator mints event identifiers.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Observer is notified after every delivery attempt. Implementations must be
// safe for concurrent use.
type Observer interface {
	ObserveDelivery(publisher, subscriber string, typ EventType, dur time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveDelivery(string, string, EventType, time.Duration, error) {}

type options struct {
	logger   *zap.Logger
	clock    clock.Clock
	ids      IDGenerator
	observer Observer
	thread   *ThreadConfiguration
}

// Option customises a publisher at construction.
type Option func(*options)

// WithLogger sets the structured logger (default: no-op).
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the clock used for event timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithIDs sets the event id generator (default: UUIDv7).
func WithIDs(ids IDGenerator) Option {
	return func(o *options) {
		if ids != nil {
			o.ids = ids
		}
	}
}

// WithObserver registers a delivery observer, e.g. for metrics.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithThreadConfiguration applies cfg at construction, equivalent to calling
// Configure before first use.
func WithThreadConfiguration(cfg ThreadConfiguration) Option {
	return func(o *options) {
		o.thread = &cfg
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:   zap.NewNop(),
		clock:    clock.NewSystem(),
		ids:      idgen.New(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
