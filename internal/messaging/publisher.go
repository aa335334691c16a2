package messaging

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-pubsub/internal/clock"
	"github.com/JakeFAU/progress-pubsub/internal/dispatcher"
)

type entry[T any] struct {
	sub Subscriber[T]
	box *mailbox[T]
}

// subscriberSet is an immutable snapshot; writers replace it wholesale.
type subscriberSet[T any] struct {
	entries []*entry[T]
}

func (s *subscriberSet[T]) index(id string) int {
	for i, e := range s.entries {
		if e.sub.ID() == id {
			return i
		}
	}
	return -1
}

type dispatchRuntime struct {
	cfg  ThreadConfiguration
	exec dispatcher.Executor // nil in ModeSynchronous
}

// Publisher dispatches PublishEvent values to its subscribers. It is safe for
// concurrent use; Subscribe and Unsubscribe may run while a Publish is in
// flight because dispatch works from an immutable snapshot of the subscriber
// set.
type Publisher[T any] struct {
	name     string
	id       uuid.UUID
	logger   *zap.Logger
	clock    clock.Clock
	ids      IDGenerator
	observer Observer

	mu   sync.Mutex // serialises writers of subs and rt
	subs atomic.Pointer[subscriberSet[T]]
	rt   atomic.Pointer[dispatchRuntime]
	seq  sync.Mutex // keeps pooled enqueue order equal to publish order
	// inline serialises synchronous dispatch. It is taken in enqueue and
	// released once the returned function has delivered the event.
	inline sync.Mutex

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewPublisher creates a publisher named name. Without
// WithThreadConfiguration it dispatches synchronously.
func NewPublisher[T any](name string, opts ...Option) (*Publisher[T], error) {
	o := buildOptions(opts)
	id, err := o.ids.NewRawID()
	if err != nil {
		return nil, fmt.Errorf("publisher id: %w", err)
	}
	p := &Publisher[T]{
		name:     name,
		id:       id,
		logger:   o.logger.With(zap.String("publisher", name)),
		clock:    o.clock,
		ids:      o.ids,
		observer: o.observer,
	}
	p.subs.Store(&subscriberSet[T]{})
	p.rt.Store(&dispatchRuntime{cfg: DefaultThreadConfiguration()})
	if o.thread != nil {
		if err := p.Configure(*o.thread); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Name returns the publisher name.
func (p *Publisher[T]) Name() string { return p.name }

// ID returns the publisher's unique id.
func (p *Publisher[T]) ID() uuid.UUID { return p.id }

// Configuration returns the active thread configuration.
func (p *Publisher[T]) Configuration() ThreadConfiguration {
	return p.rt.Load().cfg
}

// Configure replaces the dispatch strategy. It must be called before the
// first event is published; afterwards it fails with ErrAlreadyStarted.
func (p *Publisher[T]) Configure(cfg ThreadConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return p.opError("configure", ErrPublisherClosed)
	}
	if p.started.Load() {
		return p.opError("configure", ErrAlreadyStarted)
	}
	exec, err := newExecutor(cfg, p.logger)
	if err != nil {
		return p.opError("configure", err)
	}
	old := p.rt.Swap(&dispatchRuntime{cfg: cfg, exec: exec})
	if old != nil && old.exec != nil {
		if err := old.exec.Close(context.Background()); err != nil {
			p.logger.Warn("close previous executor failed", zap.Error(err))
		}
	}
	p.logger.Debug("publisher configured",
		zap.Stringer("mode", cfg.Mode),
		zap.Int("threads", cfg.NumberOfThreads),
		zap.Bool("wait_for_delivery", cfg.WaitForDelivery),
		zap.Stringer("error_policy", cfg.ErrorPolicy),
	)
	return nil
}

func newExecutor(cfg ThreadConfiguration, logger *zap.Logger) (dispatcher.Executor, error) {
	switch cfg.Mode {
	case ModeFixedPool:
		pool, err := dispatcher.NewPool(cfg.NumberOfThreads, logger.Named("pool"))
		if err != nil {
			return nil, fmt.Errorf("start pool: %w", err)
		}
		return pool, nil
	case ModeUnboundedParallel:
		return dispatcher.NewUnbounded(cfg.NumberOfThreads, logger.Named("unbounded")), nil
	default:
		return nil, nil
	}
}

// Subscribe registers sub under sub.ID(). Re-subscribing an id replaces the
// previous subscriber in place (keeping its registration position) and logs a
// warning.
func (p *Publisher[T]) Subscribe(sub Subscriber[T]) (*Subscription, error) {
	if sub == nil || sub.ID() == "" {
		return nil, p.opError("subscribe", ErrInvalidSubscriber)
	}
	id := sub.ID()
	e := p.newEntry(sub)

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return nil, p.opError("subscribe", ErrPublisherClosed)
	}
	cur := p.subs.Load()
	next := &subscriberSet[T]{entries: make([]*entry[T], len(cur.entries), len(cur.entries)+1)}
	copy(next.entries, cur.entries)
	replaced := false
	if i := cur.index(id); i >= 0 {
		next.entries[i] = e
		replaced = true
	} else {
		next.entries = append(next.entries, e)
	}
	p.subs.Store(next)
	p.mu.Unlock()

	if replaced {
		p.logger.Warn("subscriber replaced", zap.String("subscriber", id))
	} else {
		p.logger.Debug("subscriber added", zap.String("subscriber", id))
	}
	return &Subscription{id: id, cancel: func() { p.remove(id, e) }}, nil
}

// Unsubscribe removes the subscriber registered under id. Unknown ids are
// ignored.
func (p *Publisher[T]) Unsubscribe(id string) {
	p.remove(id, nil)
}

func (p *Publisher[T]) remove(id string, only *entry[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.subs.Load()
	i := cur.index(id)
	if i < 0 || (only != nil && cur.entries[i] != only) {
		return
	}
	next := &subscriberSet[T]{entries: make([]*entry[T], 0, len(cur.entries)-1)}
	next.entries = append(next.entries, cur.entries[:i]...)
	next.entries = append(next.entries, cur.entries[i+1:]...)
	p.subs.Store(next)
	p.logger.Debug("subscriber removed", zap.String("subscriber", id))
}

// Subscribers lists subscriber ids in registration order.
func (p *Publisher[T]) Subscribers() []string {
	set := p.subs.Load()
	out := make([]string, 0, len(set.entries))
	for _, e := range set.entries {
		out = append(out, e.sub.ID())
	}
	return out
}

// Publish wraps data in a new event and dispatches it.
func (p *Publisher[T]) Publish(ctx context.Context, data T) error {
	evt, err := p.newEvent(EventPublish, data, nil)
	if err != nil {
		return err
	}
	return p.PublishEvent(ctx, evt)
}

// PublishError dispatches cause as an EventError envelope to subscribers that
// implement ErrorReceiver.
func (p *Publisher[T]) PublishError(ctx context.Context, cause error) error {
	var zero T
	evt, err := p.newEvent(EventError, zero, cause)
	if err != nil {
		return err
	}
	return p.PublishEvent(ctx, evt)
}

// PublishEvent dispatches a prepared envelope. Whether it blocks until
// delivery depends on the thread configuration.
func (p *Publisher[T]) PublishEvent(ctx context.Context, evt PublishEvent[T]) error {
	return p.enqueue(ctx, evt)()
}

// Close delivers an EventClosed envelope to current subscribers, waits for
// outstanding deliveries, releases every subscriber and stops the executor.
// Later calls return the first call's result.
func (p *Publisher[T]) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		p.mu.Lock()
		p.closed.Store(true)
		p.mu.Unlock()

		var errs error
		var zero T
		evt, err := p.newEvent(EventClosed, zero, nil)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else {
			errs = multierr.Append(errs, p.enqueue(ctx, evt)())
		}

		p.mu.Lock()
		p.subs.Store(&subscriberSet[T]{})
		rt := p.rt.Load()
		p.mu.Unlock()
		if rt.exec != nil {
			errs = multierr.Append(errs, rt.exec.Close(ctx))
		}
		p.closeErr = errs
		p.logger.Debug("publisher closed")
	})
	return p.closeErr
}

// Closed reports whether Close has been called.
func (p *Publisher[T]) Closed() bool {
	return p.closed.Load()
}

func (p *Publisher[T]) newEntry(sub Subscriber[T]) *entry[T] {
	e := &entry[T]{sub: sub}
	e.box = &mailbox[T]{
		subscriber: sub.ID(),
		deliver: func(ctx context.Context, evt PublishEvent[T]) *SubscriberDeliveryError {
			return p.deliver(ctx, sub, evt)
		},
	}
	return e
}

func (p *Publisher[T]) newEvent(typ EventType, data T, cause error) (PublishEvent[T], error) {
	id, err := p.ids.NewRawID()
	if err != nil {
		return PublishEvent[T]{}, p.opError("new event", err)
	}
	now := p.clock.Now()
	switch typ {
	case EventPublish:
		return NewEvent(Source(p), id, now, data), nil
	case EventError:
		return NewErrorEvent[T](p, id, now, cause), nil
	default:
		return NewLifecycleEvent[T](p, id, now, typ), nil
	}
}

// enqueue stamps evt and hands it to the dispatch strategy. The returned
// function completes the publish: it runs inline delivery in synchronous mode
// and waits for workers when the configuration asks for it. Callers may hold
// their own locks across enqueue but must release them before calling the
// result, and must call it exactly once.
//
// In synchronous mode enqueue takes p.inline, so events enqueued in order are
// delivered in order and no subscriber sees two concurrent Receive calls from
// this publisher. A subscriber therefore must not publish to the same
// synchronous publisher from inside Receive.
func (p *Publisher[T]) enqueue(ctx context.Context, evt PublishEvent[T]) func() error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Type() != EventClosed && p.closed.Load() {
		err := p.opError("publish", ErrPublisherClosed)
		return func() error { return err }
	}
	p.started.Store(true)
	rt := p.rt.Load()
	if rt.exec == nil {
		p.inline.Lock()
		set := p.subs.Load()
		evt = evt.stamp(p.clock.Now())
		return func() error {
			defer p.inline.Unlock()
			return p.dispatchInline(ctx, rt, evt, set)
		}
	}
	set := p.subs.Load()
	evt = evt.stamp(p.clock.Now())
	wait := rt.cfg.waits() || evt.Type() == EventClosed
	return p.dispatchPooled(ctx, rt, evt, set, wait)
}

func (p *Publisher[T]) dispatchInline(
	ctx context.Context,
	rt *dispatchRuntime,
	evt PublishEvent[T],
	set *subscriberSet[T],
) error {
	var failures []*SubscriberDeliveryError
	for _, e := range set.entries {
		if failure := p.deliver(ctx, e.sub, evt); failure != nil {
			failures = append(failures, failure)
		}
	}
	return p.settle(ctx, rt, evt, set, failures)
}

type deliveryBatch struct {
	wg       sync.WaitGroup
	mu       sync.Mutex
	failures []*SubscriberDeliveryError
}

func (b *deliveryBatch) add(f *SubscriberDeliveryError) {
	b.mu.Lock()
	b.failures = append(b.failures, f)
	b.mu.Unlock()
}

func (p *Publisher[T]) dispatchPooled(
	ctx context.Context,
	rt *dispatchRuntime,
	evt PublishEvent[T],
	set *subscriberSet[T],
	wait bool,
) func() error {
	if len(set.entries) == 0 {
		return func() error { return nil }
	}
	b := &deliveryBatch{}
	b.wg.Add(len(set.entries))
	done := func(failure *SubscriberDeliveryError) {
		defer b.wg.Done()
		if failure == nil {
			return
		}
		if wait {
			b.add(failure)
			return
		}
		// nobody is waiting; settle logs and redelivers on its own
		_ = p.settle(ctx, rt, evt, set, []*SubscriberDeliveryError{failure})
	}

	p.seq.Lock()
	for _, e := range set.entries {
		e.box.push(ctx, evt, done, rt.exec)
	}
	p.seq.Unlock()

	if !wait {
		return func() error { return nil }
	}
	return func() error {
		b.wg.Wait()
		return p.settle(ctx, rt, evt, set, b.failures)
	}
}

// settle applies the error policy to the failures of one event.
func (p *Publisher[T]) settle(
	ctx context.Context,
	rt *dispatchRuntime,
	evt PublishEvent[T],
	set *subscriberSet[T],
	failures []*SubscriberDeliveryError,
) error {
	if len(failures) == 0 {
		return nil
	}
	for _, f := range failures {
		p.logger.Warn("subscriber delivery failed",
			zap.String("subscriber", f.Subscriber),
			zap.Stringer("event_id", f.EventID),
			zap.Stringer("event_type", evt.Type()),
			zap.Error(f.Err),
		)
	}
	if rt.cfg.ErrorPolicy == ErrorPolicyRedeliver {
		if evt.Type() == EventPublish {
			for _, f := range failures {
				p.redeliver(ctx, rt, set, f)
			}
		}
		return nil
	}
	errs := make([]error, 0, len(failures))
	for _, f := range failures {
		errs = append(errs, f)
	}
	return multierr.Combine(errs...)
}

// redeliver sends failure as an EventError to every other error-aware
// subscriber. Failures while delivering error events are logged only.
func (p *Publisher[T]) redeliver(
	ctx context.Context,
	rt *dispatchRuntime,
	set *subscriberSet[T],
	failure *SubscriberDeliveryError,
) {
	var zero T
	errEvt, err := p.newEvent(EventError, zero, failure)
	if err != nil {
		p.logger.Error("build error event failed", zap.Error(err))
		return
	}
	errEvt = errEvt.stamp(p.clock.Now())
	logFailure := func(f *SubscriberDeliveryError) {
		if f != nil {
			p.logger.Warn("error event delivery failed",
				zap.String("subscriber", f.Subscriber),
				zap.Stringer("event_id", f.EventID),
				zap.Error(f.Err),
			)
		}
	}
	for _, e := range set.entries {
		if e.sub.ID() == failure.Subscriber {
			continue
		}
		if _, ok := e.sub.(ErrorReceiver[T]); !ok {
			continue
		}
		if rt.exec == nil {
			logFailure(p.deliver(ctx, e.sub, errEvt))
			continue
		}
		e.box.push(ctx, errEvt, logFailure, rt.exec)
	}
}

// deliver hands one event to one subscriber, converting errors and panics
// into a SubscriberDeliveryError. Error events only reach ErrorReceivers.
func (p *Publisher[T]) deliver(ctx context.Context, sub Subscriber[T], evt PublishEvent[T]) (failure *SubscriberDeliveryError) {
	var errRecv ErrorReceiver[T]
	if evt.Type() == EventError {
		var ok bool
		if errRecv, ok = sub.(ErrorReceiver[T]); !ok {
			return nil
		}
	}
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		p.observer.ObserveDelivery(p.name, sub.ID(), evt.Type(), time.Since(start), err)
		if err != nil {
			failure = &SubscriberDeliveryError{Subscriber: sub.ID(), EventID: evt.ID(), Err: err}
		}
	}()
	if err = ctx.Err(); err != nil {
		return nil
	}
	if errRecv != nil {
		err = errRecv.ReceiveError(ctx, evt)
		return nil
	}
	err = sub.Receive(ctx, evt)
	return nil
}

func (p *Publisher[T]) opError(op string, err error) error {
	return &PublisherError{Publisher: p.name, Op: op, Err: err}
}
