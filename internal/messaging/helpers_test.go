package messaging

import (
	"context"
	"sync"
	"time"
)

// recorder captures every event it receives. It implements ErrorReceiver.
type recorder[T any] struct {
	id string

	mu     sync.Mutex
	events []PublishEvent[T]
	errors []PublishEvent[T]
	fail   error
	panics any
}

func newRecorder[T any](id string) *recorder[T] {
	return &recorder[T]{id: id}
}

func (r *recorder[T]) ID() string { return r.id }

func (r *recorder[T]) Receive(_ context.Context, evt PublishEvent[T]) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	fail, panics := r.fail, r.panics
	r.mu.Unlock()
	if panics != nil {
		panic(panics)
	}
	return fail
}

func (r *recorder[T]) ReceiveError(_ context.Context, evt PublishEvent[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, evt)
	return nil
}

func (r *recorder[T]) Events() []PublishEvent[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PublishEvent[T](nil), r.events...)
}

func (r *recorder[T]) Errors() []PublishEvent[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PublishEvent[T](nil), r.errors...)
}

// Data returns the payloads of EventPublish envelopes in arrival order.
func (r *recorder[T]) Data() []T {
	var out []T
	for _, evt := range r.Events() {
		if v, ok := evt.Data(); ok {
			out = append(out, v)
		}
	}
	return out
}

func (r *recorder[T]) Count(typ EventType) int {
	n := 0
	for _, evt := range r.Events() {
		if evt.Type() == typ {
			n++
		}
	}
	return n
}

type observation struct {
	publisher  string
	subscriber string
	typ        EventType
	err        error
}

type fakeObserver struct {
	mu   sync.Mutex
	seen []observation
}

func (o *fakeObserver) ObserveDelivery(publisher, subscriber string, typ EventType, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, observation{publisher: publisher, subscriber: subscriber, typ: typ, err: err})
}

func (o *fakeObserver) Observations() []observation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observation(nil), o.seen...)
}

func pooled(threads int) ThreadConfiguration {
	return ThreadConfiguration{Mode: ModeFixedPool, NumberOfThreads: threads, WaitForDelivery: true}
}
