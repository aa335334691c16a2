package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// SubscriberHook wraps a subscriber so it can be detached from every
// publisher it joined with one call. The hook has the wrapped subscriber's ID.
//
// After Close returns no new delivery reaches the wrapped subscriber, but one
// that was already running inside Receive may still finish. CloseContext
// additionally waits for such a delivery. Calling CloseContext from inside the
// wrapped subscriber's Receive blocks until ctx is done.
type SubscriberHook[T any] struct {
	sub    Subscriber[T]
	closed atomic.Bool
	gate   sync.RWMutex // read-held for the duration of each forwarded delivery

	mu   sync.Mutex
	subs []*Subscription
}

// NewSubscriberHook wraps sub.
func NewSubscriberHook[T any](sub Subscriber[T]) *SubscriberHook[T] {
	return &SubscriberHook[T]{sub: sub}
}

// ID returns the wrapped subscriber's id.
func (h *SubscriberHook[T]) ID() string { return h.sub.ID() }

// Closed reports whether the hook has been closed.
func (h *SubscriberHook[T]) Closed() bool { return h.closed.Load() }

// Receive forwards evt unless the hook is closed.
func (h *SubscriberHook[T]) Receive(ctx context.Context, evt PublishEvent[T]) error {
	if h.closed.Load() {
		return nil
	}
	h.gate.RLock()
	defer h.gate.RUnlock()
	if h.closed.Load() {
		return nil
	}
	return h.sub.Receive(ctx, evt)
}

// ReceiveError forwards error events when the wrapped subscriber accepts
// them.
func (h *SubscriberHook[T]) ReceiveError(ctx context.Context, evt PublishEvent[T]) error {
	er, ok := h.sub.(ErrorReceiver[T])
	if !ok || h.closed.Load() {
		return nil
	}
	h.gate.RLock()
	defer h.gate.RUnlock()
	if h.closed.Load() {
		return nil
	}
	return er.ReceiveError(ctx, evt)
}

// Subscribe joins pub and remembers the registration for Close.
func (h *SubscriberHook[T]) Subscribe(pub Subscribable[T]) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return fmt.Errorf("subscriber hook %s: %w", h.ID(), ErrHookClosed)
	}
	s, err := pub.Subscribe(h)
	if err != nil {
		return fmt.Errorf("subscriber hook %s: %w", h.ID(), err)
	}
	h.subs = append(h.subs, s)
	return nil
}

// Close stops forwarding and unsubscribes from every joined publisher. It is
// idempotent.
func (h *SubscriberHook[T]) Close() error {
	h.closed.Store(true)
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
	return nil
}

// CloseContext closes the hook and waits until no forwarded delivery is in
// progress, or until ctx is done.
func (h *SubscriberHook[T]) CloseContext(ctx context.Context) error {
	if err := h.Close(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		h.gate.Lock()
		h.gate.Unlock() //nolint:staticcheck // lock used as a barrier
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("subscriber hook %s: %w", h.ID(), ctx.Err())
	}
}
