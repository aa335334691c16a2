package messaging

import (
	"context"
	"sync"

	"github.com/JakeFAU/progress-pubsub/internal/dispatcher"
)

type delivery[T any] struct {
	ctx  context.Context
	evt  PublishEvent[T]
	done func(*SubscriberDeliveryError)
}

// mailbox queues deliveries for one subscriber. At most one drain task is
// scheduled at a time, which gives FIFO delivery per subscriber regardless of
// how the executor orders tasks.
type mailbox[T any] struct {
	subscriber string
	deliver    func(context.Context, PublishEvent[T]) *SubscriberDeliveryError

	mu      sync.Mutex
	pending []delivery[T]
	running bool
}

func (b *mailbox[T]) push(
	ctx context.Context,
	evt PublishEvent[T],
	done func(*SubscriberDeliveryError),
	exec dispatcher.Executor,
) {
	b.mu.Lock()
	b.pending = append(b.pending, delivery[T]{ctx: ctx, evt: evt, done: done})
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	if err := exec.Submit(b.drain); err != nil {
		b.abort(err)
	}
}

func (b *mailbox[T]) drain() {
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.running = false
			b.mu.Unlock()
			return
		}
		d := b.pending[0]
		b.pending[0] = delivery[T]{}
		b.pending = b.pending[1:]
		b.mu.Unlock()

		d.done(b.deliver(d.ctx, d.evt))
	}
}

func (b *mailbox[T]) abort(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.running = false
	b.mu.Unlock()
	for _, d := range pending {
		d.done(&SubscriberDeliveryError{Subscriber: b.subscriber, EventID: d.evt.ID(), Err: err})
	}
}
