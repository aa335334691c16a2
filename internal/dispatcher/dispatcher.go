// Package dispatcher runs delivery tasks on behalf of publishers. It offers a
// fixed-size worker pool and an unbounded goroutine-per-task executor; both
// accept work without blocking the submitter.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Submit once an executor has been closed.
var ErrClosed = errors.New("dispatcher closed")

// Task is one unit of work.
type Task func()

// Executor schedules tasks. Submit must not block on task execution.
type Executor interface {
	Submit(task Task) error
	Close(ctx context.Context) error
}

// Pool fans tasks out to a fixed set of worker goroutines. Pending tasks are
// held in an unbounded FIFO so a worker may submit follow-up work without
// deadlocking against its own pool.
type Pool struct {
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Task
	closed  bool

	group errgroup.Group
	done  chan struct{}
}

// NewPool starts workers goroutines. workers must be positive.
func NewPool(workers int, logger *zap.Logger) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("pool requires a positive worker count, got %d", workers)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		logger: logger,
		done:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	go func() {
		_ = p.group.Wait()
		close(p.done)
	}()
	return p, nil
}

// Submit queues task for the next idle worker.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.pending = append(p.pending, task)
	p.cond.Signal()
	return nil
}

// Pending reports how many tasks are waiting for a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close stops accepting tasks, lets workers finish everything already queued,
// and waits for them to exit or for ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.cond.Broadcast()
	}
	p.mu.Unlock()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool close wait: %w", ctx.Err())
	}
}

func (p *Pool) work() error {
	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.pending) == 0 {
			p.mu.Unlock()
			return nil
		}
		task := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		p.mu.Unlock()
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("dispatcher task panicked", zap.Any("panic", r))
		}
	}()
	task()
}

// Unbounded runs every task on its own goroutine. A positive limit caps the
// number of tasks running at once; excess tasks wait on a semaphore inside
// their goroutine rather than in Submit.
type Unbounded struct {
	logger *zap.Logger
	sem    *semaphore.Weighted

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewUnbounded builds an Unbounded executor. limit <= 0 means no cap.
func NewUnbounded(limit int, logger *zap.Logger) *Unbounded {
	if logger == nil {
		logger = zap.NewNop()
	}
	u := &Unbounded{logger: logger}
	if limit > 0 {
		u.sem = semaphore.NewWeighted(int64(limit))
	}
	return u
}

// Submit starts task on a new goroutine.
func (u *Unbounded) Submit(task Task) error {
	if task == nil {
		return nil
	}
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		return ErrClosed
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		if u.sem != nil {
			if err := u.sem.Acquire(context.Background(), 1); err != nil {
				u.logger.Error("dispatcher semaphore acquire failed", zap.Error(err))
				return
			}
			defer u.sem.Release(1)
		}
		defer func() {
			if r := recover(); r != nil {
				u.logger.Error("dispatcher task panicked", zap.Any("panic", r))
			}
		}()
		task()
	}()
	return nil
}

// Close stops accepting tasks and waits for running ones or for ctx to end.
func (u *Unbounded) Close(ctx context.Context) error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("unbounded close wait: %w", ctx.Err())
	}
}
