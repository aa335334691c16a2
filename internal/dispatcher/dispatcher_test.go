// Package dispatcher contains tests for the task executors.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestPoolRunsTasksWithBoundedConcurrency ensures no more than the configured
// number of workers execute at once.
func TestPoolRunsTasksWithBoundedConcurrency(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(2, nil)
	require.NoError(t, err)

	var running, peak, finished atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Submit(func() {
			n := running.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			finished.Add(1)
		}))
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)

	require.NoError(t, pool.Close(context.Background()))
	require.Equal(t, int32(6), finished.Load())
	require.Equal(t, int32(2), peak.Load())
}

// TestPoolRejectsAfterClose verifies Submit reports ErrClosed after shutdown.
func TestPoolRejectsAfterClose(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(1, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Close(context.Background()))
	require.ErrorIs(t, pool.Submit(func() {}), ErrClosed)
	// second close is harmless
	require.NoError(t, pool.Close(context.Background()))
}

func TestPoolRequiresWorkers(t *testing.T) {
	t.Parallel()

	_, err := NewPool(0, nil)
	require.Error(t, err)
}

// TestPoolSurvivesPanics ensures a panicking task does not kill its worker.
func TestPoolSurvivesPanics(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(1, nil)
	require.NoError(t, err)

	var ran atomic.Bool
	require.NoError(t, pool.Submit(func() { panic("boom") }))
	require.NoError(t, pool.Submit(func() { ran.Store(true) }))
	require.NoError(t, pool.Close(context.Background()))
	require.True(t, ran.Load())
}

// TestPoolSubmitFromWorker checks a task may enqueue follow-up work.
func TestPoolSubmitFromWorker(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(1, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	require.NoError(t, pool.Submit(func() {
		defer wg.Done()
		require.NoError(t, pool.Submit(wg.Done))
	}))
	wg.Wait()
	require.NoError(t, pool.Close(context.Background()))
}

func TestPoolCloseHonoursContext(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(1, nil)
	require.NoError(t, err)
	release := make(chan struct{})
	require.NoError(t, pool.Submit(func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, pool.Close(ctx), context.DeadlineExceeded)
	close(release)
	require.NoError(t, pool.Close(context.Background()))
}

// TestUnboundedLimit verifies the optional semaphore caps parallelism.
func TestUnboundedLimit(t *testing.T) {
	t.Parallel()

	exec := NewUnbounded(3, nil)
	var running, peak atomic.Int32
	for i := 0; i < 12; i++ {
		require.NoError(t, exec.Submit(func() {
			n := running.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		}))
	}
	require.NoError(t, exec.Close(context.Background()))
	require.LessOrEqual(t, peak.Load(), int32(3))
	require.ErrorIs(t, exec.Submit(func() {}), ErrClosed)
}
