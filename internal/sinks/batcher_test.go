package sinks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestBatcherBatchBySize verifies a publisher's batch flushes once it reaches MaxBatchEvents.
func TestBatcherBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	b := NewBatcher(BatcherConfig{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, b.Close(context.Background()))
	}()

	src := newTestSource("size")
	require.NoError(t, b.Receive(context.Background(), progressEvent(src, 1, 5)))
	require.NoError(t, b.Receive(context.Background(), progressEvent(src, 2, 5)))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestBatcherBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestBatcherBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	b := NewBatcher(BatcherConfig{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, b.Close(context.Background()))
	}()

	b.Emit(progressEvent(newTestSource("timer"), 1, 5))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBatcherFlushesTerminalEventsImmediately(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	b := NewBatcher(BatcherConfig{
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, b.Close(context.Background()))
	}()

	done, failed, closed := newTestSource("done"), newTestSource("failed"), newTestSource("closed")
	b.Emit(progressEvent(done, 4, 5))
	b.Emit(progressEvent(done, 5, 5))
	require.NoError(t, b.ReceiveError(context.Background(), errorEvent(failed, errBoom)))
	b.Emit(closedEvent(closed))

	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 3
	}, time.Second, 5*time.Millisecond)

	sizes := map[string]int{}
	for _, batch := range sink.Batches() {
		for _, evt := range batch {
			require.Equal(t, batch[0].SourceName(), evt.SourceName())
		}
		sizes[batch[0].SourceName()] = len(batch)
	}
	require.Equal(t, map[string]int{"done": 2, "failed": 1, "closed": 1}, sizes)
}

func TestBatcherKeepsPublishersApart(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	b := NewBatcher(BatcherConfig{
		MaxBatchEvents: 3,
		MaxBatchWait:   time.Minute,
	}, sink)

	a, c := newTestSource("a"), newTestSource("c")
	for i := uint64(1); i <= 3; i++ {
		b.Emit(progressEvent(a, i, 10))
		b.Emit(progressEvent(c, i, 10))
	}
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Close(context.Background()))

	for _, batch := range sink.Batches() {
		require.Len(t, batch, 3)
		for i, evt := range batch {
			require.Equal(t, batch[0].SourceName(), evt.SourceName())
			p, ok := evt.Data()
			require.True(t, ok)
			require.Equal(t, uint64(i+1), p.Current)
		}
	}
}

// TestBatcherDropsTicksButNotTerminalEventsWhenFull asserts Emit never blocks and only sheds ticks.
func TestBatcherDropsTicksButNotTerminalEventsWhenFull(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	b := NewBatcher(BatcherConfig{
		BufferSize:     1,
		MaxBatchEvents: 10,
		MaxBatchWait:   time.Minute,
		Logger:         zap.NewNop(),
	}, sink)

	src := newTestSource("full")
	start := time.Now()
	b.Emit(progressEvent(src, 1, 3))
	b.Emit(progressEvent(src, 2, 3))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), b.Dropped())

	b.Emit(progressEvent(src, 3, 3))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Close(context.Background()))

	batch := sink.Batches()[0]
	require.Len(t, batch, 2)
	last, _ := batch[1].Data()
	require.True(t, last.Done())
	require.Equal(t, int64(1), b.Dropped())
}

// TestBatcherFlushOnClose ensures Close drains buffered events and closes sinks.
func TestBatcherFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	b := NewBatcher(BatcherConfig{
		ID:             "store-batcher",
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)
	require.Equal(t, "store-batcher", b.ID())

	quiet, noisy := newTestSource("quiet"), newTestSource("noisy")
	b.Emit(progressEvent(quiet, 1, 3))
	b.Emit(progressEvent(noisy, 1, 3))
	b.Emit(progressEvent(noisy, 2, 3))

	require.NoError(t, b.Close(context.Background()))
	require.NoError(t, b.Close(context.Background()))
	require.Len(t, sink.Batches(), 2)
	require.True(t, sink.Closed())

	// events after close are ignored
	b.Emit(progressEvent(quiet, 2, 3))
	require.Len(t, sink.Batches(), 2)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}
