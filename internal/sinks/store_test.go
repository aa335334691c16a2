package sinks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/progress-pubsub/internal/messaging"
	"github.com/JakeFAU/progress-pubsub/internal/storage/memory"
	"github.com/JakeFAU/progress-pubsub/internal/store"
)

// TestStoreSinkCollapsesBatch ensures counter updates collapse to one write per run per batch.
func TestStoreSinkCollapsesBatch(t *testing.T) {
	t.Parallel()

	repo := &fakeProgressRepo{}
	sink := NewStoreSink(repo, nil)
	src := newTestSource("import")

	batch := []Event{
		progressEvent(src, 0, 10),
		progressEvent(src, 3, 10),
		progressEvent(src, 8, 10),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.starts, 1)
	require.Equal(t, batch[0].ID(), repo.starts[0].ID)
	require.Equal(t, "import", repo.starts[0].Publisher)
	require.Len(t, repo.progress, 1)
	require.Equal(t, uint64(8), repo.progress[0].current)
	require.Empty(t, repo.finishes)
}

func TestStoreSinkRunLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewRunStore()
	sink := NewStoreSink(repo, nil)

	pub, err := messaging.NewProgressPublisher("import")
	require.NoError(t, err)
	_, err = pub.Subscribe(sink)
	require.NoError(t, err)

	require.NoError(t, pub.Initialise(ctx, 3, true))
	require.NoError(t, pub.TickBy(ctx, 3))
	require.NoError(t, pub.Tick(ctx)) // overrun keeps updating the finished run
	require.NoError(t, pub.Reset(ctx, 5))
	require.NoError(t, pub.TickBy(ctx, 2))
	require.NoError(t, pub.Close(ctx))

	runs, err := repo.ListRuns(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byStatus := map[store.RunStatus]store.Run{}
	for _, r := range runs {
		byStatus[r.Status] = r
	}
	done := byStatus[store.RunSuccess]
	require.Equal(t, uint64(4), done.Current)
	require.Equal(t, uint64(3), done.Total)
	require.NotNil(t, done.FinishedAt)

	abandoned := byStatus[store.RunAbandoned]
	require.Equal(t, uint64(2), abandoned.Current)
	require.Equal(t, uint64(5), abandoned.Total)
}

func TestStoreSinkDetectsRestartedCounters(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		run  func(ctx context.Context, pub *messaging.ProgressPublisher) error
		want [][2]uint64
	}{
		{
			name: "initialise with new total",
			run: func(ctx context.Context, pub *messaging.ProgressPublisher) error {
				if err := pub.Initialise(ctx, 10, true); err != nil {
					return err
				}
				return pub.Initialise(ctx, 20, true)
			},
			want: [][2]uint64{{0, 10}, {0, 20}},
		},
		{
			name: "initialise twice with same total",
			run: func(ctx context.Context, pub *messaging.ProgressPublisher) error {
				if err := pub.Initialise(ctx, 10, true); err != nil {
					return err
				}
				return pub.Initialise(ctx, 10, true)
			},
			want: [][2]uint64{{0, 10}, {0, 10}},
		},
		{
			name: "silent initialise then larger tick",
			run: func(ctx context.Context, pub *messaging.ProgressPublisher) error {
				if err := pub.Initialise(ctx, 10, false); err != nil {
					return err
				}
				if err := pub.TickBy(ctx, 3); err != nil {
					return err
				}
				if err := pub.Initialise(ctx, 10, false); err != nil {
					return err
				}
				return pub.TickBy(ctx, 5)
			},
			want: [][2]uint64{{3, 10}, {5, 10}},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			repo := memory.NewRunStore()
			pub, err := messaging.NewProgressPublisher("restart")
			require.NoError(t, err)
			_, err = pub.Subscribe(NewStoreSink(repo, nil))
			require.NoError(t, err)

			require.NoError(t, tc.run(ctx, pub))
			require.NoError(t, pub.Close(ctx))

			runs, err := repo.ListRuns(ctx, nil, 0, 0)
			require.NoError(t, err)
			got := make([][2]uint64, 0, len(runs))
			for _, r := range runs {
				require.Equal(t, store.RunAbandoned, r.Status, "run %s", r.ID)
				got = append(got, [2]uint64{r.Current, r.Total})
			}
			require.ElementsMatch(t, tc.want, got)
		})
	}
}

func TestStoreSinkRecordsProducerErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewRunStore()
	sink := NewStoreSink(repo, nil)
	src := newTestSource("failing")

	start := progressEvent(src, 0, 10)
	require.NoError(t, sink.Receive(ctx, start))
	// redelivered subscriber failures do not fail the run
	require.NoError(t, sink.ReceiveError(ctx, errorEvent(src, &messaging.SubscriberDeliveryError{
		Subscriber: "pubsub",
		EventID:    uuid.New(),
		Err:        errBoom,
	})))
	run, err := repo.GetRun(ctx, start.ID())
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, run.Status)

	require.NoError(t, sink.ReceiveError(ctx, errorEvent(src, fmt.Errorf("upstream: %w", errBoom))))
	run, err = repo.GetRun(ctx, start.ID())
	require.NoError(t, err)
	require.Equal(t, store.RunError, run.Status)
	require.Equal(t, "upstream: boom", *run.ErrorMessage)

	// closing after a terminal status does not overwrite it
	require.NoError(t, sink.Receive(ctx, closedEvent(src)))
	run, _ = repo.GetRun(ctx, start.ID())
	require.Equal(t, store.RunError, run.Status)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeProgressRepo{fail: true}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []Event{progressEvent(newTestSource("x"), 0, 1)})
	require.Error(t, err)

	var nilSink *StoreSink
	require.NoError(t, nilSink.Consume(context.Background(), nil))
	require.NoError(t, sink.Close(context.Background()))
}

type fakeProgressRepo struct {
	fail     bool
	starts   []store.Run
	progress []progressCall
	finishes []uuid.UUID
}

type progressCall struct {
	runID   uuid.UUID
	current uint64
	total   uint64
}

func (f *fakeProgressRepo) StartRun(_ context.Context, run store.Run) error {
	if f.fail {
		return assertErr("start")
	}
	f.starts = append(f.starts, run)
	return nil
}

func (f *fakeProgressRepo) RecordProgress(_ context.Context, runID uuid.UUID, current, total uint64, _ time.Time) error {
	if f.fail {
		return assertErr("progress")
	}
	f.progress = append(f.progress, progressCall{runID: runID, current: current, total: total})
	return nil
}

func (f *fakeProgressRepo) FinishRun(context.Context, uuid.UUID, time.Time, store.RunStatus, *string) error {
	if f.fail {
		return assertErr("finish")
	}
	return nil
}

func (f *fakeProgressRepo) GetRun(context.Context, uuid.UUID) (store.Run, error) {
	return store.Run{}, assertErr("read")
}

func (f *fakeProgressRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, assertErr("list")
}
