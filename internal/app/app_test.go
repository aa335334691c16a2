package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/progress-pubsub/internal/app"
	"github.com/JakeFAU/progress-pubsub/internal/config"
	"github.com/JakeFAU/progress-pubsub/internal/messaging"
	"github.com/JakeFAU/progress-pubsub/internal/sinks"
	"github.com/JakeFAU/progress-pubsub/internal/storage"
	"github.com/JakeFAU/progress-pubsub/internal/storage/local"
	"github.com/JakeFAU/progress-pubsub/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Sinks.Log = false
	cfg.Batch.MaxWaitMs = 10
	cfg.Job.StepIntervalMs = 0
	return cfg
}

func TestNewApp_Defaults(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	assert.NotNil(t, a.Logger())
	assert.Nil(t, a.Blobs())
	assert.Equal(t, []string{"snapshot", "prometheus", "runs"}, a.Publisher().Subscribers())

	_, ok, err := a.LastCheckpoint(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewApp_InvalidPublisherConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Publisher.Mode = "fixed_pool"
	_, err := app.New(context.Background(), cfg, nil)
	var cfgErr *messaging.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNewApp_BadLocalDir(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Checkpoint.Enabled = true
	cfg.Checkpoint.Backend = config.BackendLocal
	cfg.Checkpoint.Dir = ""
	_, err := app.New(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestRunJob_FeedsEverySink(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Checkpoint.Enabled = true
	cfg.Publisher.Mode = "fixed_pool"
	cfg.Publisher.Threads = 2
	a, err := app.New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, a.RunJob(ctx, app.Job{Total: 20}))

	snap, ok := a.Snapshots().Get("job")
	require.True(t, ok)
	assert.Equal(t, uint64(20), snap.Current)

	rec, ok, err := a.LastCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(20), rec.Current)

	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx))

	status := store.RunSuccess
	runs, err := a.Runs().ListRuns(ctx, &status, 0, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, uint64(20), runs[0].Current)

	n, err := testutil.GatherAndCount(a.Registry(), "progress_current")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = testutil.GatherAndCount(a.Registry(), "messaging_deliveries_total")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestRunJob_SurvivesFailingCheckpointStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	blobs := &storage.MockBlobStore{}
	blobs.On("PutObject", mock.Anything, mock.Anything, "application/json", mock.Anything).
		Return("", errors.New("disk full"))

	cfg := testConfig(t)
	cfg.Checkpoint.Enabled = true
	cfg.Checkpoint.IntervalSeconds = 0
	a, err := app.New(ctx, cfg, zap.NewNop(), app.WithBlobStore(blobs))
	require.NoError(t, err)
	require.Equal(t, messaging.ModeSynchronous, a.Publisher().Configuration().Thread.Mode)

	require.NoError(t, a.RunJob(ctx, app.Job{Total: 5}))
	assert.Equal(t, uint64(5), a.Publisher().Snapshot().Current)
	require.NoError(t, a.Close(ctx))

	// one write per event: initialise, five ticks and the closed signal
	blobs.AssertNumberOfCalls(t, "PutObject", 7)
	status := store.RunSuccess
	runs, err := a.Runs().ListRuns(ctx, &status, 0, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, uint64(5), runs[0].Current)
}

func TestRunJob_StopsOnPublisherError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := app.New(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Publisher().Close(ctx))

	err = a.RunJob(ctx, app.Job{Total: 3})
	require.ErrorIs(t, err, messaging.ErrPublisherClosed)
	require.NoError(t, a.Close(ctx))
}

func TestRunJob_ResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	seed, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	data, err := json.Marshal(sinks.Record{Publisher: "job", Type: "publish", Current: 7, Total: 10})
	require.NoError(t, err)
	_, err = seed.PutObject(ctx, sinks.CheckpointPath("checkpoints", "job"), "application/json", bytes.NewReader(data))
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Checkpoint.Enabled = true
	cfg.Checkpoint.Backend = config.BackendLocal
	cfg.Checkpoint.Dir = dir
	a, err := app.New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })

	var published atomic.Int64
	_, err = a.Publisher().Subscribe(messaging.NewSubscriberFunc[messaging.ProgressEvent]("count",
		func(context.Context, messaging.PublishEvent[messaging.ProgressEvent]) error {
			published.Add(1)
			return nil
		}))
	require.NoError(t, err)

	require.NoError(t, a.RunJob(ctx, app.Job{Total: 10, Resume: true}))
	// initialise, jump to 7, then 8, 9, 10
	assert.Equal(t, int64(5), published.Load())
	assert.Equal(t, uint64(10), a.Publisher().Snapshot().Current)
}

func TestRunJob_Interrupted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.New(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err = a.RunJob(ctx, app.Job{Total: 1_000_000, StepInterval: time.Millisecond})
	require.True(t, errors.Is(err, context.Canceled))

	snap, ok := a.Snapshots().Get("job")
	require.True(t, ok)
	assert.Contains(t, snap.LastError, "job interrupted")
}

func TestNewApp_PubSub(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	admin, err := pubsub.NewClient(ctx, "demo", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = admin.CreateTopic(ctx, "progress")
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.PubSub.ProjectID = "demo"
	cfg.PubSub.TopicName = "progress"
	a, err := app.New(ctx, cfg, zap.NewNop(), app.WithPubSubClientOptions(option.WithGRPCConn(conn)))
	require.NoError(t, err)

	require.NoError(t, a.RunJob(ctx, app.Job{Total: 3}))
	require.NoError(t, a.Close(ctx))

	// four progress events plus the closed signal
	require.Len(t, srv.Messages(), 5)
}

func TestNewApp_PubSubMissingTopic(t *testing.T) {
	t.Parallel()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	cfg := testConfig(t)
	cfg.PubSub.ProjectID = "demo"
	cfg.PubSub.TopicName = "absent"
	_, err = app.New(context.Background(), cfg, zap.NewNop(), app.WithPubSubClientOptions(option.WithGRPCConn(conn)))
	require.ErrorContains(t, err, "does not exist")
}

func TestHandler_ServesProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := app.New(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })
	require.NoError(t, a.RunJob(ctx, app.Job{Total: 2}))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/progress/job", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"current":2`)
}
