// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/progress-pubsub/internal/api"
	"github.com/JakeFAU/progress-pubsub/internal/clock"
	"github.com/JakeFAU/progress-pubsub/internal/config"
	"github.com/JakeFAU/progress-pubsub/internal/messaging"
	"github.com/JakeFAU/progress-pubsub/internal/metrics"
	"github.com/JakeFAU/progress-pubsub/internal/sinks"
	"github.com/JakeFAU/progress-pubsub/internal/storage"
	gcsstore "github.com/JakeFAU/progress-pubsub/internal/storage/gcs"
	"github.com/JakeFAU/progress-pubsub/internal/storage/local"
	"github.com/JakeFAU/progress-pubsub/internal/storage/memory"
	"github.com/JakeFAU/progress-pubsub/internal/storage/postgres"
	"github.com/JakeFAU/progress-pubsub/internal/store"
)

// App holds all the shared, long-lived services for the application.
// It owns one ProgressPublisher and the sinks subscribed to it. Build it once
// at startup with New and release it with Close.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	publisher   *messaging.ProgressPublisher
	snapshots   *sinks.SnapshotSink
	runs        store.ProgressRepository
	batcher     *sinks.Batcher
	blobs       storage.BlobStore
	checkpoints *sinks.CheckpointSink
	pubsubSink  *sinks.PubSubSink

	closers   []func(context.Context) error
	closeOnce sync.Once
	closeErr  error
}

// Option customises New.
type Option func(*options)

type options struct {
	clock          clock.Clock
	registry       *prometheus.Registry
	pubsubOptions  []option.ClientOption
	storageOptions []option.ClientOption
	blobs          storage.BlobStore
}

// WithClock overrides the clock used for event timestamps and checkpoint
// throttling.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRegistry registers collectors on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithPubSubClientOptions passes opts to pubsub.NewClient, e.g. to point at
// an emulator.
func WithPubSubClientOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.pubsubOptions = append(o.pubsubOptions, opts...) }
}

// WithBlobStore uses blobs for checkpoints instead of the configured backend.
// It has no effect while checkpoints are disabled.
func WithBlobStore(blobs storage.BlobStore) Option {
	return func(o *options) { o.blobs = blobs }
}

// WithStorageClientOptions passes opts to storage.NewClient.
func WithStorageClientOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.storageOptions = append(o.storageOptions, opts...) }
}

// New creates and initializes the App from cfg. It fails fast if any
// configured backend cannot be reached; services created before the failure
// are released.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{clock: clock.NewSystem()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		registry:  o.registry,
		metrics:   metrics.New(o.registry),
		snapshots: sinks.NewSnapshotSink(),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close(context.Background()))
		}
	}()

	logger.Info("Initializing application services...")

	pcfg, err := cfg.ProgressConfiguration()
	if err != nil {
		return nil, err
	}
	pub, err := messaging.NewProgressPublisher(cfg.Publisher.Name,
		messaging.WithLogger(logger),
		messaging.WithClock(o.clock),
		messaging.WithObserver(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("create publisher: %w", err)
	}
	if _, err := pub.Configure(pcfg); err != nil {
		return nil, fmt.Errorf("configure publisher: %w", err)
	}
	a.publisher = pub

	if err := a.initRuns(ctx); err != nil {
		return nil, err
	}
	if err := a.initCheckpoints(ctx, o); err != nil {
		return nil, err
	}
	if err := a.initPubSub(ctx, o); err != nil {
		return nil, err
	}
	if err := a.subscribeSinks(); err != nil {
		return nil, err
	}

	logger.Info("Application services initialized successfully.",
		zap.String("publisher", pub.Name()),
		zap.Strings("subscribers", pub.Subscribers()),
	)
	return a, nil
}

func (a *App) initRuns(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("Using in-memory run store. Run history is lost on exit.")
		a.runs = memory.NewRunStore()
		return nil
	}
	a.logger.Info("Connecting to PostgreSQL...")
	pg, err := postgres.NewProgressStore(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.addCloser(func(context.Context) error {
		pg.Close()
		return nil
	})
	if err := pg.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	a.runs = pg
	return nil
}

func (a *App) initCheckpoints(ctx context.Context, o options) error {
	cp := a.cfg.Checkpoint
	if !cp.Enabled {
		return nil
	}
	switch {
	case o.blobs != nil:
		a.blobs = o.blobs
	case cp.Backend == config.BackendLocal:
		blobs, err := local.New(local.Config{BaseDir: cp.Dir})
		if err != nil {
			return fmt.Errorf("failed to initialize local checkpoints: %w", err)
		}
		a.blobs = blobs
	case cp.Backend == config.BackendGCS:
		client, err := gcs.NewClient(ctx, o.storageOptions...)
		if err != nil {
			return fmt.Errorf("failed to initialize storage client: %w", err)
		}
		a.addCloser(func(context.Context) error { return client.Close() })
		blobs, err := gcsstore.New(client, gcsstore.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			return fmt.Errorf("failed to initialize gcs checkpoints: %w", err)
		}
		a.blobs = blobs
	default:
		a.blobs = memory.NewBlobStore()
	}
	a.logger.Info("Checkpoints enabled", zap.String("backend", cp.Backend), zap.Duration("interval", a.cfg.CheckpointInterval()))

	sink, err := sinks.NewCheckpointSink(a.blobs, sinks.CheckpointConfig{
		Prefix:   cp.Prefix,
		Interval: a.cfg.CheckpointInterval(),
		Logger:   a.logger.Named("checkpoint"),
	})
	if err != nil {
		return fmt.Errorf("create checkpoint sink: %w", err)
	}
	a.checkpoints = sink
	return nil
}

func (a *App) initPubSub(ctx context.Context, o options) error {
	ps := a.cfg.PubSub
	if ps.ProjectID == "" || ps.TopicName == "" {
		return nil
	}
	a.logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", ps.TopicName))
	client, err := pubsub.NewClient(ctx, ps.ProjectID, o.pubsubOptions...)
	if err != nil {
		return fmt.Errorf("failed to initialize pubsub: %w", err)
	}
	a.addCloser(func(context.Context) error { return client.Close() })
	topic := client.Topic(ps.TopicName)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check pubsub topic %q: %w", ps.TopicName, err)
	}
	if !exists {
		return fmt.Errorf("pubsub topic %q does not exist in project %q", ps.TopicName, ps.ProjectID)
	}
	a.pubsubSink = sinks.NewPubSubSink(topic)
	a.addCloser(a.pubsubSink.Close)
	return nil
}

func (a *App) subscribeSinks() error {
	subs := []messaging.Subscriber[messaging.ProgressEvent]{a.snapshots}
	if a.cfg.Sinks.Log {
		subs = append(subs, sinks.NewLogSink(a.logger.Named("progress")))
	}
	if a.cfg.Sinks.Prometheus {
		prom, err := sinks.NewPrometheusSink(a.registry)
		if err != nil {
			return fmt.Errorf("create prometheus sink: %w", err)
		}
		subs = append(subs, prom)
	}
	a.batcher = sinks.NewBatcher(sinks.BatcherConfig{
		ID:             "runs",
		BufferSize:     a.cfg.Batch.BufferSize,
		MaxBatchEvents: a.cfg.Batch.MaxEvents,
		MaxBatchWait:   a.cfg.BatchWait(),
		SinkTimeout:    time.Duration(a.cfg.Batch.SinkTimeoutSeconds) * time.Second,
		Logger:         a.logger.Named("batcher"),
	}, sinks.NewStoreSink(a.runs, a.logger.Named("store")))
	a.addCloser(a.batcher.Close)
	subs = append(subs, a.batcher)
	if a.checkpoints != nil {
		subs = append(subs, a.checkpoints)
	}
	if a.pubsubSink != nil {
		subs = append(subs, sinks.NewThrottle(a.pubsubSink, sinks.ThrottleConfig{
			RPS:   a.cfg.PubSub.MaxRPS,
			Burst: a.cfg.PubSub.Burst,
		}))
	}
	for _, sub := range subs {
		if _, err := a.publisher.Subscribe(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.ID(), err)
		}
	}
	return nil
}

func (a *App) addCloser(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// runClosers releases services in reverse creation order.
func (a *App) runClosers(ctx context.Context) error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errs
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Publisher returns the progress publisher every sink is subscribed to.
func (a *App) Publisher() *messaging.ProgressPublisher { return a.publisher }

// Snapshots returns the in-memory latest-value tracker.
func (a *App) Snapshots() *sinks.SnapshotSink { return a.snapshots }

// Runs returns the run history repository.
func (a *App) Runs() store.ProgressRepository { return a.runs }

// Blobs returns the checkpoint store, or nil when checkpoints are disabled.
func (a *App) Blobs() storage.BlobStore { return a.blobs }

// Registry returns the Prometheus registry holding every collector.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Handler builds the HTTP status API.
func (a *App) Handler() http.Handler {
	apiKey := ""
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	return api.NewServer(api.Options{
		Snapshots:      a.snapshots,
		Runs:           a.runs,
		Metrics:        a.metrics,
		Logger:         a.logger,
		APIKey:         apiKey,
		RequestTimeout: time.Duration(a.cfg.Server.RequestTimeoutSeconds) * time.Second,
	}).Handler()
}

// LastCheckpoint returns the stored checkpoint of the publisher. ok is false
// when checkpoints are disabled or none was written yet.
func (a *App) LastCheckpoint(ctx context.Context) (sinks.Record, bool, error) {
	if a.blobs == nil {
		return sinks.Record{}, false, nil
	}
	rec, ok, err := sinks.LoadCheckpoint(ctx, a.blobs, a.cfg.Checkpoint.Prefix, a.publisher.Name())
	if err != nil {
		return sinks.Record{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return rec, ok, nil
}

// Close gracefully shuts down all services in the App container. The
// publisher is closed first so every sink sees the closed signal before it is
// flushed; sinks failing to take that signal are logged, not returned. Later
// calls return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.logger.Info("Shutting down application services...")
		var errs error
		if a.publisher != nil {
			err := a.tolerateDelivery("close publisher", a.publisher.Close(ctx))
			if err != nil && !errors.Is(err, messaging.ErrPublisherClosed) {
				errs = multierr.Append(errs, err)
			}
		}
		errs = multierr.Append(errs, a.runClosers(ctx))
		if dropped := a.batcherDropped(); dropped > 0 {
			a.logger.Warn("run store dropped events", zap.Int64("dropped", dropped))
		}
		a.closeErr = errs
	})
	return a.closeErr
}

func (a *App) batcherDropped() int64 {
	if a.batcher == nil {
		return 0
	}
	return a.batcher.Dropped()
}
