package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-pubsub/internal/messaging"
	"github.com/JakeFAU/progress-pubsub/internal/telemetry"
)

// Job describes a simulated unit of work reported through the publisher.
type Job struct {
	Total        uint64
	StepInterval time.Duration
	// Resume continues from the last checkpoint when one exists and its
	// total matches.
	Resume bool
}

// RunJob initialises the publisher with job.Total and ticks once per
// StepInterval until Current reaches Total or ctx is done. The whole job runs
// inside a trace span so sinks that propagate trace context can correlate
// the events. Subscriber delivery failures are logged and the job carries on;
// only publisher errors end it.
func (a *App) RunJob(ctx context.Context, job Job) error {
	ctx, span := telemetry.Tracer("progress-pubsub/app").Start(ctx, "job")
	defer span.End()
	span.SetAttributes(
		attribute.String("publisher", a.publisher.Name()),
		attribute.Int64("total", int64(job.Total)), //nolint:gosec // display only
	)

	start := uint64(0)
	if job.Resume {
		rec, ok, err := a.LastCheckpoint(ctx)
		if err != nil {
			return err
		}
		switch {
		case !ok:
		case rec.Total != job.Total:
			a.logger.Warn("checkpoint total differs; starting over",
				zap.Uint64("checkpoint_total", rec.Total), zap.Uint64("total", job.Total))
		case rec.Current >= rec.Total:
			a.logger.Info("checkpoint already complete; starting over")
		default:
			start = rec.Current
			a.logger.Info("resuming from checkpoint", zap.Uint64("current", start))
		}
	}

	if err := a.tolerateDelivery("initialise", a.publisher.Initialise(ctx, job.Total, true)); err != nil {
		return err
	}
	if start > 0 {
		if err := a.tolerateDelivery("resume", a.publisher.TickBy(ctx, start)); err != nil {
			return err
		}
	}

	var ticker *time.Ticker
	if job.StepInterval > 0 {
		ticker = time.NewTicker(job.StepInterval)
		defer ticker.Stop()
	}
	for a.publisher.Snapshot().Current < job.Total {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return a.abortJob(ctx)
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return a.abortJob(ctx)
		}
		if err := a.tolerateDelivery("tick", a.publisher.Tick(ctx)); err != nil {
			return err
		}
	}
	return nil
}

// tolerateDelivery drops subscriber delivery failures from err after logging
// them. Anything else, including every PublisherError, is returned wrapped.
func (a *App) tolerateDelivery(op string, err error) error {
	if err == nil {
		return nil
	}
	var pubErr *messaging.PublisherError
	if errors.As(err, &pubErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var failed []*messaging.SubscriberDeliveryError
	for _, e := range multierr.Errors(err) {
		var delivery *messaging.SubscriberDeliveryError
		if !errors.As(e, &delivery) {
			return fmt.Errorf("%s: %w", op, err)
		}
		failed = append(failed, delivery)
	}
	for _, f := range failed {
		a.logger.Warn("subscriber failed; job continues",
			zap.String("op", op),
			zap.String("subscriber", f.Subscriber),
			zap.Error(f.Err),
		)
	}
	return nil
}

func (a *App) abortJob(ctx context.Context) error {
	cause := context.Cause(ctx)
	// report on a fresh context; ctx is already done
	if err := a.publisher.PublishError(context.WithoutCancel(ctx), fmt.Errorf("job interrupted: %w", cause)); err != nil {
		a.logger.Warn("publish interruption failed", zap.Error(err))
	}
	return cause
}
