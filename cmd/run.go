package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/progress-pubsub/internal/app"
)

type runOptions struct {
	total  uint64
	step   time.Duration
	resume bool
	serve  bool
}

// newRunCmd creates the 'run' subcommand, which drives a simulated job
// through every configured sink.
func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs a simulated job and reports its progress",
		Long: `Initialises the publisher with the job total and ticks once per step
until the job completes or the process is interrupted. With --resume the job
continues from the last checkpoint. With --serve the HTTP API is available
while the job runs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJobCommand(cmd, opts)
		},
	}
	cmd.Flags().Uint64Var(&opts.total, "total", 0, "job total (overrides job.total)")
	cmd.Flags().DurationVar(&opts.step, "step", 0, "delay between ticks (overrides job.step_interval_ms)")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "resume from the last checkpoint (overrides job.resume)")
	cmd.Flags().BoolVar(&opts.serve, "serve", false, "serve the HTTP API while the job runs")
	return cmd
}

func runJobCommand(cmd *cobra.Command, opts *runOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	job := app.Job{
		Total:        cfg.Job.Total,
		StepInterval: cfg.StepInterval(),
		Resume:       cfg.Job.Resume,
	}
	if cmd.Flags().Changed("total") {
		job.Total = opts.total
	}
	if cmd.Flags().Changed("step") {
		job.StepInterval = opts.step
	}
	if cmd.Flags().Changed("resume") {
		job.Resume = opts.resume
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := appInstance.Logger()
	logger.Info("job starting", zap.Uint64("total", job.Total), zap.Duration("step", job.StepInterval))

	if !opts.serve {
		return finishJob(logger, appInstance.RunJob(ctx, job))
	}

	g, gctx := errgroup.WithContext(ctx)
	jobDone := make(chan struct{})
	g.Go(func() error {
		defer close(jobDone)
		return finishJob(logger, appInstance.RunJob(gctx, job))
	})
	g.Go(func() error {
		serveCtx, cancel := context.WithCancel(gctx)
		defer cancel()
		go func() {
			select {
			case <-jobDone:
				cancel()
			case <-serveCtx.Done():
			}
		}()
		return serveHTTP(serveCtx, appInstance, cfg.Server.Port)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

func finishJob(logger *zap.Logger, err error) error {
	switch {
	case err == nil:
		logger.Info("job finished")
		return nil
	case errors.Is(err, context.Canceled):
		logger.Warn("job interrupted")
		return nil
	default:
		return fmt.Errorf("run job: %w", err)
	}
}
