// Package cmd defines and implements the CLI commands for the progressd executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/progress-pubsub/internal/app"
	"github.com/JakeFAU/progress-pubsub/internal/config"
	"github.com/JakeFAU/progress-pubsub/internal/logging"
	"github.com/JakeFAU/progress-pubsub/internal/telemetry"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

const shutdownTimeout = 10 * time.Second

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Handler() http.Handler
	RunJob(ctx context.Context, job app.Job) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	var shutdownTracing func(context.Context) error

	cmd := &cobra.Command{
		Use:   "progressd",
		Short: "Progress publish/subscribe service.",
		Long: `progressd reports the progress of long-running jobs through a typed
publish/subscribe core. Every tick is fanned out to the configured sinks:
structured logs, Prometheus gauges, a Pub/Sub topic, a run history store and
blob checkpoints, and can be inspected over a small HTTP API.`,
		SilenceUsage: true,

		// Builds the App once flags are parsed and stores it in the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.LoggerConfig())
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			tp, err := telemetry.InitTracerProvider(cmd.Context(), "progressd")
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			shutdownTracing = tp.Shutdown

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		// Shuts services down once the subcommand returns.
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
			defer cancel()
			var errs []error
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				errs = append(errs, appInstance.Close(ctx))
				if err := appInstance.Logger().Sync(); err != nil {
					// stdout/stderr sync fails on some platforms; nothing to do
					appInstance.Logger().Debug("logger sync failed", zap.Error(err))
				}
			}
			if shutdownTracing != nil {
				errs = append(errs, shutdownTracing(ctx))
			}
			return multierr.Combine(errs...)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./progressd.yaml)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "progressd: %v\n", err)
		os.Exit(1)
	}
}
