// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/progress-pubsub/internal/logging"
	"github.com/JakeFAU/progress-pubsub/internal/messaging"
)

// Checkpoint backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Sinks      SinksConfig      `mapstructure:"sinks"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Job        JobConfig        `mapstructure:"job"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PublisherConfig maps onto messaging.ProgressConfiguration.
type PublisherConfig struct {
	Name                string `mapstructure:"name"`
	Mode                string `mapstructure:"mode"`
	Threads             int    `mapstructure:"threads"`
	WaitForDelivery     bool   `mapstructure:"wait_for_delivery"`
	ErrorPolicy         string `mapstructure:"error_policy"`
	PublishOnInitialise bool   `mapstructure:"publish_on_initialise"`
	LogCompletion       bool   `mapstructure:"log_completion"`
}

// SinksConfig toggles the optional subscribers. The snapshot tracker is
// always attached.
type SinksConfig struct {
	Log        bool `mapstructure:"log"`
	Prometheus bool `mapstructure:"prometheus"`
}

// BatchConfig tunes the batcher feeding the run store.
type BatchConfig struct {
	BufferSize         int `mapstructure:"buffer_size"`
	MaxEvents          int `mapstructure:"max_events"`
	MaxWaitMs          int `mapstructure:"max_wait_ms"`
	SinkTimeoutSeconds int `mapstructure:"sink_timeout_seconds"`
}

// CheckpointConfig selects where progress checkpoints are written.
type CheckpointConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Backend         string `mapstructure:"backend"`
	Dir             string `mapstructure:"dir"`
	Prefix          string `mapstructure:"prefix"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
}

// StorageConfig sets the bucket for the gcs checkpoint backend.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database. An empty DSN keeps
// run history in memory.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. Both
// fields must be set to enable the Pub/Sub sink.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	// MaxRPS caps forwarded ticks per second; 0 forwards every tick.
	MaxRPS float64 `mapstructure:"max_rps"`
	Burst  int     `mapstructure:"burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// JobConfig drives the simulated job of the run command.
type JobConfig struct {
	Total          uint64 `mapstructure:"total"`
	StepIntervalMs int    `mapstructure:"step_interval_ms"`
	Resume         bool   `mapstructure:"resume"`
}

// Load builds a Config from disk/environment. With an empty path it looks
// for progressd.{yaml,json,toml} in the working directory, /etc/progressd and
// $HOME/.progressd, and falls back to defaults when none exists.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROGRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("progressd")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/progressd/")
		v.AddConfigPath("$HOME/.progressd")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("publisher.name", "job")
	v.SetDefault("publisher.mode", messaging.ModeSynchronous.String())
	v.SetDefault("publisher.threads", 0)
	v.SetDefault("publisher.wait_for_delivery", true)
	v.SetDefault("publisher.error_policy", messaging.ErrorPolicyAggregate.String())
	v.SetDefault("publisher.publish_on_initialise", true)
	v.SetDefault("publisher.log_completion", true)
	v.SetDefault("sinks.log", true)
	v.SetDefault("sinks.prometheus", true)
	v.SetDefault("batch.buffer_size", 1024)
	v.SetDefault("batch.max_events", 100)
	v.SetDefault("batch.max_wait_ms", 500)
	v.SetDefault("batch.sink_timeout_seconds", 5)
	v.SetDefault("checkpoint.enabled", false)
	v.SetDefault("checkpoint.backend", BackendMemory)
	v.SetDefault("checkpoint.dir", "./checkpoints")
	v.SetDefault("checkpoint.prefix", "checkpoints")
	v.SetDefault("checkpoint.interval_seconds", 5)
	v.SetDefault("pubsub.max_rps", 0)
	v.SetDefault("pubsub.burst", 1)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("logging.development", true)
	v.SetDefault("job.total", 100)
	v.SetDefault("job.step_interval_ms", 50)
	v.SetDefault("job.resume", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Publisher.Name) == "" {
		return fmt.Errorf("publisher.name must be set")
	}
	if _, err := c.ProgressConfiguration(); err != nil {
		return err
	}
	if c.Batch.BufferSize <= 0 || c.Batch.MaxEvents <= 0 || c.Batch.MaxWaitMs <= 0 {
		return fmt.Errorf("batch.buffer_size, batch.max_events and batch.max_wait_ms must be > 0")
	}
	if c.Checkpoint.IntervalSeconds < 0 {
		return fmt.Errorf("checkpoint.interval_seconds must be >= 0")
	}
	if c.Checkpoint.Enabled {
		switch c.Checkpoint.Backend {
		case BackendMemory:
		case BackendLocal:
			if c.Checkpoint.Dir == "" {
				return fmt.Errorf("checkpoint.dir must be set for the local backend")
			}
		case BackendGCS:
			if c.Storage.GCSBucket == "" {
				return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
			}
		default:
			return fmt.Errorf("checkpoint.backend %q is not one of memory, local, gcs", c.Checkpoint.Backend)
		}
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.PubSub.MaxRPS < 0 {
		return fmt.Errorf("pubsub.max_rps must be >= 0")
	}
	if c.DB.MaxConns < 0 || c.DB.MinConns < 0 || c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("db.min_conns must be between 0 and db.max_conns")
	}
	return nil
}

// ProgressConfiguration converts the publisher section into the messaging
// configuration.
func (c Config) ProgressConfiguration() (messaging.ProgressConfiguration, error) {
	mode, err := messaging.ParseThreadMode(c.Publisher.Mode)
	if err != nil {
		return messaging.ProgressConfiguration{}, fmt.Errorf("publisher.mode: %w", err)
	}
	policy, err := messaging.ParseErrorPolicy(c.Publisher.ErrorPolicy)
	if err != nil {
		return messaging.ProgressConfiguration{}, fmt.Errorf("publisher.error_policy: %w", err)
	}
	cfg := messaging.ProgressConfiguration{
		Thread: messaging.ThreadConfiguration{
			Mode:            mode,
			NumberOfThreads: c.Publisher.Threads,
			WaitForDelivery: c.Publisher.WaitForDelivery,
			ErrorPolicy:     policy,
		},
		PublishOnInitialise: c.Publisher.PublishOnInitialise,
		LogCompletion:       c.Publisher.LogCompletion,
	}
	if err := cfg.Validate(); err != nil {
		return messaging.ProgressConfiguration{}, fmt.Errorf("publisher: %w", err)
	}
	return cfg, nil
}

// LoggerConfig converts the logging section for logging.New.
func (c Config) LoggerConfig() logging.Config {
	return logging.Config{Development: c.Logging.Development, Level: c.Logging.Level}
}

// CheckpointInterval returns the checkpoint throttle as a duration.
func (c Config) CheckpointInterval() time.Duration {
	return time.Duration(c.Checkpoint.IntervalSeconds) * time.Second
}

// BatchWait returns the batcher flush interval.
func (c Config) BatchWait() time.Duration {
	return time.Duration(c.Batch.MaxWaitMs) * time.Millisecond
}

// StepInterval returns the delay between simulated job steps.
func (c Config) StepInterval() time.Duration {
	return time.Duration(c.Job.StepIntervalMs) * time.Millisecond
}
