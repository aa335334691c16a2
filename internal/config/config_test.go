package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/progress-pubsub/internal/messaging"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
publisher:
  name: reindex
  mode: fixed_pool
  threads: 4
  wait_for_delivery: false
  error_policy: redeliver
  publish_on_initialise: false
  log_completion: false
sinks:
  log: false
batch:
  buffer_size: 64
  max_events: 10
  max_wait_ms: 250
checkpoint:
  enabled: true
  backend: gcs
  interval_seconds: 30
storage:
  gcs_bucket: bucket
db:
  dsn: postgres://localhost/progress
  max_conns: 8
  min_conns: 2
pubsub:
  project_id: demo
  topic_name: progress
  max_rps: 2.5
logging:
  development: false
  level: warn
job:
  total: 500
  step_interval_ms: 10
  resume: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Publisher.Name != "reindex" || cfg.Sinks.Log || !cfg.Sinks.Prometheus {
		t.Fatalf("expected publisher and sink overrides to apply: %+v %+v", cfg.Publisher, cfg.Sinks)
	}
	pcfg, err := cfg.ProgressConfiguration()
	if err != nil {
		t.Fatalf("ProgressConfiguration() error = %v", err)
	}
	want := messaging.ProgressConfiguration{
		Thread: messaging.ThreadConfiguration{
			Mode:            messaging.ModeFixedPool,
			NumberOfThreads: 4,
			ErrorPolicy:     messaging.ErrorPolicyRedeliver,
		},
	}
	if pcfg != want {
		t.Fatalf("unexpected progress configuration: %+v", pcfg)
	}
	if got := cfg.CheckpointInterval(); got != 30*time.Second {
		t.Fatalf("expected checkpoint interval 30s, got %v", got)
	}
	if got := cfg.BatchWait(); got != 250*time.Millisecond {
		t.Fatalf("expected batch wait 250ms, got %v", got)
	}
	if cfg.PubSub.MaxRPS != 2.5 || cfg.PubSub.Burst != 1 {
		t.Fatalf("expected pubsub throttle settings, got %+v", cfg.PubSub)
	}
	if cfg.DB.MaxConns != 8 || cfg.DB.MinConns != 2 {
		t.Fatalf("expected db pool overrides, got %+v", cfg.DB)
	}
	if lc := cfg.LoggerConfig(); lc.Development || lc.Level != "warn" {
		t.Fatalf("unexpected logger config %+v", lc)
	}
	if cfg.Job.Total != 500 || !cfg.Job.Resume || cfg.StepInterval() != 10*time.Millisecond {
		t.Fatalf("unexpected job config %+v", cfg.Job)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	pcfg, err := cfg.ProgressConfiguration()
	if err != nil {
		t.Fatalf("ProgressConfiguration() error = %v", err)
	}
	if pcfg.Thread.Mode != messaging.ModeSynchronous || !pcfg.PublishOnInitialise || !pcfg.LogCompletion {
		t.Fatalf("unexpected default progress configuration: %+v", pcfg)
	}
	if cfg.Checkpoint.Enabled || cfg.Checkpoint.Backend != BackendMemory {
		t.Fatalf("expected checkpoints disabled on the memory backend by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PROGRESS_SERVER_PORT", "7070")
	t.Setenv("PROGRESS_PUBLISHER_MODE", "unbounded")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Publisher.Mode != "unbounded" {
		t.Fatalf("expected env mode, got %q", cfg.Publisher.Mode)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		Publisher: PublisherConfig{Name: "job"},
		Batch:     BatchConfig{BufferSize: 1, MaxEvents: 1, MaxWaitMs: 1},
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"missing name", func(c *Config) { c.Publisher.Name = " " }, "publisher.name"},
		{"unknown mode", func(c *Config) { c.Publisher.Mode = "turbo" }, "publisher.mode"},
		{"pool without threads", func(c *Config) { c.Publisher.Mode = "fixed_pool" }, "number_of_threads"},
		{"unknown policy", func(c *Config) { c.Publisher.ErrorPolicy = "ignore" }, "publisher.error_policy"},
		{"empty batch", func(c *Config) { c.Batch.MaxEvents = 0 }, "batch."},
		{"negative interval", func(c *Config) { c.Checkpoint.IntervalSeconds = -1 }, "checkpoint.interval_seconds"},
		{"unknown backend", func(c *Config) {
			c.Checkpoint.Enabled = true
			c.Checkpoint.Backend = "s3"
		}, "checkpoint.backend"},
		{"local without dir", func(c *Config) {
			c.Checkpoint.Enabled = true
			c.Checkpoint.Backend = BackendLocal
		}, "checkpoint.dir"},
		{"gcs without bucket", func(c *Config) {
			c.Checkpoint.Enabled = true
			c.Checkpoint.Backend = BackendGCS
		}, "storage.gcs_bucket"},
		{"half pubsub", func(c *Config) { c.PubSub.ProjectID = "demo" }, "pubsub."},
		{"negative rps", func(c *Config) { c.PubSub.MaxRPS = -1 }, "pubsub.max_rps"},
		{"db pool bounds", func(c *Config) { c.DB.MinConns = 3 }, "db.min_conns"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("expected base config to validate, got %v", err)
	}
}

func TestProgressConfigurationErrorType(t *testing.T) {
	t.Parallel()

	c := Config{Publisher: PublisherConfig{Mode: "fixed_pool", Threads: -1}}
	_, err := c.ProgressConfiguration()
	var cfgErr *messaging.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
