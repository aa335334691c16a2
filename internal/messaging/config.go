package messaging

import (
	"fmt"
	"strings"
)

// ThreadMode selects how a publisher fans events out to subscribers.
type ThreadMode int

// Supported thread modes.
const (
	// ModeSynchronous delivers on the publishing goroutine in registration
	// order; Publish returns after every subscriber completes.
	ModeSynchronous ThreadMode = iota
	// ModeFixedPool delivers on NumberOfThreads worker goroutines.
	ModeFixedPool
	// ModeUnboundedParallel delivers on a goroutine per subscriber drain,
	// optionally capped by NumberOfThreads.
	ModeUnboundedParallel
)

func (m ThreadMode) String() string {
	switch m {
	case ModeSynchronous:
		return "synchronous"
	case ModeFixedPool:
		return "fixed_pool"
	case ModeUnboundedParallel:
		return "unbounded_parallel"
	default:
		return fmt.Sprintf("ThreadMode(%d)", int(m))
	}
}

// ParseThreadMode accepts the names produced by String, case-insensitively,
// with '-' treated as '_'.
func ParseThreadMode(s string) (ThreadMode, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "", "synchronous", "sync", "inline":
		return ModeSynchronous, nil
	case "fixed_pool", "pool", "fixed":
		return ModeFixedPool, nil
	case "unbounded_parallel", "unbounded", "parallel":
		return ModeUnboundedParallel, nil
	default:
		return 0, &ConfigurationError{Field: "mode", Reason: fmt.Sprintf("unknown thread mode %q", s)}
	}
}

// ErrorPolicy decides what happens to subscriber failures.
type ErrorPolicy int

// Supported error policies.
const (
	// ErrorPolicyAggregate returns the combined delivery errors from Publish
	// when the publisher waits for delivery, and logs them otherwise.
	ErrorPolicyAggregate ErrorPolicy = iota
	// ErrorPolicyRedeliver converts each failure into an EventError envelope
	// delivered to every other subscriber implementing ErrorReceiver.
	ErrorPolicyRedeliver
)

func (p ErrorPolicy) String() string {
	switch p {
	case ErrorPolicyAggregate:
		return "aggregate"
	case ErrorPolicyRedeliver:
		return "redeliver"
	default:
		return fmt.Sprintf("ErrorPolicy(%d)", int(p))
	}
}

// ParseErrorPolicy accepts the names produced by String.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "aggregate":
		return ErrorPolicyAggregate, nil
	case "redeliver":
		return ErrorPolicyRedeliver, nil
	default:
		return 0, &ConfigurationError{Field: "error_policy", Reason: fmt.Sprintf("unknown error policy %q", s)}
	}
}

// ThreadConfiguration is the single source of truth for a publisher's
// dispatch strategy.
//   - Mode: dispatch strategy (default ModeSynchronous).
//   - NumberOfThreads: worker count for ModeFixedPool (required), optional
//     parallelism cap for ModeUnboundedParallel, ignored otherwise.
//   - WaitForDelivery: pooled modes only; Publish blocks until the event has
//     reached every subscriber. Synchronous mode always waits.
//   - ErrorPolicy: what to do with subscriber failures.
type ThreadConfiguration struct {
	Mode            ThreadMode
	NumberOfThreads int
	WaitForDelivery bool
	ErrorPolicy     ErrorPolicy
}

// DefaultThreadConfiguration returns synchronous, aggregate-errors dispatch.
func DefaultThreadConfiguration() ThreadConfiguration {
	return ThreadConfiguration{Mode: ModeSynchronous}
}

// Validate rejects out-of-range values.
func (c ThreadConfiguration) Validate() error {
	switch c.Mode {
	case ModeSynchronous, ModeUnboundedParallel:
	case ModeFixedPool:
		if c.NumberOfThreads <= 0 {
			return &ConfigurationError{Field: "number_of_threads", Reason: "must be > 0 for fixed_pool mode"}
		}
	default:
		return &ConfigurationError{Field: "mode", Reason: fmt.Sprintf("unknown thread mode %d", int(c.Mode))}
	}
	if c.NumberOfThreads < 0 {
		return &ConfigurationError{Field: "number_of_threads", Reason: "must be >= 0"}
	}
	switch c.ErrorPolicy {
	case ErrorPolicyAggregate, ErrorPolicyRedeliver:
	default:
		return &ConfigurationError{Field: "error_policy", Reason: fmt.Sprintf("unknown error policy %d", int(c.ErrorPolicy))}
	}
	return nil
}

func (c ThreadConfiguration) waits() bool {
	return c.Mode == ModeSynchronous || c.WaitForDelivery
}

// ProgressConfiguration wraps the thread configuration with progress-specific
// options.
//   - PublishOnInitialise: the publish flag Reset passes to Initialise.
//   - LogCompletion: log once at info level when Current first reaches Total.
type ProgressConfiguration struct {
	Thread              ThreadConfiguration
	PublishOnInitialise bool
	LogCompletion       bool
}

// DefaultProgressConfiguration publishes on initialise with synchronous
// dispatch.
func DefaultProgressConfiguration() ProgressConfiguration {
	return ProgressConfiguration{
		Thread:              DefaultThreadConfiguration(),
		PublishOnInitialise: true,
	}
}

// Validate checks the embedded thread configuration.
func (c ProgressConfiguration) Validate() error {
	return c.Thread.Validate()
}
