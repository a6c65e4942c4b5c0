package workflow

import (
	"time"

	"github.com/finvista/finflow-go/workflow/event"
	"github.com/finvista/finflow-go/workflow/store"
)

// DefaultWorkerPoolSize bounds parallel step execution when no explicit
// pool size is configured.
const DefaultWorkerPoolSize = 4

// config collects executor settings before construction. All settings are
// constructor-time only; a running executor is never reconfigured.
type config struct {
	poolSize       int
	stopOnFailure  bool
	autoCheckpoint bool
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	source         string
	bus            *event.Bus
	store          store.CheckpointStore
	metrics        *Metrics
}

// Option is a functional option for configuring an Executor.
//
// Example:
//
//	exec, err := workflow.NewExecutor(
//	    workflow.WithWorkerPoolSize(8),
//	    workflow.WithStopOnFailure(false),
//	    workflow.WithCheckpointStore(st),
//	)
type Option func(*config) error

// WithWorkerPoolSize sets the maximum number of parallel-eligible steps
// executing concurrently. Must be >= 1.
//
// Tuning guidance: CPU-bound steps want runtime.NumCPU(); I/O-bound steps
// tolerate considerably more.
func WithWorkerPoolSize(n int) Option {
	return func(cfg *config) error {
		if n < 1 {
			return &ExecutorError{
				Message: "worker pool size must be at least 1",
				Code:    "INVALID_POOL_SIZE",
			}
		}
		cfg.poolSize = n
		return nil
	}
}

// WithStopOnFailure controls whether a step failure halts scheduling of
// further waves. Default true. When false, scheduling continues for every
// step whose dependencies remain satisfiable; only the failed step's
// dependents are skipped.
func WithStopOnFailure(stop bool) Option {
	return func(cfg *config) error {
		cfg.stopOnFailure = stop
		return nil
	}
}

// WithAutoCheckpoint controls whether Execute captures a checkpoint from
// the final step results and shared state. Default true.
func WithAutoCheckpoint(enabled bool) Option {
	return func(cfg *config) error {
		cfg.autoCheckpoint = enabled
		return nil
	}
}

// WithRetryBackoff configures exponential backoff between retry attempts.
// The default is zero (immediate retries). maxDelay caps the exponential
// growth; zero means no cap.
func WithRetryBackoff(base, maxDelay time.Duration) Option {
	return func(cfg *config) error {
		if base < 0 || maxDelay < 0 {
			return &ExecutorError{
				Message: "retry backoff durations cannot be negative",
				Code:    "INVALID_BACKOFF",
			}
		}
		cfg.retryBaseDelay = base
		cfg.retryMaxDelay = maxDelay
		return nil
	}
}

// WithEventBus sets the bus the executor publishes lifecycle events on.
// By default each executor creates its own bus, reachable via EventBus().
func WithEventBus(bus *event.Bus) Option {
	return func(cfg *config) error {
		if bus == nil {
			return &ExecutorError{
				Message: "event bus cannot be nil",
				Code:    "INVALID_BUS",
			}
		}
		cfg.bus = bus
		return nil
	}
}

// WithCheckpointStore attaches a durable store: every captured checkpoint
// is persisted to it, and LoadCheckpoint falls back to it for IDs not held
// in memory.
func WithCheckpointStore(st store.CheckpointStore) Option {
	return func(cfg *config) error {
		cfg.store = st
		return nil
	}
}

// WithMetrics attaches Prometheus collectors updated during execution.
func WithMetrics(m *Metrics) Option {
	return func(cfg *config) error {
		cfg.metrics = m
		return nil
	}
}

// WithSource sets the Source field stamped on published events.
// Default "executor".
func WithSource(source string) Option {
	return func(cfg *config) error {
		cfg.source = source
		return nil
	}
}
