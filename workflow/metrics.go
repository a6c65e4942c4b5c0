package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus collectors for workflow execution monitoring.
//
// Metrics exposed (all namespaced with "workflow_"):
//
//   - steps_inflight (gauge): steps currently executing.
//   - step_latency_ms (histogram): step execution duration in milliseconds,
//     labeled by workflow_type, step_id, and status (completed/failed).
//   - retries_total (counter): retry attempts, labeled by workflow_type and
//     step_id.
//   - steps_skipped_total (counter): steps skipped because a dependency did
//     not complete, labeled by workflow_type.
//   - rollbacks_total (counter): rollback operations, labeled by
//     workflow_type and outcome (ok/error).
//   - checkpoints_total (counter): checkpoints captured.
//
// Attach to an executor via WithMetrics and expose the registry over HTTP
// with promhttp for scraping.
type Metrics struct {
	stepsInflight prometheus.Gauge
	stepLatency   *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	skips         *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
	checkpoints   prometheus.Counter

	mu      sync.RWMutex
	enabled bool
}

// NewMetrics creates and registers all workflow collectors with the given
// registry. A nil registry falls back to prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.stepsInflight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "workflow",
		Name:      "steps_inflight",
		Help:      "Current number of steps executing",
	})

	m.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workflow",
		Name:      "step_latency_ms",
		Help:      "Step execution duration in milliseconds (from dispatch to terminal status)",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}, // 1ms to 10s
	}, []string{"workflow_type", "step_id", "status"})

	m.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "retries_total",
		Help:      "Cumulative count of step retry attempts",
	}, []string{"workflow_type", "step_id"})

	m.skips = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "steps_skipped_total",
		Help:      "Steps skipped because a dependency failed or was skipped",
	}, []string{"workflow_type"})

	m.rollbacks = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "rollbacks_total",
		Help:      "Rollback operations performed",
	}, []string{"workflow_type", "outcome"}) // outcome: ok, error

	m.checkpoints = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "workflow",
		Name:      "checkpoints_total",
		Help:      "Checkpoints captured by the executor",
	})

	return m
}

// RecordStepLatency records a step's execution duration and terminal status.
func (m *Metrics) RecordStepLatency(workflowType, stepID string, latency time.Duration, status string) {
	if !m.isEnabled() {
		return
	}
	m.stepLatency.WithLabelValues(workflowType, stepID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts one retry of a step.
func (m *Metrics) IncrementRetries(workflowType, stepID string) {
	if !m.isEnabled() {
		return
	}
	m.retries.WithLabelValues(workflowType, stepID).Inc()
}

// IncrementSkipped counts one skipped step.
func (m *Metrics) IncrementSkipped(workflowType string) {
	if !m.isEnabled() {
		return
	}
	m.skips.WithLabelValues(workflowType).Inc()
}

// IncrementRollbacks counts one rollback operation with its outcome.
func (m *Metrics) IncrementRollbacks(workflowType, outcome string) {
	if !m.isEnabled() {
		return
	}
	m.rollbacks.WithLabelValues(workflowType, outcome).Inc()
}

// IncrementCheckpoints counts one captured checkpoint.
func (m *Metrics) IncrementCheckpoints() {
	if !m.isEnabled() {
		return
	}
	m.checkpoints.Inc()
}

// StepStarted increments the in-flight gauge.
func (m *Metrics) StepStarted() {
	if !m.isEnabled() {
		return
	}
	m.stepsInflight.Inc()
}

// StepFinished decrements the in-flight gauge.
func (m *Metrics) StepFinished() {
	if !m.isEnabled() {
		return
	}
	m.stepsInflight.Dec()
}

// Disable temporarily disables metric recording (useful for testing).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable re-enables metric recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}
