package workflow

import (
	"time"
)

// StepStatus is the lifecycle state of a single step within a run.
type StepStatus string

// Step lifecycle states. A step is created PENDING, transitions to RUNNING
// when dispatched, and ends in exactly one of the terminal states
// COMPLETED, FAILED, or SKIPPED. ROLLED_BACK is assigned only by the
// rollback operation, independent of the original run.
const (
	StepPending    StepStatus = "pending"
	StepRunning    StepStatus = "running"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
	StepRolledBack StepStatus = "rolled_back"
)

// Terminal reports whether the status is an end state for a run.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepRolledBack:
		return true
	}
	return false
}

// RunStatus is the overall state of an execute or rollback operation.
type RunStatus string

// Run-level states.
const (
	RunPending    RunStatus = "pending"
	RunRunning    RunStatus = "running"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunRolledBack RunStatus = "rolled_back"
	RunPaused     RunStatus = "paused"
)

// StepResult records what happened to one step during a run. It is created
// by the executor and mutated only by it.
type StepResult struct {
	StepID        string        `json:"step_id"`
	Status        StepStatus    `json:"status"`
	Result        any           `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitzero"`
	CompletedAt   time.Time     `json:"completed_at,omitzero"`
	Duration      time.Duration `json:"duration"`
	RetryAttempts int           `json:"retry_attempts"`
}

// clone returns an independent copy of the result.
func (r *StepResult) clone() *StepResult {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Checkpoint is an immutable snapshot of a run's step results and shared
// state, captured by the executor. It can seed a later Execute call
// (resume) or bound a Rollback.
type Checkpoint struct {
	ID          string                 `json:"checkpoint_id"`
	StepResults map[string]*StepResult `json:"step_results"`
	State       State                  `json:"state"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// CompletedSteps returns the IDs of steps recorded COMPLETED at capture time.
func (c *Checkpoint) CompletedSteps() []string {
	ids := make([]string, 0, len(c.StepResults))
	for id, res := range c.StepResults {
		if res != nil && res.Status == StepCompleted {
			ids = append(ids, id)
		}
	}
	return ids
}

// ExecutionResult is returned from Execute and Rollback. It carries the
// overall outcome plus the full per-step breakdown so callers can decide
// to retry, roll back, or resume from a checkpoint.
type ExecutionResult struct {
	Success     bool                   `json:"success"`
	Status      RunStatus              `json:"status"`
	Message     string                 `json:"message"`
	Duration    time.Duration          `json:"duration"`
	StepResults map[string]*StepResult `json:"step_results"`

	// Checkpoint is the snapshot captured at the end of the run when
	// auto-checkpointing is enabled; nil otherwise.
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`

	// Errors collects rollback-action failures from a Rollback call.
	// Empty for Execute results.
	Errors []string `json:"errors,omitempty"`
}

// CountByStatus returns how many step results currently hold the given status.
func (r *ExecutionResult) CountByStatus(status StepStatus) int {
	n := 0
	for _, res := range r.StepResults {
		if res.Status == status {
			n++
		}
	}
	return n
}
