// Package workflow provides a dependency-graph step execution engine with
// retries, checkpointing, resume, and ordered compensating rollback.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// State is the shared workflow context passed by reference to every step
// body and rollback action.
//
// The executor never synchronizes access to State. Steps that run in the
// same parallel wave and write overlapping keys must coordinate themselves
// (disjoint keys, external locking, or immutable values). Steps marked
// exclusive are guaranteed to be the only running step while they execute.
type State map[string]any

// Clone returns a deep copy of the state via a JSON round-trip.
//
// All values must be JSON-serializable. Channels, functions, and cyclic
// structures will fail; the engine only clones state when capturing
// checkpoints, so ordinary runs are unaffected.
func (s State) Clone() (State, error) {
	if s == nil {
		return State{}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	var copied State
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return copied, nil
}

// StepFunc is the invocable body of a step. It receives the shared workflow
// state and returns an opaque result value or an error.
type StepFunc func(ctx context.Context, state State) (any, error)

// RollbackFunc undoes the effect of a completed step during rollback.
type RollbackFunc func(ctx context.Context, state State) error

// Step is an immutable description of one unit of work in a workflow run:
// its identity, dependencies, body, and retry/timeout/rollback policy.
//
// Steps are built with NewStep plus the chainable With* modifiers and must
// not be mutated once submitted to Execute.
//
// Example:
//
//	load := workflow.NewStep("load", "Load trial balance", loadFn).
//	    WithTimeout(30 * time.Second).
//	    WithRetries(2)
//
//	post := workflow.NewStep("post", "Post journal entries", postFn).
//	    DependsOn("load").
//	    Exclusive().
//	    WithRollback(unpostFn)
type Step struct {
	// ID uniquely identifies the step within a run.
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Dependencies lists step IDs that must reach COMPLETED before this
	// step becomes eligible to run.
	Dependencies []string `json:"dependencies,omitempty"`

	// Body is the unit of work. Not serialized.
	Body StepFunc `json:"-"`

	// CanRunParallel reports whether this step may share a scheduling wave
	// with other independent ready steps. When false the step runs in an
	// exclusive wave: no other step runs while it runs.
	CanRunParallel bool `json:"can_run_parallel"`

	// RetryCount is the number of additional attempts after the first
	// failure. Zero means a single attempt.
	RetryCount int `json:"retry_count"`

	// Timeout bounds one attempt. Zero means unlimited. A timed-out
	// attempt counts as a failed attempt; the body is not interrupted.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Rollback undoes this step's effect. Nil means the step is not
	// compensable and is silently passed over during rollback.
	Rollback RollbackFunc `json:"-"`

	// Required reports whether this step's failure is fatal to overall
	// run success.
	Required bool `json:"is_required"`
}

// NewStep creates a step with the engine defaults: parallel-eligible,
// required, no retries, no timeout, no rollback action.
func NewStep(id, name string, body StepFunc) *Step {
	return &Step{
		ID:             id,
		Name:           name,
		Body:           body,
		CanRunParallel: true,
		Required:       true,
	}
}

// DependsOn appends dependency step IDs and returns the step.
func (s *Step) DependsOn(ids ...string) *Step {
	s.Dependencies = append(s.Dependencies, ids...)
	return s
}

// WithRetries sets the number of additional attempts after the first failure.
func (s *Step) WithRetries(n int) *Step {
	if n < 0 {
		n = 0
	}
	s.RetryCount = n
	return s
}

// WithTimeout bounds each attempt to d.
func (s *Step) WithTimeout(d time.Duration) *Step {
	s.Timeout = d
	return s
}

// WithRollback attaches a compensating action invoked during rollback.
func (s *Step) WithRollback(fn RollbackFunc) *Step {
	s.Rollback = fn
	return s
}

// Exclusive marks the step as not parallel-eligible. The scheduler grants
// it a wave of its own.
func (s *Step) Exclusive() *Step {
	s.CanRunParallel = false
	return s
}

// Optional marks the step as non-required: its failure still flips the
// run's Success to false but does not make the run status FAILED.
func (s *Step) Optional() *Step {
	s.Required = false
	return s
}
