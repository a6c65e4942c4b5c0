package workflow

import "errors"

// ErrCyclicDependency indicates the submitted step graph contains a cycle.
// This is a configuration error detected before any step runs.
var ErrCyclicDependency = errors.New("step graph contains a cyclic dependency")

// ErrUnknownDependency indicates a step declares a dependency on an ID that
// is not part of the submitted step set.
var ErrUnknownDependency = errors.New("step depends on an unknown step id")

// ErrDuplicateStepID indicates two steps in the same submission share an ID.
var ErrDuplicateStepID = errors.New("duplicate step id")

// ErrExecutorClosed is returned when Execute or Rollback is called after
// Shutdown. The executor is a one-shot resource and is not reusable.
var ErrExecutorClosed = errors.New("executor has been shut down")

// ErrCheckpointNotFound is returned when a checkpoint ID is not held in
// memory and cannot be loaded from the configured store.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ExecutorError represents a structured error from executor operations.
type ExecutorError struct {
	Message string
	Code    string
	Cause   error
}

func (e *ExecutorError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is / errors.As support.
func (e *ExecutorError) Unwrap() error {
	return e.Cause
}
