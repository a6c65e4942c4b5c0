package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finvista/finflow-go/workflow/event"
)

// ProgressCallback observes step completion. It is invoked synchronously
// with the step's finalized result after each step reaches a terminal
// status, before the corresponding event is published.
type ProgressCallback func(stepID string, result *StepResult)

// Executor schedules a dependency graph of steps across a bounded worker
// pool.
//
// The executor:
//   - Validates the step graph (acyclic, no dangling dependencies) before
//     any step runs
//   - Resolves the graph into execution waves: parallel-eligible ready
//     steps run concurrently, exclusive steps get a wave of their own
//   - Retries failing attempts per step policy and bounds each attempt
//     with the step's timeout
//   - Propagates skips to the dependents of failed or skipped steps
//   - Captures checkpoints, resumes from them, and performs best-effort
//     compensating rollback in reverse dependency order
//   - Publishes lifecycle events on its event bus
//
// An executor is safe for concurrent use until Shutdown, which is a
// one-shot terminal operation.
type Executor struct {
	cfg config
	sem chan struct{}

	mu          sync.Mutex
	checkpoints []*Checkpoint
	progress    ProgressCallback
	closed      bool
}

// NewExecutor creates an executor. Defaults: worker pool of
// DefaultWorkerPoolSize, stop-on-failure enabled, auto-checkpointing
// enabled, a private event bus, no durable store, no metrics.
func NewExecutor(opts ...Option) (*Executor, error) {
	cfg := config{
		poolSize:       DefaultWorkerPoolSize,
		stopOnFailure:  true,
		autoCheckpoint: true,
		source:         "executor",
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.bus == nil {
		cfg.bus = event.NewBus()
	}
	return &Executor{
		cfg: cfg,
		sem: make(chan struct{}, cfg.poolSize),
	}, nil
}

// EventBus returns the bus the executor publishes on, for subscribing
// observers.
func (e *Executor) EventBus() *event.Bus {
	return e.cfg.bus
}

// SetProgressCallback registers a synchronous per-step observer. Pass nil
// to remove it. The callback runs on the goroutine that finalized the step
// and must be non-blocking.
func (e *Executor) SetProgressCallback(fn ProgressCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = fn
}

// Shutdown releases the worker pool. It is a one-shot terminal operation:
// the executor rejects Execute and Rollback afterward. A second call
// returns ErrExecutorClosed.
func (e *Executor) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	e.closed = true
	return nil
}

func (e *Executor) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// runContext holds the mutable state of one Execute call. Step results are
// guarded by mu because parallel waves finalize results concurrently; the
// shared workflow State is deliberately not synchronized (caller contract).
type runContext struct {
	exec         *Executor
	workflowType string
	state        State
	byID         map[string]*Step
	order        []string

	mu      sync.Mutex
	results map[string]*StepResult

	// cbMu serializes progress callback invocations from parallel steps.
	cbMu sync.Mutex
}

// Execute runs the step graph to completion and returns the per-step
// breakdown.
//
// workflowType names the workflow for events, metrics, and checkpoint
// metadata. state is the shared context handed by reference to every step
// body; nil means an empty state (or the resume checkpoint's snapshot when
// resuming). resume, when non-nil, seeds step results from that
// checkpoint: steps recorded COMPLETED there are treated as satisfied and
// their bodies are never invoked again.
//
// Only graph configuration errors are returned as errors; step failures
// and timeouts are converted into StepResults on the returned
// ExecutionResult.
func (e *Executor) Execute(ctx context.Context, steps []*Step, workflowType string, state State, resume *Checkpoint) (*ExecutionResult, error) {
	if e.isClosed() {
		return nil, ErrExecutorClosed
	}
	if err := validateGraph(steps); err != nil {
		return nil, err
	}

	start := time.Now()

	if state == nil {
		if resume != nil && resume.State != nil {
			cloned, err := resume.State.Clone()
			if err != nil {
				return nil, &ExecutorError{
					Message: "failed to restore checkpoint state: " + err.Error(),
					Code:    "CHECKPOINT_STATE",
					Cause:   err,
				}
			}
			state = cloned
		} else {
			state = State{}
		}
	}

	order, _ := topoSort(steps)
	run := &runContext{
		exec:         e,
		workflowType: workflowType,
		state:        state,
		byID:         make(map[string]*Step, len(steps)),
		order:        order,
		results:      make(map[string]*StepResult, len(steps)),
	}
	for _, s := range steps {
		run.byID[s.ID] = s
		run.results[s.ID] = &StepResult{StepID: s.ID, Status: StepPending}
	}

	// Seed from the checkpoint: completed steps are satisfied and keep
	// their recorded results; everything else starts over.
	if resume != nil {
		for id, res := range resume.StepResults {
			if _, known := run.byID[id]; known && res != nil && res.Status == StepCompleted {
				run.results[id] = res.clone()
			}
		}
	}

	halted := e.schedule(ctx, run)

	result := run.summarize(halted)
	result.Duration = time.Since(start)

	if e.cfg.autoCheckpoint {
		cp, err := e.captureCheckpoint(ctx, workflowType, state, run.results)
		if err != nil {
			result.Message += fmt.Sprintf(" (checkpoint capture failed: %v)", err)
		} else {
			result.Checkpoint = cp
		}
	}

	return result, nil
}

// schedule drives the wave loop. Returns true if stop-on-failure halted
// scheduling before the graph was exhausted.
func (e *Executor) schedule(ctx context.Context, run *runContext) bool {
	for {
		run.propagateSkips()

		if ctx.Err() != nil {
			run.skipRemaining("run cancelled")
			return true
		}

		parallel, exclusive := run.readySteps()
		if len(parallel) == 0 && len(exclusive) == 0 {
			return false
		}

		// Parallel group: dispatched together on the bounded pool. Steps
		// already dispatched run to completion even if one of them fails.
		var wg sync.WaitGroup
		for _, s := range parallel {
			wg.Add(1)
			go func(s *Step) {
				defer wg.Done()
				e.sem <- struct{}{}
				defer func() { <-e.sem }()
				run.runStep(ctx, s)
			}(s)
		}
		wg.Wait()

		if e.cfg.stopOnFailure && run.anyFailed(parallel) {
			run.skipRemaining("halted after step failure")
			return true
		}

		// Exclusive wave: one non-parallel step runs alone, then the ready
		// set is recomputed — its dependents may have become runnable.
		if len(exclusive) > 0 {
			s := exclusive[0]
			run.runStep(ctx, s)
			if e.cfg.stopOnFailure && run.status(s.ID) == StepFailed {
				run.skipRemaining("halted after step failure")
				return true
			}
		}
	}
}

// readySteps returns the pending steps whose every dependency is COMPLETED,
// partitioned into the parallel group and the exclusive group. Order
// follows the topological submission order for determinism.
func (run *runContext) readySteps() (parallel, exclusive []*Step) {
	run.mu.Lock()
	defer run.mu.Unlock()

	for _, id := range run.order {
		res := run.results[id]
		if res.Status != StepPending {
			continue
		}
		s := run.byID[id]
		ready := true
		for _, dep := range s.Dependencies {
			if run.results[dep].Status != StepCompleted {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if s.CanRunParallel {
			parallel = append(parallel, s)
		} else {
			exclusive = append(exclusive, s)
		}
	}
	return parallel, exclusive
}

// propagateSkips marks every pending step with a FAILED or SKIPPED
// dependency as SKIPPED, transitively, without invoking its body.
func (run *runContext) propagateSkips() {
	for {
		var skipped []*StepResult
		run.mu.Lock()
		for _, id := range run.order {
			res := run.results[id]
			if res.Status != StepPending {
				continue
			}
			s := run.byID[id]
			for _, dep := range s.Dependencies {
				depStatus := run.results[dep].Status
				if depStatus == StepFailed || depStatus == StepSkipped {
					res.Status = StepSkipped
					res.Error = fmt.Sprintf("dependency %s did not complete", dep)
					res.CompletedAt = time.Now()
					skipped = append(skipped, res)
					break
				}
			}
		}
		run.mu.Unlock()

		if len(skipped) == 0 {
			return
		}
		for _, res := range skipped {
			run.finalizeSkipped(res)
		}
	}
}

// skipRemaining marks every still-pending step as SKIPPED. Used when
// stop-on-failure halts scheduling or the context is cancelled.
func (run *runContext) skipRemaining(reason string) {
	var skipped []*StepResult
	run.mu.Lock()
	for _, id := range run.order {
		res := run.results[id]
		if res.Status == StepPending {
			res.Status = StepSkipped
			res.Error = reason
			res.CompletedAt = time.Now()
			skipped = append(skipped, res)
		}
	}
	run.mu.Unlock()

	for _, res := range skipped {
		run.finalizeSkipped(res)
	}
}

func (run *runContext) finalizeSkipped(res *StepResult) {
	if m := run.exec.cfg.metrics; m != nil {
		m.IncrementSkipped(run.workflowType)
	}
	run.notifyProgress(res)
	run.publishStepEvent(event.TypeStepSkipped, res)
}

// runStep executes one step to a terminal status: attempt loop with
// timeout and retry accounting, result finalization, progress callback,
// and event publication.
func (run *runContext) runStep(ctx context.Context, s *Step) {
	e := run.exec

	run.mu.Lock()
	res := run.results[s.ID]
	res.Status = StepRunning
	res.StartedAt = time.Now()
	run.mu.Unlock()

	if m := e.cfg.metrics; m != nil {
		m.StepStarted()
	}
	run.publishStepEvent(event.TypeStepStarted, res.clone())

	var value any
	var err error
	retries := 0

	attempts := s.RetryCount + 1
	for attempt := 0; attempt < attempts; attempt++ {
		value, err = runAttempt(ctx, s, run.state)
		if err == nil {
			retries = attempt
			break
		}
		if attempt == attempts-1 {
			retries = s.RetryCount
			break
		}
		if m := e.cfg.metrics; m != nil {
			m.IncrementRetries(run.workflowType, s.ID)
		}
		if delay := computeBackoff(attempt, e.cfg.retryBaseDelay, e.cfg.retryMaxDelay); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
	}

	run.mu.Lock()
	res.CompletedAt = time.Now()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)
	res.RetryAttempts = retries
	if err != nil {
		res.Status = StepFailed
		res.Error = err.Error()
	} else {
		res.Status = StepCompleted
		res.Result = value
	}
	final := res.clone()
	run.mu.Unlock()

	if m := e.cfg.metrics; m != nil {
		m.StepFinished()
		m.RecordStepLatency(run.workflowType, s.ID, final.Duration, string(final.Status))
	}

	run.notifyProgress(final)
	if final.Status == StepFailed {
		run.publishStepEvent(event.TypeStepFailed, final)
	} else {
		run.publishStepEvent(event.TypeStepCompleted, final)
	}
}

func (run *runContext) notifyProgress(res *StepResult) {
	run.exec.mu.Lock()
	fn := run.exec.progress
	run.exec.mu.Unlock()
	if fn == nil {
		return
	}
	run.cbMu.Lock()
	defer run.cbMu.Unlock()
	fn(res.StepID, res)
}

func (run *runContext) publishStepEvent(t event.Type, res *StepResult) {
	e := run.exec
	s := run.byID[res.StepID]
	payload := event.StepPayload{
		StepID:        res.StepID,
		StepName:      s.Name,
		Status:        string(res.Status),
		Error:         res.Error,
		Duration:      res.Duration,
		RetryAttempts: res.RetryAttempts,
	}
	e.cfg.bus.Publish(event.New(t, run.workflowType, e.cfg.source, payload))
}

func (run *runContext) anyFailed(steps []*Step) bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, s := range steps {
		if run.results[s.ID].Status == StepFailed {
			return true
		}
	}
	return false
}

func (run *runContext) status(id string) StepStatus {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.results[id].Status
}

// summarize computes the run-level outcome from the finalized step results.
//
// Success is false whenever any step ended FAILED, required or not. Status
// is COMPLETED only when every required step completed; it is FAILED when
// stop-on-failure halted the run, a required step failed, or a required
// step was skipped away by a failed dependency.
func (run *runContext) summarize(halted bool) *ExecutionResult {
	run.mu.Lock()
	defer run.mu.Unlock()

	var completed, failed, skipped int
	requiredIncomplete := false
	for id, res := range run.results {
		switch res.Status {
		case StepCompleted:
			completed++
		case StepFailed:
			failed++
		case StepSkipped:
			skipped++
		}
		if run.byID[id].Required && res.Status != StepCompleted {
			requiredIncomplete = true
		}
	}

	success := failed == 0 && !requiredIncomplete
	status := RunCompleted
	if halted || requiredIncomplete {
		status = RunFailed
	}

	message := fmt.Sprintf("%d completed, %d failed, %d skipped", completed, failed, skipped)
	if halted {
		message = "halted after failure: " + message
	}

	results := make(map[string]*StepResult, len(run.results))
	for id, res := range run.results {
		results[id] = res.clone()
	}

	return &ExecutionResult{
		Success:     success,
		Status:      status,
		Message:     message,
		StepResults: results,
	}
}

// Rollback invokes the rollback actions of completed steps in strict
// reverse dependency order: a step's compensation runs before the
// compensation of anything it depends on.
//
// stepResults is the per-step breakdown of the run to compensate
// (typically ExecutionResult.StepResults). Steps already COMPLETED as of
// rollbackTo, when given, are outside the rollback scope and keep their
// status. Steps without a rollback action are not compensable and are
// passed over.
//
// Compensation is best-effort: a failing rollback action is recorded in
// the returned result's Errors but does not stop rollback of the remaining
// steps. The rollback action receives the rollbackTo checkpoint's state
// snapshot, or an empty state when no checkpoint is given.
func (e *Executor) Rollback(ctx context.Context, steps []*Step, stepResults map[string]*StepResult, reason string, rollbackTo *Checkpoint) (*ExecutionResult, error) {
	if e.isClosed() {
		return nil, ErrExecutorClosed
	}
	if err := validateGraph(steps); err != nil {
		return nil, err
	}

	start := time.Now()
	order, err := reverseTopoOrder(steps)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	baseline := make(map[string]bool)
	state := State{}
	workflowType := ""
	if rollbackTo != nil {
		for _, id := range rollbackTo.CompletedSteps() {
			baseline[id] = true
		}
		if rollbackTo.State != nil {
			if cloned, cloneErr := rollbackTo.State.Clone(); cloneErr == nil {
				state = cloned
			}
		}
		if wt, ok := rollbackTo.Metadata["workflow_type"].(string); ok {
			workflowType = wt
		}
	}

	results := make(map[string]*StepResult, len(stepResults))
	for id, res := range stepResults {
		results[id] = res.clone()
	}

	e.cfg.bus.Publish(event.New(event.TypeRollbackStarted, workflowType, e.cfg.source,
		event.RollbackPayload{Reason: reason}))

	var errs []string
	rolledBack := 0
	for _, id := range order {
		res, ok := results[id]
		if !ok || res.Status != StepCompleted || baseline[id] {
			continue
		}
		s := byID[id]
		if s.Rollback == nil {
			continue
		}

		if rbErr := s.Rollback(ctx, state); rbErr != nil {
			errs = append(errs, fmt.Sprintf("rollback of step %s failed: %v", id, rbErr))
			e.cfg.bus.Publish(event.New(event.TypeRollbackStep, workflowType, e.cfg.source,
				event.RollbackPayload{StepID: id, Reason: reason, Error: rbErr.Error()}))
			continue
		}

		res.Status = StepRolledBack
		rolledBack++
		e.cfg.bus.Publish(event.New(event.TypeRollbackStep, workflowType, e.cfg.source,
			event.RollbackPayload{StepID: id, Reason: reason}))
	}

	e.cfg.bus.Publish(event.New(event.TypeRollbackCompleted, workflowType, e.cfg.source,
		event.RollbackPayload{Reason: reason}))

	outcome := "ok"
	if len(errs) > 0 {
		outcome = "error"
	}
	if m := e.cfg.metrics; m != nil {
		m.IncrementRollbacks(workflowType, outcome)
	}

	return &ExecutionResult{
		Success:     len(errs) == 0,
		Status:      RunRolledBack,
		Message:     fmt.Sprintf("rolled back %d step(s): %s", rolledBack, reason),
		Duration:    time.Since(start),
		StepResults: results,
		Errors:      errs,
	}, nil
}

// captureCheckpoint snapshots the step results and shared state, stores the
// checkpoint in the executor's ordered collection, and persists it when a
// durable store is configured.
func (e *Executor) captureCheckpoint(ctx context.Context, workflowType string, state State, results map[string]*StepResult) (*Checkpoint, error) {
	stateCopy, err := state.Clone()
	if err != nil {
		return nil, err
	}
	resultsCopy := make(map[string]*StepResult, len(results))
	for id, res := range results {
		resultsCopy[id] = res.clone()
	}

	cp := &Checkpoint{
		ID:          uuid.NewString(),
		StepResults: resultsCopy,
		State:       stateCopy,
		Metadata:    map[string]any{"workflow_type": workflowType},
		CreatedAt:   time.Now().UTC(),
	}

	e.mu.Lock()
	e.checkpoints = append(e.checkpoints, cp)
	e.mu.Unlock()

	if e.cfg.store != nil {
		data, marshalErr := json.Marshal(cp)
		if marshalErr != nil {
			return cp, fmt.Errorf("failed to serialize checkpoint: %w", marshalErr)
		}
		if saveErr := e.cfg.store.Save(ctx, cp.ID, data, cp.CreatedAt); saveErr != nil {
			return cp, fmt.Errorf("failed to persist checkpoint: %w", saveErr)
		}
	}

	if m := e.cfg.metrics; m != nil {
		m.IncrementCheckpoints()
	}
	return cp, nil
}

// ListCheckpoints returns the executor's checkpoints in capture order.
func (e *Executor) ListCheckpoints() []*Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Checkpoint, len(e.checkpoints))
	copy(out, e.checkpoints)
	return out
}

// LoadCheckpoint returns a checkpoint by ID, consulting the in-memory
// collection first and the durable store second. Returns
// ErrCheckpointNotFound if neither has it.
func (e *Executor) LoadCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	e.mu.Lock()
	for _, cp := range e.checkpoints {
		if cp.ID == id {
			e.mu.Unlock()
			return cp, nil
		}
	}
	e.mu.Unlock()

	if e.cfg.store == nil {
		return nil, ErrCheckpointNotFound
	}
	data, err := e.cfg.store.Load(ctx, id)
	if err != nil {
		return nil, &ExecutorError{
			Message: "checkpoint not found: " + id,
			Code:    "CHECKPOINT_NOT_FOUND",
			Cause:   ErrCheckpointNotFound,
		}
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &ExecutorError{
			Message: "failed to decode checkpoint " + id + ": " + err.Error(),
			Code:    "CHECKPOINT_DECODE",
			Cause:   err,
		}
	}
	return &cp, nil
}

// ClearCheckpoints discards the in-memory collection and, when a durable
// store is configured, clears it as well.
func (e *Executor) ClearCheckpoints(ctx context.Context) error {
	e.mu.Lock()
	e.checkpoints = nil
	e.mu.Unlock()

	if e.cfg.store != nil {
		return e.cfg.store.Clear(ctx)
	}
	return nil
}
