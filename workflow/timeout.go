package workflow

import (
	"context"
	"fmt"
)

// attemptOutcome carries the return values of one step body invocation
// across the goroutine boundary used for timeout enforcement.
type attemptOutcome struct {
	value any
	err   error
}

// runAttempt invokes the step body once, bounded by the step's timeout.
//
// With no timeout configured the body runs inline. Otherwise the body runs
// in its own goroutine with a deadline context; when the deadline passes
// before the body returns, the attempt counts as failed and the late result
// is discarded. The executor never force-interrupts uncooperative work —
// the body keeps the goroutine until it returns on its own, and should
// honor ctx cancellation to release it promptly.
func runAttempt(ctx context.Context, step *Step, state State) (any, error) {
	if step.Timeout <= 0 {
		return step.Body(ctx, state)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	// Buffered so the body goroutine can exit after a timeout abandons it.
	done := make(chan attemptOutcome, 1)
	go func() {
		value, err := step.Body(attemptCtx, state)
		done <- attemptOutcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ExecutorError{
			Message: fmt.Sprintf("step %s exceeded timeout of %v", step.ID, step.Timeout),
			Code:    "STEP_TIMEOUT",
			Cause:   attemptCtx.Err(),
		}
	}
}
