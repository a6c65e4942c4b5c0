package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/finvista/finflow-go/workflow/event"
)

func newTestExecutor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	exec, err := NewExecutor(opts...)
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	return exec
}

func okStep(id string) *Step {
	return NewStep(id, id, func(ctx context.Context, state State) (any, error) {
		return id + " done", nil
	})
}

func failStep(id string) *Step {
	return NewStep(id, id, func(ctx context.Context, state State) (any, error) {
		return nil, fmt.Errorf("%s exploded", id)
	})
}

func TestExecuteLinearGraph(t *testing.T) {
	exec := newTestExecutor(t)

	var order []string
	var mu sync.Mutex
	record := func(id string) StepFunc {
		return func(ctx context.Context, state State) (any, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return nil, nil
		}
	}

	steps := []*Step{
		NewStep("a", "Step A", record("a")),
		NewStep("b", "Step B", record("b")).DependsOn("a"),
		NewStep("c", "Step C", record("c")).DependsOn("b"),
	}

	result, err := exec.Execute(context.Background(), steps, "test", nil, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Success {
		t.Errorf("Success = false, want true (message: %s)", result.Message)
	}
	if result.Status != RunCompleted {
		t.Errorf("Status = %s, want %s", result.Status, RunCompleted)
	}
	if got, want := len(order), 3; got != want {
		t.Fatalf("invoked %d steps, want %d", got, want)
	}
	for i, want := range []string{"a", "b", "c"} {
		if order[i] != want {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want)
		}
	}
}

func TestExecuteTerminalStatuses(t *testing.T) {
	exec := newTestExecutor(t, WithStopOnFailure(false))

	steps := []*Step{
		okStep("ok"),
		failStep("bad"),
		okStep("child").DependsOn("bad"),
	}

	result, err := exec.Execute(context.Background(), steps, "test", nil, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for id, res := range result.StepResults {
		if !res.Status.Terminal() {
			t.Errorf("step %s ended in non-terminal status %s", id, res.Status)
		}
	}
	if got := result.StepResults["ok"].Status; got != StepCompleted {
		t.Errorf("ok status = %s, want %s", got, StepCompleted)
	}
	if got := result.StepResults["bad"].Status; got != StepFailed {
		t.Errorf("bad status = %s, want %s", got, StepFailed)
	}
	if got := result.StepResults["child"].Status; got != StepSkipped {
		t.Errorf("child status = %s, want %s", got, StepSkipped)
	}
}

func TestExecuteDependencyInvariant(t *testing.T) {
	exec := newTestExecutor(t, WithWorkerPoolSize(8))

	var aDone atomic.Bool
	steps := []*Step{
		NewStep("a", "a", func(ctx context.Context, state State) (any, error) {
			time.Sleep(20 * time.Millisecond)
			aDone.Store(true)
			return nil, nil
		}),
		NewStep("b", "b", func(ctx context.Context, state State) (any, error) {
			if !aDone.Load() {
				return nil, errors.New("started before dependency completed")
			}
			return nil, nil
		}).DependsOn("a"),
	}

	result, err := exec.Execute(context.Background(), steps, "test", nil, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Success {
		t.Errorf("Success = false: %s", result.StepResults["b"].Error)
	}
}

func TestExecuteSkipPropagation(t *testing.T) {
	exec := newTestExecutor(t, WithStopOnFailure(false))

	var invoked atomic.Int32
	count := func(fn StepFunc) StepFunc {
		return func(ctx context.Context, state State) (any, error) {
			invoked.Add(1)
			return fn(ctx, state)
		}
	}

	steps := []*Step{
		NewStep("a", "a", count(func(ctx context.Context, state State) (any, error) {
			return nil, errors.New("boom")
		})),
		NewStep("b", "b", count(func(ctx context.Context, state State) (any, error) {
			return nil, nil
		})).DependsOn("a"),
		NewStep("c", "c", count(func(ctx context.Context, state State) (any, error) {
			return nil, nil
		})).DependsOn("b"),
		NewStep("d", "d", count(func(ctx context.Context, state State) (any, error) {
			return nil, nil
		})),
	}

	result, err := exec.Execute(context.Background(), steps, "test", nil, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	// Only a and the independent d run; b and c are skipped transitively
	// without their bodies being invoked.
	if got, want := invoked.Load(), int32(2); got != want {
		t.Errorf("invoked %d step bodies, want %d", got, want)
	}
	if got := result.StepResults["b"].Status; got != StepSkipped {
		t.Errorf("b status = %s, want %s", got, StepSkipped)
	}
	if got := result.StepResults["c"].Status; got != StepSkipped {
		t.Errorf("c status = %s, want %s", got, StepSkipped)
	}
	if got := result.StepResults["d"].Status; got != StepCompleted {
		t.Errorf("d status = %s, want %s", got, StepCompleted)
	}
	if result.Success {
		t.Error("Success = true, want false with a failed step")
	}
	if result.Status != RunFailed {
		t.Errorf("Status = %s, want %s (required steps skipped)", result.Status, RunFailed)
	}
}

func TestExecuteStopOnFailure(t *testing.T) {
	t.Run("halts remaining waves", func(t *testing.T) {
		exec := newTestExecutor(t, WithStopOnFailure(true))

		var dRan atomic.Bool
		steps := []*Step{
			failStep("a"),
			NewStep("d", "d", func(ctx context.Context, state State) (any, error) {
				dRan.Store(true)
				return nil, nil
			}).DependsOn("a"),
		}

		result, err := exec.Execute(context.Background(), steps, "test", nil, nil)
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if dRan.Load() {
			t.Error("step d ran after failure with stop-on-failure enabled")
		}
		if result.Status != RunFailed {
			t.Errorf("Status = %s, want %s", result.Status, RunFailed)
		}
		if got := result.StepResults["d"].Status; got != StepSkipped {
			t.Errorf("d status = %s, want %s", got, StepSkipped)
		}
	})

	t.Run("disabled continues independent branches", func(t *testing.T) {
		exec := newTestExecutor(t, WithStopOnFailure(false))

		steps := []*Step{
			failStep("a").Exclusive(),
			okStep("b"),
		}

		result, err := exec.Execute(context.Background(), steps, "test", nil, nil)
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if got := result.StepResults["b"].Status; got != StepCompleted {
			t.Errorf("b status = %s, want %s", got, StepCompleted)
		}
	})
}

func TestExecuteRetries(t *testing.T) {
	t.Run("succeeds after retries", func(t *testing.T) {
		exec := newTestExecutor(t)

		var attempts atomic.Int32
		steps := []*Step{
			NewStep("flaky", "flaky", func(ctx context.Context, state State) (any, error) {
				if attempts.Add(1) <= 2 {
					return nil, errors.New("transient")
				}
				return "ok", nil
			}).WithRetries(3),
		}

		result, err := exec.Execute(context.Background(), steps, "test", nil, nil)
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		res := result.StepResults["flaky"]
		if res.Status != StepCompleted {
			t.Fatalf("status = %s, want %s (%s)", res.Status, StepCompleted, res.Error)
		}
		if got, want := res.RetryAttempts, 2; got != want {
			t.Errorf("RetryAttempts = %d, want %d", got, want)
		}
		if got, want := attempts.Load(), int32(3); got != want {
			t.Errorf("body invoked %d times, want %d", got, want)
		}
	})

	t.Run("exhausts retry budget", func(t *testing.T) {
		exec := newTestExecutor(t)

		var attempts atomic.Int32
		steps := []*Step{
			NewStep("doomed", "doomed", func(ctx context.Context, state State) (any, error) {
				attempts.Add(1)
				return nil, errors.New("permanent")
			}).WithRetries(2),
		}

		result, err := exec.Execute(context.Background(), steps, "test", nil, nil)
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		res := result.StepResults["doomed"]
		if res.Status != StepFailed {
			t.Fatalf("status = %s, want %s", res.Status, StepFailed)
		}
		if got, want := res.RetryAttempts, 2; got != want {
			t.Errorf("RetryAttempts = %d, want %d", got, want)
		}
		if got, want := attempts.Load(), int32(3); got != want {
			t.Errorf("body invoked %d times, want %d", got, want)
		}
	})
}

func TestExecuteTimeout(t *testing.T) {
	exec := newTestExecutor(t)

	steps := []*Step{
		NewStep("slow", "slow", func(ctx context.Context, state State) (any, error) {
			select {
			case <-time.After(500 * time.Millisecond):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}).WithTimeout(30 * time.Millisecond),
	}

	result, err := exec.Execute(context.Background(), steps, "test", nil, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	res := result.StepResults["slow"]
	if res.Status != StepFailed {
		t.Fatalf("status = %s, want %s", res.Status, StepFailed)
	}
	if res.Error == "" {
		t.Error("timed-out step has empty Error")
	}
}

func TestExecuteParallelism(t *testing.T) {
	exec := newTestExecutor(t, WithWorkerPoolSize(4))

	sleep := func(ctx context.Context, state State) (any, error) {
		time.Sleep(100 * time.Millisecond)
		return nil, nil
	}
	steps := []*Step{
		NewStep("p1", "p1", sleep),
		NewStep("p2", "p2", sleep),
		NewStep("p3", "p3", sleep),
	}

	start := time.Now()
	result, err := exec.Execute(context.Background(), steps, "test", nil, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	elapsed := time.Since(start)

	if !result.Success {
		t.Fatalf("Success = false: %s", result.Message)
	}
	// Three 100ms steps serially would take 300ms; parallel dispatch should
	// be well under that.
	if elapsed >= 250*time.Millisecond {
		t.Errorf("3 parallel 100ms steps took %v, want < 250ms", elapsed)
	}
}

func TestExecuteExclusiveStep(t *testing.T) {
	exec := newTestExecutor(t, WithWorkerPoolSize(8))

	var inflight, maxSeen atomic.Int32
	track := func(d time.Duration) StepFunc {
		return func(ctx context.Context, state State) (any, error) {
			n := inflight.Add(1)
			for {
				prev := maxSeen.Load()
				if n <= prev || maxSeen.CompareAndSwap(prev, n) {
					break
				}
			}
			time.Sleep(d)
			inflight.Add(-1)
			return nil, nil
		}
	}

	var exclusiveOverlap atomic.Bool
	steps := []*Step{
		NewStep("p1", "p1", track(30*time.Millisecond)),
		NewStep("p2", "p2", track(30*time.Millisecond)),
		NewStep("x", "x", func(ctx context.Context, state State) (any, error) {
			if inflight.Load() != 0 {
				exclusiveOverlap.Store(true)
			}
			time.Sleep(20 * time.Millisecond)
			return nil, nil
		}).Exclusive(),
	}

	result, err := exec.Execute(context.Background(), steps, "test", nil, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Success = false: %s", result.Message)
	}
	if maxSeen.Load() < 2 {
		t.Errorf("parallel steps never overlapped (max inflight = %d)", maxSeen.Load())
	}
	if exclusiveOverlap.Load() {
		t.Error("exclusive step ran while parallel steps were inflight")
	}
}

func TestExecuteOptionalStepFailure(t *testing.T) {
	exec := newTestExecutor(t, WithStopOnFailure(false))

	steps := []*Step{
		okStep("core"),
		failStep("extra").Optional(),
	}

	result, err := exec.Execute(context.Background(), steps, "test", nil, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Success {
		t.Error("Success = true, want false when any step failed")
	}
	if result.Status != RunCompleted {
		t.Errorf("Status = %s, want %s (only an optional step failed)", result.Status, RunCompleted)
	}
}

func TestExecuteGraphValidation(t *testing.T) {
	exec := newTestExecutor(t)
	ctx := context.Background()

	t.Run("cycle", func(t *testing.T) {
		steps := []*Step{
			okStep("a").DependsOn("b"),
			okStep("b").DependsOn("a"),
		}
		_, err := exec.Execute(ctx, steps, "test", nil, nil)
		if !errors.Is(err, ErrCyclicDependency) {
			t.Errorf("error = %v, want ErrCyclicDependency", err)
		}
	})

	t.Run("unknown dependency", func(t *testing.T) {
		steps := []*Step{okStep("a").DependsOn("ghost")}
		_, err := exec.Execute(ctx, steps, "test", nil, nil)
		if !errors.Is(err, ErrUnknownDependency) {
			t.Errorf("error = %v, want ErrUnknownDependency", err)
		}
	})

	t.Run("duplicate id", func(t *testing.T) {
		steps := []*Step{okStep("a"), okStep("a")}
		_, err := exec.Execute(ctx, steps, "test", nil, nil)
		if !errors.Is(err, ErrDuplicateStepID) {
			t.Errorf("error = %v, want ErrDuplicateStepID", err)
		}
	})
}

func TestExecutePublishesEvents(t *testing.T) {
	bus := event.NewBus()
	exec := newTestExecutor(t, WithEventBus(bus), WithStopOnFailure(false))

	var mu sync.Mutex
	seen := make(map[event.Type]int)
	bus.SubscribePattern("workflow:step:*", func(e event.Event) {
		mu.Lock()
		seen[e.Type]++
		mu.Unlock()
	})

	steps := []*Step{
		okStep("good"),
		failStep("bad"),
		okStep("orphan").DependsOn("bad"),
	}
	if _, err := exec.Execute(context.Background(), steps, "monthly_close", nil, nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen[event.TypeStepStarted] != 2 {
		t.Errorf("started events = %d, want 2", seen[event.TypeStepStarted])
	}
	if seen[event.TypeStepCompleted] != 1 {
		t.Errorf("completed events = %d, want 1", seen[event.TypeStepCompleted])
	}
	if seen[event.TypeStepFailed] != 1 {
		t.Errorf("failed events = %d, want 1", seen[event.TypeStepFailed])
	}
	if seen[event.TypeStepSkipped] != 1 {
		t.Errorf("skipped events = %d, want 1", seen[event.TypeStepSkipped])
	}
}

func TestProgressCallback(t *testing.T) {
	exec := newTestExecutor(t)

	var mu sync.Mutex
	got := make(map[string]StepStatus)
	exec.SetProgressCallback(func(stepID string, res *StepResult) {
		mu.Lock()
		got[stepID] = res.Status
		mu.Unlock()
	})

	steps := []*Step{okStep("a"), okStep("b").DependsOn("a")}
	if _, err := exec.Execute(context.Background(), steps, "test", nil, nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("callback fired for %d steps, want 2", len(got))
	}
	for id, status := range got {
		if status != StepCompleted {
			t.Errorf("callback for %s saw status %s, want %s", id, status, StepCompleted)
		}
	}
}

func TestExecuteSharedState(t *testing.T) {
	exec := newTestExecutor(t)

	steps := []*Step{
		NewStep("produce", "produce", func(ctx context.Context, state State) (any, error) {
			state["balance"] = 42.5
			return nil, nil
		}),
		NewStep("consume", "consume", func(ctx context.Context, state State) (any, error) {
			v, ok := state["balance"].(float64)
			if !ok {
				return nil, errors.New("balance not visible downstream")
			}
			return v * 2, nil
		}).DependsOn("produce"),
	}

	state := State{}
	result, err := exec.Execute(context.Background(), steps, "test", state, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Success = false: %s", result.StepResults["consume"].Error)
	}
	if got := result.StepResults["consume"].Result; got != 85.0 {
		t.Errorf("consume result = %v, want 85", got)
	}
}

func TestExecuteContextCancelled(t *testing.T) {
	exec := newTestExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	steps := []*Step{
		NewStep("a", "a", func(ctx context.Context, state State) (any, error) {
			ran.Store(true)
			return nil, nil
		}),
	}

	result, err := exec.Execute(ctx, steps, "test", nil, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if ran.Load() {
		t.Error("step body ran with an already-cancelled context")
	}
	if got := result.StepResults["a"].Status; got != StepSkipped {
		t.Errorf("a status = %s, want %s", got, StepSkipped)
	}
}

func TestShutdown(t *testing.T) {
	exec := newTestExecutor(t)

	if err := exec.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := exec.Shutdown(); !errors.Is(err, ErrExecutorClosed) {
		t.Errorf("second Shutdown() error = %v, want ErrExecutorClosed", err)
	}
	if _, err := exec.Execute(context.Background(), []*Step{okStep("a")}, "test", nil, nil); !errors.Is(err, ErrExecutorClosed) {
		t.Errorf("Execute() after Shutdown error = %v, want ErrExecutorClosed", err)
	}
	if _, err := exec.Rollback(context.Background(), []*Step{okStep("a")}, nil, "test", nil); !errors.Is(err, ErrExecutorClosed) {
		t.Errorf("Rollback() after Shutdown error = %v, want ErrExecutorClosed", err)
	}
}
