package workflow

import "fmt"

// validateGraph checks the submitted step set for duplicate IDs, dangling
// dependency references, and cycles. It runs before any step is dispatched;
// a non-nil return means no step body was invoked.
func validateGraph(steps []*Step) error {
	byID := make(map[string]*Step, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return &ExecutorError{
				Message: "step ID cannot be empty",
				Code:    "INVALID_STEP",
			}
		}
		if _, exists := byID[s.ID]; exists {
			return &ExecutorError{
				Message: fmt.Sprintf("duplicate step id: %s", s.ID),
				Code:    "DUPLICATE_STEP",
				Cause:   ErrDuplicateStepID,
			}
		}
		byID[s.ID] = s
	}

	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				return &ExecutorError{
					Message: fmt.Sprintf("step %s depends on unknown step %s", s.ID, dep),
					Code:    "UNKNOWN_DEPENDENCY",
					Cause:   ErrUnknownDependency,
				}
			}
		}
	}

	// Kahn's algorithm: if the topological sort cannot consume every step,
	// the remainder forms at least one cycle.
	if _, err := topoSort(steps); err != nil {
		return err
	}
	return nil
}

// topoSort returns the step IDs in a dependency-respecting order
// (dependencies before dependents). Returns ErrCyclicDependency wrapped in
// an ExecutorError if the graph has a cycle.
func topoSort(steps []*Step) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		if _, ok := indegree[s.ID]; !ok {
			indegree[s.ID] = 0
		}
		for _, dep := range s.Dependencies {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	// Seed the queue in submission order so ordering is deterministic.
	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(steps) {
		return nil, &ExecutorError{
			Message: "step graph contains a cycle",
			Code:    "CYCLIC_DEPENDENCY",
			Cause:   ErrCyclicDependency,
		}
	}
	return order, nil
}

// reverseTopoOrder returns step IDs ordered so that every step precedes all
// of its dependencies. Used by Rollback: a step's compensation must run
// before the compensation of anything it depends on.
func reverseTopoOrder(steps []*Step) ([]string, error) {
	order, err := topoSort(steps)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}
