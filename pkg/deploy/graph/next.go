package graph

import (
	"github.com/mensylisir/fleetctl/pkg/deploy/state"
)

const failedDependencyResult = "Failed because at least one dependency failed"

// Next selects the next ready step and transitions it to ongoing, bumping
// its attempt counter. Destroys are considered first, walking the
// topological order backwards so that a deployment is destroyed before the
// deployments it depends on; creates and updates follow, walking forwards
// so that a deployment is created after its dependencies.
//
// A pending step whose dependencies (successors for destroy, predecessors
// otherwise) include a failed step is itself marked failed. Steps whose
// waitUntil lies in the future are passed over until the backoff elapses.
//
// Returns ErrNoProcessableStep when pending steps remain but none are
// runnable now, and ErrNoMorePendingStep when every step has reached a
// terminal status.
func (g *Graph) Next() (state.StepKey, error) {
	now := g.now()
	order := g.topoOrder()

	for i := len(order) - 1; i >= 0; i-- {
		key := order[i]
		step := g.steps[key]
		if step.Action != ActionDestroy || step.Status != StatusPending {
			continue
		}
		if step.WaitUntil.After(now) {
			continue
		}
		if g.anyStatus(g.successorKeys(key), StatusFailed) {
			step.Status = StatusFailed
			step.Result = failedDependencyResult
			continue
		}
		if g.allStatusIn(g.successorKeys(key), StatusCompleted, StatusSkipped) {
			step.Status = StatusOngoing
			step.NbAttempts++
			return key, nil
		}
	}

	for _, key := range order {
		step := g.steps[key]
		switch step.Action {
		case ActionCreate, ActionUpdate, ActionConditionalUpdate:
		default:
			continue
		}
		if step.Status != StatusPending || step.WaitUntil.After(now) {
			continue
		}
		if g.anyStatus(g.predecessorKeys(key), StatusFailed) {
			step.Status = StatusFailed
			step.Result = failedDependencyResult
			continue
		}
		if g.allStatusIn(g.predecessorKeys(key), StatusCompleted, StatusSkipped) {
			step.Status = StatusOngoing
			step.NbAttempts++
			return key, nil
		}
	}

	for _, step := range g.steps {
		if step.Status == StatusPending {
			return state.StepKey{}, ErrNoProcessableStep
		}
	}
	return state.StepKey{}, ErrNoMorePendingStep
}

func (g *Graph) anyStatus(keys []state.StepKey, status Status) bool {
	for _, k := range keys {
		if s, ok := g.steps[k]; ok && s.Status == status {
			return true
		}
	}
	return false
}

func (g *Graph) allStatusIn(keys []state.StepKey, statuses ...Status) bool {
	for _, k := range keys {
		s, ok := g.steps[k]
		if !ok {
			continue
		}
		match := false
		for _, want := range statuses {
			if s.Status == want {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

// Complete marks a step completed and records its outcome.
func (g *Graph) Complete(key state.StepKey, madeChanges bool, result string, detailedResults map[string]state.Value) error {
	step, ok := g.steps[key]
	if !ok {
		return &ErrUnknownStep{Key: key}
	}
	step.Status = StatusCompleted
	step.MadeChanges = madeChanges
	step.Result = result
	step.DetailedResults = detailedResults
	return nil
}

// Fail records a failed attempt. If attempts remain, the step is re-armed
// as pending with waitUntil pushed out by its retry delay; otherwise it
// transitions to the terminal failed status.
func (g *Graph) Fail(key state.StepKey, result string, detailedResults map[string]state.Value) error {
	step, ok := g.steps[key]
	if !ok {
		return &ErrUnknownStep{Key: key}
	}
	step.Result = result
	step.DetailedResults = detailedResults
	if step.NbAttempts < step.MaxAttempts {
		step.Status = StatusPending
		step.WaitUntil = g.now().Add(step.Delay)
	} else {
		step.Status = StatusFailed
	}
	return nil
}

// HasAscendantsWithChanges reports whether any predecessor that is not
// skipped carries pending or applied changes: a create or destroy, or an
// update that made changes. Previews of steps downstream of such changes
// would run against a state that does not exist yet.
func (g *Graph) HasAscendantsWithChanges(key state.StepKey) bool {
	for _, predKey := range g.predecessorKeys(key) {
		pred, ok := g.steps[predKey]
		if !ok || pred.Skip {
			continue
		}
		switch pred.Action {
		case ActionCreate, ActionDestroy:
			return true
		case ActionUpdate, ActionConditionalUpdate:
			if pred.MadeChanges {
				return true
			}
		}
	}
	return false
}

// Steps returns every node with its details, in deterministic key order.
func (g *Graph) Steps() []*Step {
	keys := g.sortedKeys()
	out := make([]*Step, 0, len(keys))
	for _, k := range keys {
		out = append(out, g.steps[k])
	}
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.steps)
}
