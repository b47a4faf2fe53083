package graph

import (
	"github.com/mensylisir/fleetctl/pkg/deploy/state"
)

// Validate checks the graph for cycles and forbidden orderings, then runs
// the conditional-update propagation pass and settles the status of inert
// steps. Callers should treat a non-nil error as fatal.
func (g *Graph) Validate() error {
	if cycles := g.findCycles(); len(cycles) > 0 {
		return &ErrCycleDetected{Cycles: cycles}
	}

	if err := g.checkCreatableAfterAncestors(); err != nil {
		return err
	}
	if err := g.checkDestroyableBeforeDescendants(); err != nil {
		return err
	}

	g.propagateConditionalUpdate()
	g.setStatusSkipped()
	return nil
}

// findCycles performs a DFS over the successor adjacency, reporting the
// cycle formed whenever a back-edge into the current recursion stack is
// found. This surfaces every cycle a DFS traversal encounters; degenerate
// manifests with multiple independent cycles through a shared node may see
// the same node's cycle reported once per entry point, which is acceptable
// for an error report meant to help an operator fix the manifest.
func (g *Graph) findCycles() [][]state.StepKey {
	const (
		white = iota
		gray
		black
	)
	color := make(map[state.StepKey]int, len(g.steps))
	for k := range g.steps {
		color[k] = white
	}

	var cycles [][]state.StepKey
	var stack []state.StepKey
	onStack := make(map[state.StepKey]int) // key -> index in stack

	var visit func(state.StepKey)
	visit = func(k state.StepKey) {
		color[k] = gray
		onStack[k] = len(stack)
		stack = append(stack, k)

		for _, succ := range g.successorKeys(k) {
			switch color[succ] {
			case white:
				visit(succ)
			case gray:
				start := onStack[succ]
				cycle := append([]state.StepKey{}, stack[start:]...)
				cycle = append(cycle, succ)
				cycles = append(cycles, cycle)
			}
		}

		delete(onStack, k)
		stack = stack[:len(stack)-1]
		color[k] = black
	}

	for _, k := range g.sortedKeys() {
		if color[k] == white {
			visit(k)
		}
	}
	return cycles
}

// checkCreatableAfterAncestors enforces: if a step's action is create and
// it is not skipped, no predecessor may be (destroy, not skipped) nor
// (create, skipped).
func (g *Graph) checkCreatableAfterAncestors() error {
	for _, k := range g.sortedKeys() {
		step := g.steps[k]
		if step.Action != ActionCreate || step.Skip {
			continue
		}
		for _, predKey := range g.predecessorKeys(k) {
			pred := g.steps[predKey]
			if pred == nil {
				continue
			}
			if pred.Action == ActionDestroy && !pred.Skip {
				return &ErrForbiddenOrdering{Key: k, Other: predKey, Reason: "cannot create a step whose ancestor is being destroyed"}
			}
			if pred.Action == ActionCreate && pred.Skip {
				return &ErrForbiddenOrdering{Key: k, Other: predKey, Reason: "cannot create a step whose ancestor's creation is skipped"}
			}
		}
	}
	return nil
}

// checkDestroyableBeforeDescendants enforces: if a step's action is destroy
// and it is not skipped, every successor must either be (create, skipped)
// or (destroy, not skipped).
func (g *Graph) checkDestroyableBeforeDescendants() error {
	for _, k := range g.sortedKeys() {
		step := g.steps[k]
		if step.Action != ActionDestroy || step.Skip {
			continue
		}
		for _, succKey := range g.successorKeys(k) {
			succ := g.steps[succKey]
			if succ == nil {
				continue
			}
			okCreateSkipped := succ.Action == ActionCreate && succ.Skip
			okDestroyLive := succ.Action == ActionDestroy && !succ.Skip
			if !okCreateSkipped && !okDestroyLive {
				return &ErrForbiddenOrdering{Key: k, Other: succKey, Reason: "cannot destroy a step whose descendant is not also being destroyed (or whose creation isn't skipped)"}
			}
		}
	}
	return nil
}

// propagateConditionalUpdate runs the fixed-point pass: for every isVar
// edge from->to where from.action is update or conditional-update and
// to.action is none, set to.action to conditional-update. Iterates to a
// fixed point since an upgrade can cascade along a chain of isVar edges.
func (g *Graph) propagateConditionalUpdate() {
	for {
		changed := false
		for _, k := range g.sortedKeys() {
			to := g.steps[k]
			if to.Action != ActionNone {
				continue
			}
			for _, e := range g.predecessors[k] {
				if !e.isVar {
					continue
				}
				from := g.steps[e.to]
				if from == nil {
					continue
				}
				if from.Action == ActionUpdate || from.Action == ActionConditionalUpdate {
					to.Action = ActionConditionalUpdate
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}
}

// setStatusSkipped settles steps that require no work: steps whose action
// is none after propagation, and steps excluded by CLI filters, count as
// skipped for the ordering rules in Next.
func (g *Graph) setStatusSkipped() {
	for _, step := range g.steps {
		if step.Action == ActionNone || step.Skip {
			step.Status = StatusSkipped
		}
	}
}
