package graph

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/mensylisir/fleetctl/pkg/deploy/state"
)

// ErrMissingDependency is returned by AddDependency when the destination's
// action is not destroy and the edge is not marked ignoreIfMissing.
type ErrMissingDependency struct {
	From, To state.StepKey
}

func (e *ErrMissingDependency) Error() string {
	return fmt.Sprintf("missing dependency: %s depends on %s, which is not in the graph", e.To, e.From)
}

// ErrCycleDetected is returned by Validate when one or more cycles exist.
// All simple cycles found are included so operators can fix the manifest
// in one pass instead of iterating.
type ErrCycleDetected struct {
	Cycles [][]state.StepKey
}

func (e *ErrCycleDetected) Error() string {
	parts := make([]string, len(e.Cycles))
	for i, c := range e.Cycles {
		names := make([]string, len(c))
		for j, k := range c {
			names[j] = k.String()
		}
		parts[i] = strings.Join(names, " -> ")
	}
	return fmt.Sprintf("cyclic dependency detected:\n%s", strings.Join(parts, "\n"))
}

// ErrForbiddenOrdering is returned by Validate's creatable/destroyable
// ancestor checks.
type ErrForbiddenOrdering struct {
	Key, Other state.StepKey
	Reason     string
}

func (e *ErrForbiddenOrdering) Error() string {
	return fmt.Sprintf("forbidden ordering between %s and %s: %s", e.Key, e.Other, e.Reason)
}

// ErrNoProcessableStep is raised by Next when pending steps remain but none
// are runnable right now (their predecessors/successors haven't settled, or
// their waitUntil hasn't elapsed).
var ErrNoProcessableStep = errors.New("no processable step")

// ErrNoMorePendingStep is raised by Next when the run is complete: every
// step has reached a terminal status.
var ErrNoMorePendingStep = errors.New("no more pending steps")

// ErrUnknownStep is returned when an operation references a StepKey that
// was never added to the graph.
type ErrUnknownStep struct{ Key state.StepKey }

func (e *ErrUnknownStep) Error() string {
	return fmt.Sprintf("unknown step %s", e.Key)
}
