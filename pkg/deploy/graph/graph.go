// Package graph implements the dependency DAG over deployment steps:
// creation-after-ancestors and destruction-before-descendants ordering,
// conditional-update propagation, retry/backoff bookkeeping, and the
// ready-step selection algorithm the executor drives.
package graph

import (
	"sort"
	"time"

	"github.com/mensylisir/fleetctl/pkg/deploy/state"
)

// Action classifies what must happen to a step.
type Action int

const (
	ActionNone Action = iota
	ActionCreate
	ActionUpdate
	ActionConditionalUpdate
	ActionDestroy
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionConditionalUpdate:
		return "conditional-update"
	case ActionDestroy:
		return "destroy"
	default:
		return "unknown"
	}
}

// Status is a step's position in its own lifecycle.
type Status int

const (
	StatusPending Status = iota
	StatusSkipped
	StatusOngoing
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSkipped:
		return "skipped"
	case StatusOngoing:
		return "ongoing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Step is one graph node: a deployment and the planner's classification of
// what must happen to it, plus the executor's retry/result bookkeeping.
type Step struct {
	Key state.StepKey

	Action Action
	Skip   bool
	Status Status

	NbAttempts  int
	MaxAttempts int
	Delay       time.Duration
	WaitUntil   time.Time

	MadeChanges     bool
	Result          string
	DetailedResults map[string]state.Value
}

// edge is an adjacency entry; isVar marks a variablesFromOutputs edge,
// whose source's output changes may force the destination to re-diff.
type edge struct {
	to    state.StepKey
	isVar bool
}

// Graph is the DAG of steps. It is built once by the planner, mutated by
// the executor's Complete/Fail calls, and discarded on exit.
type Graph struct {
	steps map[state.StepKey]*Step
	// successors[k] are nodes whose dependency/variable edge points *from* k:
	// i.e. k must be processed before them on create/update.
	successors map[state.StepKey][]edge
	// predecessors[k] are the sources of k's incoming edges.
	predecessors map[state.StepKey][]edge

	now func() time.Time
}

// New creates an empty Graph. nowFn overrides time.Now for deterministic
// retry/backoff tests; pass nil to use the real clock.
func New(nowFn func() time.Time) *Graph {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Graph{
		steps:        make(map[state.StepKey]*Step),
		successors:   make(map[state.StepKey][]edge),
		predecessors: make(map[state.StepKey][]edge),
		now:          nowFn,
	}
}

// AddStep registers a new node. Every step starts pending; Validate later
// settles skipped and no-action steps into the skipped status once the
// conditional-update propagation has run.
func (g *Graph) AddStep(key state.StepKey, action Action, skip bool, maxAttempts int, delay time.Duration) {
	g.steps[key] = &Step{
		Key:         key,
		Action:      action,
		Skip:        skip,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		Delay:       delay,
	}
	if _, ok := g.successors[key]; !ok {
		g.successors[key] = nil
	}
	if _, ok := g.predecessors[key]; !ok {
		g.predecessors[key] = nil
	}
}

// Step returns the node for key, if present.
func (g *Graph) Step(key state.StepKey) (*Step, bool) {
	s, ok := g.steps[key]
	return s, ok
}

// AddDependency adds an edge from -> to. It fails with ErrMissingDependency
// unless the destination's action is destroy or ignoreIfMissing is set.
func (g *Graph) AddDependency(from, to state.StepKey, isVar, ignoreIfMissing bool) error {
	if _, ok := g.steps[from]; !ok {
		toStep, toOK := g.steps[to]
		tolerated := ignoreIfMissing || (toOK && toStep.Action == ActionDestroy)
		if !tolerated {
			return &ErrMissingDependency{From: from, To: to}
		}
		return nil
	}
	if _, ok := g.steps[to]; !ok {
		return &ErrUnknownStep{Key: to}
	}

	// A dependency may appear both structurally and as a variable source;
	// the output-valued marking prevails because it carries the stronger
	// semantics (conditional-update propagation).
	for i, e := range g.successors[from] {
		if e.to == to {
			if isVar && !e.isVar {
				g.successors[from][i].isVar = true
				for j, p := range g.predecessors[to] {
					if p.to == from {
						g.predecessors[to][j].isVar = true
					}
				}
			}
			return nil
		}
	}
	g.successors[from] = append(g.successors[from], edge{to: to, isVar: isVar})
	g.predecessors[to] = append(g.predecessors[to], edge{to: from, isVar: isVar})
	return nil
}

func (g *Graph) predecessorKeys(key state.StepKey) []state.StepKey {
	edges := g.predecessors[key]
	out := make([]state.StepKey, len(edges))
	for i, e := range edges {
		out[i] = e.to
	}
	return out
}

func (g *Graph) successorKeys(key state.StepKey) []state.StepKey {
	edges := g.successors[key]
	out := make([]state.StepKey, len(edges))
	for i, e := range edges {
		out[i] = e.to
	}
	return out
}

func (g *Graph) sortedKeys() []state.StepKey {
	keys := make([]state.StepKey, 0, len(g.steps))
	for k := range g.steps {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// topoOrder returns a topological ordering of the nodes (Kahn's algorithm),
// tie-broken deterministically by StepKey so tests can rely on stable
// iteration order among independent steps.
func (g *Graph) topoOrder() []state.StepKey {
	inDegree := make(map[state.StepKey]int, len(g.steps))
	for k := range g.steps {
		inDegree[k] = len(g.predecessors[k])
	}

	var ready []state.StepKey
	for _, k := range g.sortedKeys() {
		if inDegree[k] == 0 {
			ready = append(ready, k)
		}
	}

	order := make([]state.StepKey, 0, len(g.steps))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].String() < ready[j].String() })
		k := ready[0]
		ready = ready[1:]
		order = append(order, k)
		for _, succ := range g.successorKeys(k) {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				ready = append(ready, succ)
			}
		}
	}
	return order
}
