package planner

import (
	"context"
	"time"

	"github.com/mensylisir/fleetctl/pkg/deploy/engine"
	"github.com/mensylisir/fleetctl/pkg/deploy/graph"
	"github.com/mensylisir/fleetctl/pkg/deploy/state"
)

const conditionalElidedResult = "No changes required because the dependent output values have not changed"

// NextStep is what the executor receives for one ready step.
type NextStep struct {
	Key state.StepKey
	// Action is the effective action: conditional-update has already been
	// resolved to update (the source outputs changed) or elided entirely
	// (the step never reaches the executor in that case).
	Action      graph.Action
	NbAttempts  int
	MaxAttempts int
}

// Next returns the next step to process. Output-valued variables are
// re-resolved against the current store first, so a conditional-update can
// be settled: when the refreshed variables and hash still match the
// current record, the step completes on the spot with no changes and the
// search continues; otherwise it is handed out as a plain update.
func (p *Package) Next() (NextStep, error) {
	for {
		key, err := p.graph.Next()
		if err != nil {
			return NextStep{}, err
		}
		step, _ := p.graph.Step(key)

		p.resolveVariablesFromOutputs(key)

		if step.Action != graph.ActionConditionalUpdate {
			return NextStep{Key: key, Action: step.Action, NbAttempts: step.NbAttempts, MaxAttempts: step.MaxAttempts}, nil
		}

		current, okCurrent := p.current.Get(key)
		target, okTarget := p.target[key]
		if okCurrent && okTarget && !p.updateNeeded(current, target) {
			if err := p.graph.Complete(key, false, conditionalElidedResult, nil); err != nil {
				return NextStep{}, err
			}
			p.log.Infof("%s %s", key, conditionalElidedResult)
			continue
		}
		return NextStep{Key: key, Action: graph.ActionUpdate, NbAttempts: step.NbAttempts, MaxAttempts: step.MaxAttempts}, nil
	}
}

// StepVariables returns the variables a step executes with: the target
// record's for creates and updates, the current record's for destroys.
func (p *Package) StepVariables(key state.StepKey, action graph.Action) map[string]state.Value {
	if action == graph.ActionDestroy {
		if rec, ok := p.current.Get(key); ok {
			return rec.Variables
		}
		return nil
	}
	if rec, ok := p.target[key]; ok {
		return rec.Variables
	}
	return nil
}

// Complete marks a step completed and, when the command is apply, commits
// the result to the current store: destroys remove the record, everything
// else overwrites it from the target record plus the step's outputs.
func (p *Package) Complete(key state.StepKey, madeChanges bool, result string, detailedResults map[string]state.Value, outputs map[string]state.Value) error {
	if err := p.graph.Complete(key, madeChanges, result, detailedResults); err != nil {
		return err
	}
	if p.command != engine.CommandApply {
		return nil
	}
	step, _ := p.graph.Step(key)
	if step.Action == graph.ActionDestroy {
		p.current.Delete(key)
		return nil
	}
	p.current.Put(key, state.FromTarget(p.target[key], outputs, p.now()))
	return nil
}

// Fail records a failed attempt; the graph re-arms the step when attempts
// remain.
func (p *Package) Fail(key state.StepKey, result string, detailedResults map[string]state.Value) error {
	return p.graph.Fail(key, result, detailedResults)
}

// UpdateHash settles one step of an update-hash run: an update step whose
// module hash differs from the target's gets the hash (and the
// last-changed timestamp) rewritten in place without any subprocess; its
// variables are left as they are. Returns true if the hash was updated.
func (p *Package) UpdateHash(key state.StepKey) (bool, error) {
	step, ok := p.graph.Step(key)
	if !ok {
		return false, &graph.ErrUnknownStep{Key: key}
	}
	if step.Action == graph.ActionUpdate {
		current, okCurrent := p.current.Get(key)
		target, okTarget := p.target[key]
		if okCurrent && okTarget && current.ModuleHash != target.ModuleHash {
			current.ModuleHash = target.ModuleHash
			current.LastChangedTime = p.now().UTC().Format(time.RFC3339)
			p.current.Put(key, current)
			if err := p.graph.Complete(key, true, "Updated the module hash", nil); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	if err := p.graph.Complete(key, false, "No action needed", nil); err != nil {
		return false, err
	}
	return false, nil
}

// Save forces a write of the current state, optionally stopping the
// autosave timer first.
func (p *Package) Save(ctx context.Context, stopAutosave bool) error {
	if stopAutosave {
		p.current.Stop()
	}
	return p.current.Save(ctx)
}
