package state

import "time"

// Value is a JSON-shaped value: string, number (float64, matching
// encoding/json's default), bool, nil, []Value, or map[string]Value. It is
// the dynamic type carried by variables and outputs.
type Value = interface{}

// OutputSource describes where a variable's value comes from when it is
// sourced from another step's outputs rather than given literally.
type OutputSource struct {
	Module          string `json:"Module"`
	AccountID       string `json:"AccountId"`
	Region          string `json:"Region"`
	OutputName      string `json:"OutputName"`
	IgnoreIfMissing bool   `json:"IgnoreIfNotExists,omitempty"`
}

// SourceKey returns the StepKey of the deployment whose outputs are read.
func (o OutputSource) SourceKey() StepKey {
	return StepKey{Module: o.Module, AccountID: o.AccountID, Region: o.Region}
}

// Dependency is a structural-only ordering edge: the deployment carrying it
// must be processed after the referenced source, independent of any
// variable flow.
type Dependency struct {
	Module          string `json:"Module"`
	AccountID       string `json:"AccountId"`
	Region          string `json:"Region"`
	IgnoreIfMissing bool   `json:"IgnoreIfNotExists,omitempty"`
}

// SourceKey returns the StepKey of the deployment depended on.
func (d Dependency) SourceKey() StepKey {
	return StepKey{Module: d.Module, AccountID: d.AccountID, Region: d.Region}
}

// TargetRecord is the manifest-derived intent for one step. It is rebuilt
// from scratch on every planner run.
type TargetRecord struct {
	Variables            map[string]Value        `json:"Variables"`
	VariablesFromOutputs map[string]OutputSource `json:"VariablesFromOutputs,omitempty"`
	Dependencies         []Dependency            `json:"Dependencies,omitempty"`
	ModuleHash           string                  `json:"ModuleHash"`
}

// CurrentRecord is the persisted observation for a step: everything a
// TargetRecord carries, plus what the last successful apply produced.
type CurrentRecord struct {
	Variables            map[string]Value        `json:"Variables"`
	VariablesFromOutputs map[string]OutputSource `json:"VariablesFromOutputs,omitempty"`
	Dependencies         []Dependency            `json:"Dependencies,omitempty"`
	ModuleHash           string                  `json:"ModuleHash"`
	Outputs              map[string]Value        `json:"Outputs"`
	LastChangedTime      string                  `json:"LastChangedTime"`
}

// FromTarget builds a CurrentRecord by overwriting a target's intent with
// freshly produced outputs. The executor uses it to commit the result of a
// successful create or update apply.
func FromTarget(t TargetRecord, outputs map[string]Value, when time.Time) CurrentRecord {
	if outputs == nil {
		outputs = map[string]Value{}
	}
	return CurrentRecord{
		Variables:            t.Variables,
		VariablesFromOutputs: t.VariablesFromOutputs,
		Dependencies:         t.Dependencies,
		ModuleHash:           t.ModuleHash,
		Outputs:              outputs,
		LastChangedTime:      when.UTC().Format(time.RFC3339),
	}
}

// AsTarget strips the observation-only fields so a CurrentRecord can be
// diffed against a TargetRecord using the same shape.
func (c CurrentRecord) AsTarget() TargetRecord {
	return TargetRecord{
		Variables:            c.Variables,
		VariablesFromOutputs: c.VariablesFromOutputs,
		Dependencies:         c.Dependencies,
		ModuleHash:           c.ModuleHash,
	}
}
