package planner

import (
	"context"

	"github.com/mensylisir/fleetctl/pkg/deploy/engine"
	"github.com/mensylisir/fleetctl/pkg/deploy/graph"
	"github.com/mensylisir/fleetctl/pkg/deploy/state"
)

// AnalyzeChanges logs a summary of the changes this run would make and
// reports whether any non-skipped change is pending.
func (p *Package) AnalyzeChanges() bool {
	type counter struct{ pending, pendingSkipped int }
	counts := map[graph.Action]*counter{
		graph.ActionCreate:            {},
		graph.ActionUpdate:            {},
		graph.ActionConditionalUpdate: {},
		graph.ActionDestroy:           {},
	}
	pendingChanges := 0
	for _, step := range p.graph.Steps() {
		if step.Action == graph.ActionNone {
			continue
		}
		if step.Skip {
			counts[step.Action].pendingSkipped++
		} else {
			pendingChanges++
			counts[step.Action].pending++
		}
	}
	for _, entry := range []struct {
		action graph.Action
		prefix string
	}{
		{graph.ActionCreate, "Deployments to create"},
		{graph.ActionUpdate, "Deployments to update"},
		{graph.ActionConditionalUpdate, "Deployments that may need updates if the outputs on which they depend change"},
		{graph.ActionDestroy, "Deployments to destroy"},
	} {
		c := counts[entry.action]
		if c.pending+c.pendingSkipped > 0 {
			p.log.Infof("%s: %d (%d skipped due to CLI filters)", entry.prefix, c.pending, c.pendingSkipped)
		}
	}
	if pendingChanges == 0 {
		p.log.Infof("No changes to be made during this run")
	}
	return pendingChanges > 0
}

// deploymentDescriptor identifies a step in exported documents, with the
// account name resolved for readability.
func (p *Package) deploymentDescriptor(key state.StepKey) map[string]state.Value {
	return map[string]state.Value{
		"Module":      key.Module,
		"AccountId":   key.AccountID,
		"AccountName": p.inventory.AccountName(key.AccountID),
		"Region":      key.Region,
	}
}

// ExportChanges builds the document describing every deployment and the
// changes to be made, grouped into pending, pending-but-skipped and
// no-change buckets.
func (p *Package) ExportChanges() map[string]state.Value {
	addChange := func(key state.StepKey, showCurrent, showTarget bool) map[string]state.Value {
		item := map[string]state.Value{
			"Deployment":   p.deploymentDescriptor(key),
			"ModuleConfig": map[string]state.Value(p.GetModuleConfig(key)),
		}
		if showCurrent {
			if rec, ok := p.current.Get(key); ok {
				item["CurrentState"] = rec
			}
		}
		if showTarget {
			if rec, ok := p.target[key]; ok {
				item["TargetState"] = rec
			}
		}
		return item
	}

	actionNames := map[graph.Action]string{
		graph.ActionCreate:            "Create",
		graph.ActionUpdate:            "Update",
		graph.ActionConditionalUpdate: "ConditionalUpdate",
		graph.ActionDestroy:           "Destroy",
	}

	result := map[string]state.Value{}
	for _, step := range p.graph.Steps() {
		if step.Action == graph.ActionNone {
			items, _ := result["NoChanges"].([]state.Value)
			result["NoChanges"] = append(items, addChange(step.Key, true, false))
			continue
		}
		category := "PendingChanges"
		if step.Skip {
			category = "PendingButSkippedChanges"
		}
		group, _ := result[category].(map[string]state.Value)
		if group == nil {
			group = map[string]state.Value{}
			result[category] = group
		}
		name := actionNames[step.Action]
		items, _ := group[name].([]state.Value)
		switch step.Action {
		case graph.ActionCreate:
			group[name] = append(items, addChange(step.Key, false, true))
		case graph.ActionDestroy:
			group[name] = append(items, addChange(step.Key, true, false))
		default:
			group[name] = append(items, addChange(step.Key, true, true))
		}
	}
	return result
}

// AnalyzeResults logs a summary of the run and reports whether any
// completed step made changes to resources and whether any step failed.
// A step counts as pending when it never reached a terminal status;
// pending steps appear in the log line only, not in either result.
func (p *Package) AnalyzeResults() (bool, bool) {
	completed, completedWithChanges, failed, pending := 0, 0, 0, 0
	for _, step := range p.graph.Steps() {
		switch step.Status {
		case graph.StatusCompleted:
			completed++
			if step.MadeChanges {
				completedWithChanges++
			}
		case graph.StatusFailed:
			failed++
		case graph.StatusSkipped:
		default:
			pending++
		}
	}
	p.log.Infof("%d deployments completed, %d failed, %d still pending", completed, failed, pending)
	return completedWithChanges > 0, failed > 0
}

// ExportResults builds the document describing the outcome of every
// non-skipped step, grouped by status then action.
func (p *Package) ExportResults() map[string]state.Value {
	statusNames := map[graph.Status]string{
		graph.StatusPending:   "Pending",
		graph.StatusOngoing:   "Pending",
		graph.StatusCompleted: "Completed",
		graph.StatusFailed:    "Failed",
	}
	actionNames := map[graph.Action]string{
		graph.ActionCreate:            "Create",
		graph.ActionUpdate:            "Update",
		graph.ActionConditionalUpdate: "ConditionalUpdate",
		graph.ActionDestroy:           "Destroy",
	}

	result := map[string]state.Value{}
	for _, step := range p.graph.Steps() {
		if step.Status == graph.StatusSkipped {
			continue
		}
		item := map[string]state.Value{
			"Deployment": p.deploymentDescriptor(step.Key),
			"NbAttempts": step.NbAttempts,
		}
		if step.Result != "" {
			item["Result"] = step.Result
		}
		if step.DetailedResults != nil {
			item["DetailedResults"] = step.DetailedResults
		}
		if step.Status == graph.StatusCompleted {
			item["ResultedInChanges"] = step.MadeChanges
			if p.command == engine.CommandApply {
				if rec, ok := p.current.Get(step.Key); ok {
					item["Outputs"] = rec.Outputs
				}
			}
		}
		group, _ := result[statusNames[step.Status]].(map[string]state.Value)
		if group == nil {
			group = map[string]state.Value{}
			result[statusNames[step.Status]] = group
		}
		items, _ := group[actionNames[step.Action]].([]state.Value)
		group[actionNames[step.Action]] = append(items, item)
	}
	return result
}

// RemoveOrphans deletes the current-state records whose (account, region)
// is no longer active in the fleet, returning the removed keys. With
// dryRun the records are only listed.
func (p *Package) RemoveOrphans(ctx context.Context, dryRun bool) ([]state.StepKey, error) {
	var orphans []state.StepKey
	for key := range p.current.All() {
		if !p.inventory.AccountRegionExists(key.AccountID, key.Region) {
			orphans = append(orphans, key)
			if !dryRun {
				p.current.Delete(key)
			}
		}
	}
	if dryRun {
		p.log.Infof("Found %d orphaned module deployments to remove", len(orphans))
		return orphans, nil
	}
	if err := p.current.Save(ctx); err != nil {
		return orphans, err
	}
	p.log.Infof("Removed %d orphaned module deployments", len(orphans))
	return orphans, nil
}
