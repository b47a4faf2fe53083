package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/mensylisir/fleetctl/pkg/deploy/executor"
	"github.com/mensylisir/fleetctl/pkg/deploy/graph"
	"github.com/mensylisir/fleetctl/pkg/deploy/planner"
	"github.com/mensylisir/fleetctl/pkg/deploy/state"
)

// printRunSummary renders the per-step outcome table at the end of a run.
// Skipped steps are omitted: the table answers "what happened", not "what
// was in scope".
func printRunSummary(pkg *planner.Package, exec *executor.Executor) {
	durations := make(map[state.StepKey]time.Duration)
	for _, timing := range exec.Timings() {
		durations[timing.Key] += timing.Duration
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Deployment", "Action", "Status", "Changes", "Duration", "Result"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)

	for _, step := range pkg.Graph().Steps() {
		if step.Status == graph.StatusSkipped {
			continue
		}
		status := step.Status.String()
		switch step.Status {
		case graph.StatusCompleted:
			status = color.GreenString(status)
		case graph.StatusFailed:
			status = color.RedString(status)
		default:
			status = color.YellowString(status)
		}
		changes := ""
		if step.Status == graph.StatusCompleted {
			changes = fmt.Sprintf("%t", step.MadeChanges)
		}
		duration := ""
		if d, ok := durations[step.Key]; ok {
			duration = d.Round(time.Millisecond).String()
		}
		table.Append([]string{
			step.Key.String(),
			step.Action.String(),
			status,
			changes,
			duration,
			step.Result,
		})
	}
	if table.NumLines() > 0 {
		table.Render()
	}
}
