package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mensylisir/fleetctl/pkg/deploy/engine"
	"github.com/mensylisir/fleetctl/pkg/deploy/executor"
)

func init() {
	for _, spec := range []struct {
		use, short, command, intro string
	}{
		{
			use:     "preview",
			short:   "Determine the resources that pending deployments would add, update or delete",
			command: engine.CommandPreview,
			intro:   `"preview" will determine which resources to add, update or delete if the pending deployments are applied`,
		},
		{
			use:     "apply",
			short:   "Apply pending deployments, creating, updating or deleting resources",
			command: engine.CommandApply,
			intro:   `"apply" will apply pending deployments, resulting in the creation, update or deletion of resources`,
		},
		{
			use:     "update-hash",
			short:   "Update the stored module hash for deployments to update, without deploying",
			command: engine.CommandUpdateHash,
			intro:   `"update-hash" will update the value of the module hash for deployments to update`,
		},
	} {
		flags := &filterFlags{}
		command := spec.command
		intro := spec.intro
		cmd := &cobra.Command{
			Use:   spec.use,
			Short: spec.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runExecution(cmd, command, intro, flags)
			},
		}
		flags.register(cmd, true)
		rootCmd.AddCommand(cmd)
	}
}

func runExecution(cmd *cobra.Command, command, intro string, flags *filterFlags) error {
	ctx := cmd.Context()
	rt, err := buildRuntime(ctx, command, flags)
	if err != nil {
		return err
	}
	defer rt.store.Stop()
	defer rt.creds.Stop()

	if !rt.pkg.AnalyzeChanges() {
		return nil
	}
	rt.log.Infof("%s", intro)

	if !flags.nonInteractive {
		fmt.Print(`Enter "yes" to confirm the deployment scope (use the command "list" for details): `)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.TrimSpace(answer) != "yes" {
			return nil
		}
	}

	exec, err := executor.New(executor.Options{
		Package:             rt.pkg,
		Credentials:         rt.creds,
		Workers:             rt.manifest.Workers(),
		TempDir:             tempDirFlag,
		KeepDeploymentCache: flags.keepDeploymentCache,
		Logger:              rt.log,
	})
	if err != nil {
		return err
	}
	runErr := exec.Run(ctx)

	madeChanges, hasFailed := rt.pkg.AnalyzeResults()
	printRunSummary(rt.pkg, exec)
	if err := writeOutputJSON(rt.pkg.ExportResults(), "the result of the execution"); err != nil {
		return err
	}

	if runErr != nil {
		return runErr
	}
	if hasFailed {
		return &ExitCodeError{Code: 1}
	}
	if madeChanges && flags.detailedExitcode {
		return &ExitCodeError{Code: 2}
	}
	return nil
}
