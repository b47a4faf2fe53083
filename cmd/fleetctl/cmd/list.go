package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mensylisir/fleetctl/pkg/deploy/engine"
)

func init() {
	flags := &filterFlags{}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List deployed modules and the changes to be made",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), engine.CommandList, flags)
			if err != nil {
				return err
			}
			defer rt.store.Stop()

			hasPendingChanges := rt.pkg.AnalyzeChanges()
			if err := writeOutputJSON(rt.pkg.ExportChanges(), "the list of deployed modules and changes to be made"); err != nil {
				return err
			}
			if hasPendingChanges && flags.detailedExitcode {
				return &ExitCodeError{Code: 2}
			}
			return nil
		},
	}
	flags.register(listCmd, false)
	rootCmd.AddCommand(listCmd)
}
