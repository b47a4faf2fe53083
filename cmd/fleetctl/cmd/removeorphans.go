package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mensylisir/fleetctl/pkg/deploy/engine"
	"github.com/mensylisir/fleetctl/pkg/deploy/state"
)

func init() {
	flags := &filterFlags{}
	var dryRun bool

	removeOrphansCmd := &cobra.Command{
		Use:   "remove-orphans",
		Short: "Remove deployments of accounts or regions that no longer exist in the organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), engine.CommandRemoveOrphans, flags)
			if err != nil {
				return err
			}
			defer rt.store.Stop()

			orphans, err := rt.pkg.RemoveOrphans(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			descriptors := make([]map[string]string, 0, len(orphans))
			for _, key := range orphans {
				descriptors = append(descriptors, map[string]string{
					"Module":    key.Module,
					"AccountId": key.AccountID,
					"Region":    key.Region,
				})
			}
			if err := writeOutputJSON(map[string]state.Value{"OrphanedDeployments": descriptors}, "the list of orphaned module deployments"); err != nil {
				return err
			}
			if len(orphans) > 0 && flags.detailedExitcode {
				return &ExitCodeError{Code: 2}
			}
			return nil
		},
	}
	removeOrphansCmd.Flags().BoolVar(&dryRun, "dry-run", false, "List the orphaned deployments without removing them")
	removeOrphansCmd.Flags().BoolVar(&flags.detailedExitcode, "detailed-exitcode", false, "Exit code is 0 with no orphans, 1 on error, 2 with orphans found")
	rootCmd.AddCommand(removeOrphansCmd)
}
