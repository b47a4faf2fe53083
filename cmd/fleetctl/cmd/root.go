// Package cmd wires the fleetctl command-line interface: one subcommand
// per deployment command, sharing the planner bootstrap and the exit code
// conventions.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mensylisir/fleetctl/pkg/deploy/manifest"
	"github.com/mensylisir/fleetctl/pkg/logger"
)

// ExitCodeError carries a specific process exit code through cobra's error
// return path. Exit code 2 reports pending or applied changes when
// --detailed-exitcode is set; 1 reports failures.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

var (
	packageFileFlag string
	outputFileFlag  string
	tempDirFlag     string
	debugFlag       bool
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Deploy infrastructure-as-code modules across every account and region of an organization.",
	Long: `fleetctl deploys infrastructure-as-code modules to every (account,
region) pair declared by a package manifest. It diffs the manifest-derived
target state against the persisted fleet state, orders the work through a
dependency graph, and drives per-module tool subprocesses concurrently.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logOpts := logger.DefaultOptions()
		logOpts.ColorConsole = true
		if debugFlag {
			logOpts.ConsoleLevel = logger.DebugLevel
		}
		logger.Init(logOpts)
	},
}

// Execute runs the CLI.
func Execute() error {
	defer logger.SyncGlobal()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&packageFileFlag, "package-file", "p", manifest.DefaultFileName, "Location of the package definition YAML file")
	rootCmd.PersistentFlags().StringVarP(&outputFileFlag, "output-file", "o", "output.json", "Location of the JSON file to which command output details are written")
	rootCmd.PersistentFlags().StringVar(&tempDirFlag, "temp-dir", ".fleetctl", "Location of the folder that stores cache and detailed log files")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Increase log verbosity for debugging")
}
