package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) int {
	rootCmd := newRootCommand(version, commit, buildDate)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return reportError(rootCmd.ErrOrStderr(), err)
	}
	return 0
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rollout",
		Short: "Progressive deployment orchestrator",
		Long: `rollout applies a deployment plan to an inventory one stage at a time.

Progress is persisted after every step, so an interrupted deployment resumes
where it stopped. Each stage can be wrapped in pre/post snapshots whose
comparison reports drift, and gated on cross-host consistency.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file (default rollout.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newCheckConsistencyCommand())
	rootCmd.AddCommand(newTestIdempotenceCommand())
	rootCmd.AddCommand(newSnapshotCommand())
	rootCmd.AddCommand(newResetCommand())
	rootCmd.AddCommand(newPlansCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newReportCommand())
	rootCmd.AddCommand(newPoliciesCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
