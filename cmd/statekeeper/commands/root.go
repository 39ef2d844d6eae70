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

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "statekeeper",
		Short: "Statekeeper - Cloud Resource Reconciliation Control Plane",
		Long: `Statekeeper continuously converges cloud resources toward a declared
desired state.

Features:
  - Versioned desired-state specs with dependency-ordered execution
  - Distributed phase locks for safe concurrent runners
  - Drift detection with policy-based severity classification
  - Automatic remediation gated by a shared circuit breaker
  - Operator escalation workflow for risky divergence`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newSpecCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
