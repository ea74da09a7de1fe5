package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	project     string
	desiredPath string
	actualPath  string
	verbose     bool
	jsonOutput  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "driftline",
		Short: "Driftline - Dependency-Aware Reconciliation Engine",
		Long: `Driftline continuously compares declared infrastructure configuration
against observed state, maintains a dependency graph between resources,
and reconciles divergence.

Features:
  - Drift detection with severity classification
  - Automatic dependency graph population from resource metadata
  - Impact analysis and cascade-risk scoring
  - Dependency-ordered auto-healing of safe drift
  - Change proposals for drift that needs human review
  - Durable circuit breaker guarding external calls`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&project, "project", "p", "default", "project name")
	rootCmd.PersistentFlags().StringVar(&desiredPath, "desired", "desired.yaml", "desired-state snapshot file")
	rootCmd.PersistentFlags().StringVar(&actualPath, "actual", "actual.yaml", "actual-state snapshot file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newDetectCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newResourceCommand())
	rootCmd.AddCommand(newBreakerCommand())

	return rootCmd
}
