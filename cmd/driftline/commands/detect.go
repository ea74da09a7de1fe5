package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDetectCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run one reconciliation cycle",
		Long: `Run a single reconciliation cycle: fetch the desired and actual state
snapshots, detect drift, auto-heal the safe subset in dependency order,
and raise change proposals for everything that needs human review.

With --dry-run the healing plan is generated and logged but no
corrections are applied.`,
		Example: `  # Reconcile once from the default snapshot files
  driftline detect --desired desired.yaml --actual actual.yaml

  # Show what would be healed without touching anything
  driftline detect --dry-run

  # Machine-readable cycle report
  driftline detect --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log.Info().
				Str("project", project).
				Str("desired", desiredPath).
				Str("actual", actualPath).
				Bool("dry_run", dryRun).
				Msg("Running reconciliation cycle")

			rt, err := newRuntime(ctx, dryRun)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			report, runErr := rt.reconciler.RunCycle(ctx)
			if err := printReport(report); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan healing without applying corrections")

	return cmd
}
