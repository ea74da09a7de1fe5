package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBreakerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and control the circuit breaker",
		Long: `The circuit breaker guards external state-provider and deployment calls.
Its state survives restarts; these commands read and reset the persisted
record.`,
	}

	cmd.AddCommand(newBreakerStatusCommand())
	cmd.AddCommand(newBreakerResetCommand())

	return cmd
}

func newBreakerStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the breaker state for the project",
		Example: `  # Is the prod breaker open?
  driftline breaker status --project prod`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			rec, err := rt.reconciler.Breaker().Status(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(rec)
			}

			fmt.Printf("project:       %s\n", rec.Project)
			fmt.Printf("state:         %s\n", rec.State)
			fmt.Printf("failure count: %d\n", rec.FailureCount)
			fmt.Printf("version:       %d\n", rec.Version)
			if rec.OpenedAt != nil {
				fmt.Printf("opened at:     %s\n", rec.OpenedAt.Format(time.RFC3339))
				retryAt := rec.OpenedAt.Add(rec.RetryAfter)
				fmt.Printf("next probe:    %s\n", retryAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newBreakerResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Force the breaker closed",
		Long: `Reset the circuit breaker to closed with a zero failure count.

Use after the underlying provider outage is confirmed resolved; the next
cycle will call out immediately instead of waiting for the retry window.`,
		Example: `  driftline breaker reset --project prod`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close(ctx)

			if err := rt.reconciler.Breaker().Reset(ctx); err != nil {
				return err
			}

			log.Info().Str("project", rt.cfg.Project).Msg("Circuit breaker reset to closed")
			return nil
		},
	}
}
