package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/driftline/driftline/pkg/snapshot"
)

func newWatchCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reconcile continuously",
		Long: `Run reconciliation cycles on a fixed interval and whenever one of the
snapshot files changes. Runs until interrupted.

If metrics are enabled in the configuration, a Prometheus endpoint is
served for the lifetime of the watch.`,
		Example: `  # Reconcile every 5 minutes and on snapshot changes
  driftline watch

  # Continuous dry-run with a custom config
  driftline watch --config driftline.yaml --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			rt, err := newRuntime(ctx, dryRun)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			if rt.cfg.Telemetry.Metrics.Enabled {
				go func() {
					if err := rt.metrics.StartMetricsServer(); err != nil {
						log.Warn().Err(err).Msg("Metrics server stopped")
					}
				}()
			}

			watcher, err := snapshot.NewWatcher(rt.logger, desiredPath, actualPath)
			if err != nil {
				return err
			}
			defer func() { _ = watcher.Close() }()

			trigger := make(chan struct{}, 1)
			go func() {
				err := watcher.Run(ctx, func() {
					select {
					case trigger <- struct{}{}:
					default:
					}
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Msg("Snapshot watcher stopped")
				}
			}()

			log.Info().
				Str("project", rt.cfg.Project).
				Dur("interval", rt.cfg.Interval).
				Msg("Watching for drift")

			runOnce := func(reason string) {
				log.Info().Str("trigger", reason).Msg("Starting reconciliation cycle")
				report, err := rt.reconciler.RunCycle(ctx)
				if err != nil {
					log.Warn().Err(err).Str("cycle_id", report.CycleID).Msg("Cycle aborted")
				}
				if err := printReport(report); err != nil {
					log.Warn().Err(err).Msg("Failed to print cycle report")
				}
			}

			runOnce("startup")

			ticker := time.NewTicker(rt.cfg.Interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					log.Info().Msg("Watch stopped")
					return nil
				case <-ticker.C:
					runOnce("interval")
				case <-trigger:
					runOnce("snapshot change")
				}
			}
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan healing without applying corrections")

	return cmd
}
