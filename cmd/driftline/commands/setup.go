package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/driftline/driftline/pkg/catalog"
	"github.com/driftline/driftline/pkg/drift"
	"github.com/driftline/driftline/pkg/engine"
	"github.com/driftline/driftline/pkg/heal"
	"github.com/driftline/driftline/pkg/snapshot"
	"github.com/driftline/driftline/pkg/telemetry"
)

// runtime bundles the wired engine and its supporting pieces for one
// command invocation.
type runtime struct {
	cfg        engine.Config
	store      *catalog.SQLiteStore
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	events     *telemetry.EventPublisher
	reconciler *engine.Reconciler
}

// newRuntime loads configuration and wires a reconciler against the
// file-backed snapshot providers. With dryRun set no executor is wired
// and healing plans are logged instead of applied.
func newRuntime(ctx context.Context, dryRun bool) (*runtime, error) {
	cfg, err := loadEngineConfig()
	if err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	events, err := telemetry.NewEventPublisher(cfg.Telemetry.Events)
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	store, err := catalog.NewSQLiteStore(catalog.Config{Path: cfg.DatabasePath})
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate catalog: %w", err)
	}

	opts := engine.Options{
		Store:    store,
		Desired:  snapshot.NewFileProvider(desiredPath),
		Actual:   snapshot.NewFileProvider(actualPath),
		Sink:     &printingSink{},
		Notifier: &logNotifier{},
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
		Events:   events,
	}
	if !dryRun {
		opts.Executor = snapshot.NewApplier(actualPath)
	}

	rec, err := engine.NewReconciler(cfg, opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &runtime{
		cfg:        cfg,
		store:      store,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		events:     events,
		reconciler: rec,
	}, nil
}

func (rt *runtime) close(ctx context.Context) {
	if rt.events != nil {
		rt.events.Close()
	}
	if rt.tracer != nil {
		if err := rt.tracer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}
	if err := rt.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Catalog close failed")
	}
}

func loadEngineConfig() (engine.Config, error) {
	if configPath == "" {
		cfg := engine.DefaultConfig(project)
		if verbose {
			cfg.Telemetry.Logging.Level = "debug"
		}
		return cfg, nil
	}

	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// printingSink writes change proposals to stdout as they are submitted.
type printingSink struct{}

func (s *printingSink) Submit(_ context.Context, proposal heal.ChangeProposal) error {
	if jsonOutput {
		data, err := json.MarshalIndent(proposal, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("proposal %s: %d resource(s), severity %s, cascade risk %d, review window %s\n",
		proposal.ID, len(proposal.Resources), proposal.Severity, proposal.CascadeRisk, proposal.ReviewWindow)
	for _, item := range proposal.Items {
		fmt.Printf("  - %s %s %s: desired=%q observed=%q\n",
			item.ResourceID, item.Kind, item.Field, item.Desired, item.Observed)
	}
	return nil
}

// logNotifier surfaces high-severity drift through the CLI logger.
type logNotifier struct{}

func (n *logNotifier) NotifyDrift(_ context.Context, proj string, item drift.Item) error {
	log.Warn().
		Str("project", proj).
		Str("resource", item.ResourceID).
		Str("kind", string(item.Kind)).
		Str("severity", string(item.Severity)).
		Str("field", item.Field).
		Msg("High-severity drift detected")
	return nil
}

func printReport(report *engine.CycleReport) error {
	if jsonOutput {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("cycle %s (%s): %s\n", report.CycleID, report.Project, report.Summary())
	fmt.Printf("  drift items: %d, healed: %d, proposals: %d, duration: %s\n",
		report.DriftItems, report.Healed, report.Proposals, report.Duration)
	if report.Planned > 0 {
		fmt.Printf("  planned (not executed): %d\n", report.Planned)
	}
	if report.Removed > 0 {
		fmt.Printf("  resources marked removed: %d\n", report.Removed)
	}
	if len(report.FailedResources) > 0 {
		fmt.Fprintf(os.Stderr, "  %d resource(s) could not be classified:\n", len(report.FailedResources))
		for id, reason := range report.FailedResources {
			fmt.Fprintf(os.Stderr, "    %s: %s\n", id, reason)
		}
	}
	if report.Degraded {
		fmt.Fprintln(os.Stderr, "  warning: dependency graph is running degraded (catalog unavailable)")
	}
	return nil
}
