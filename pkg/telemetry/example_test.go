package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/driftline/driftline/pkg/telemetry"
)

// Example_structuredLogging demonstrates component loggers with engine
// context fields.
func Example_structuredLogging() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "stdout"

	logger, _ := telemetry.NewLogger(cfg.Logging)

	// Component-specific logger with cycle context
	cycleLogger := logger.NewComponentLogger("reconciler").
		WithProject("prod").
		WithCycleID("cycle-123")

	cycleLogger.Info("Reconciliation cycle started")
	cycleLogger.WithResourceID("db-main").Warn("Configuration drift detected")

	// Log with error
	err := fmt.Errorf("provider timeout")
	cycleLogger.WithError(err).Error("Actual state fetch failed")

	// Output varies, no output specified
}

// Example_metricsCollection demonstrates recording engine metrics.
func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()
	metrics, _ := telemetry.NewMetrics(cfg.Metrics)

	metrics.RecordCycleStarted("prod")

	start := time.Now()
	time.Sleep(10 * time.Millisecond)

	metrics.RecordDriftItem("configuration", "high")
	metrics.RecordEdgeInferred("output_reference")
	metrics.RecordHealingAction("tag")
	metrics.RecordCacheLookup("hit")

	metrics.RecordCycleCompleted("prod", "completed", time.Since(start))

	fmt.Println("Metrics recorded successfully")
	// Output: Metrics recorded successfully
}

// Example_eventPublishing demonstrates subscribing to engine events.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	events, _ := telemetry.NewEventPublisher(cfg.Events)
	defer events.Close()

	events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Event: %s\n", event.Type)
	})

	_ = events.PublishDriftDetected("prod", "db-main", "configuration", "high")
	_ = events.PublishBreakerTransition("prod", "closed", "open", "failure threshold reached")
	_ = events.PublishCycleCompleted("prod", "cycle-123", "completed", 250*time.Millisecond)

	// Output varies due to async delivery, no output specified
}

// Example_tracing demonstrates cycle span instrumentation.
func Example_tracing() {
	cfg := telemetry.DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"

	tracer, _ := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	ctx, span := tracer.StartCycleSpan(context.Background(), "prod", "cycle-123")
	defer span.End()

	_, detectSpan := tracer.StartDetectSpan(ctx, "prod")
	time.Sleep(5 * time.Millisecond)
	telemetry.RecordSuccess(detectSpan)
	detectSpan.End()

	fmt.Println("Tracing complete")
	// Output: Tracing complete
}
