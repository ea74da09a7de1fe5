package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the reconciliation engine.
type Metrics struct {
	config MetricsConfig

	// Reconciliation cycle metrics
	cyclesStarted   *prometheus.CounterVec
	cyclesCompleted *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec

	// Drift metrics
	driftItems *prometheus.CounterVec

	// Healing metrics
	healingActionsPlanned *prometheus.CounterVec
	proposalsRaised       *prometheus.CounterVec

	// Graph metrics
	edgesInferred  *prometheus.CounterVec
	edgesRejected  *prometheus.CounterVec
	graphResources prometheus.Gauge

	// Query cache metrics
	cacheLookups *prometheus.CounterVec

	// Circuit breaker metrics
	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cyclesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_started_total",
				Help:      "Total number of reconciliation cycles started",
			},
			[]string{"project"},
		),
		cyclesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_completed_total",
				Help:      "Total number of reconciliation cycles completed",
			},
			[]string{"project", "outcome"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of reconciliation cycles in seconds",
				Buckets:   buckets,
			},
			[]string{"project", "outcome"},
		),

		driftItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_items_total",
				Help:      "Total number of drift items detected",
			},
			[]string{"kind", "severity"},
		),

		healingActionsPlanned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "healing_actions_planned_total",
				Help:      "Total number of healing actions included in plans",
			},
			[]string{"kind"},
		),
		proposalsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "change_proposals_total",
				Help:      "Total number of reverse-sync change proposals raised",
			},
			[]string{"review_window"},
		),

		edgesInferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "edges_inferred_total",
				Help:      "Total number of dependency edges inferred",
			},
			[]string{"method"},
		),
		edgesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "edges_rejected_total",
				Help:      "Total number of edge insertions rejected",
			},
			[]string{"reason"},
		),
		graphResources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "graph_resources",
				Help:      "Current number of resources hydrated in the graph",
			},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_cache_lookups_total",
				Help:      "Total number of graph query cache lookups",
			},
			[]string{"result"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"project", "from", "to"},
		),
		breakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_rejections_total",
				Help:      "Total number of reconciliation attempts rejected by the breaker",
			},
			[]string{"project"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.cyclesStarted,
		m.cyclesCompleted,
		m.cycleDuration,
		m.driftItems,
		m.healingActionsPlanned,
		m.proposalsRaised,
		m.edgesInferred,
		m.edgesRejected,
		m.graphResources,
		m.cacheLookups,
		m.breakerTransitions,
		m.breakerRejections,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// RecordCycleStarted increments the counter for started cycles.
func (m *Metrics) RecordCycleStarted(project string) {
	if m.cyclesStarted == nil {
		return
	}
	m.cyclesStarted.WithLabelValues(project).Inc()
}

// RecordCycleCompleted records a completed cycle with its outcome and duration.
func (m *Metrics) RecordCycleCompleted(project, outcome string, duration time.Duration) {
	if m.cyclesCompleted == nil {
		return
	}
	m.cyclesCompleted.WithLabelValues(project, outcome).Inc()
	m.cycleDuration.WithLabelValues(project, outcome).Observe(duration.Seconds())
}

// RecordDriftItem records a detected drift item by kind and severity.
func (m *Metrics) RecordDriftItem(kind, severity string) {
	if m.driftItems == nil {
		return
	}
	m.driftItems.WithLabelValues(kind, severity).Inc()
}

// RecordHealingAction records a healing action included in a plan.
func (m *Metrics) RecordHealingAction(kind string) {
	if m.healingActionsPlanned == nil {
		return
	}
	m.healingActionsPlanned.WithLabelValues(kind).Inc()
}

// RecordProposal records a reverse-sync proposal by review window.
func (m *Metrics) RecordProposal(reviewWindow string) {
	if m.proposalsRaised == nil {
		return
	}
	m.proposalsRaised.WithLabelValues(reviewWindow).Inc()
}

// RecordEdgeInferred records an inferred edge by detection method.
func (m *Metrics) RecordEdgeInferred(method string) {
	if m.edgesInferred == nil {
		return
	}
	m.edgesInferred.WithLabelValues(method).Inc()
}

// RecordEdgeRejected records a rejected edge insertion (cycle, low confidence).
func (m *Metrics) RecordEdgeRejected(reason string) {
	if m.edgesRejected == nil {
		return
	}
	m.edgesRejected.WithLabelValues(reason).Inc()
}

// SetGraphResources sets the current number of hydrated graph resources.
func (m *Metrics) SetGraphResources(count float64) {
	if m.graphResources == nil {
		return
	}
	m.graphResources.Set(count)
}

// RecordCacheLookup records a query cache lookup result ("hit" or "miss").
func (m *Metrics) RecordCacheLookup(result string) {
	if m.cacheLookups == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordBreakerTransition records a circuit breaker state transition.
func (m *Metrics) RecordBreakerTransition(project, from, to string) {
	if m.breakerTransitions == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(project, from, to).Inc()
}

// RecordBreakerRejection records an attempt rejected by an open breaker.
func (m *Metrics) RecordBreakerRejection(project string) {
	if m.breakerRejections == nil {
		return
	}
	m.breakerRejections.WithLabelValues(project).Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
