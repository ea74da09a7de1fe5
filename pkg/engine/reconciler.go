package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftline/driftline/pkg/breaker"
	"github.com/driftline/driftline/pkg/catalog"
	"github.com/driftline/driftline/pkg/drift"
	"github.com/driftline/driftline/pkg/errdefs"
	"github.com/driftline/driftline/pkg/graph"
	"github.com/driftline/driftline/pkg/heal"
	"github.com/driftline/driftline/pkg/telemetry"
)

// Options carries the external collaborators and telemetry plumbing for a
// reconciler. Store, Desired, and Actual are required; the rest may be
// nil.
type Options struct {
	Store    catalog.Store
	Desired  DesiredStateProvider
	Actual   ActualStateProvider
	Executor DeploymentExecutor
	Sink     ProposalSink
	Notifier NotificationSink

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

// Reconciler drives one project's reconciliation cycles: fetch both
// state snapshots, detect drift, heal the safe subset in dependency
// order, and raise proposals for the rest, all gated by the circuit
// breaker.
type Reconciler struct {
	cfg  Config
	opts Options

	graph     *graph.Graph
	query     *graph.QueryAPI
	populator *graph.Populator
	detector  *drift.Detector
	healer    *heal.Healer
	reverse   *heal.ReverseSync
	breaker   *breaker.Breaker

	logger *telemetry.Logger
}

// NewReconciler wires the engine together for one project.
func NewReconciler(cfg Config, opts Options) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Desired == nil || opts.Actual == nil {
		return nil, errdefs.NewPermanent("desired and actual state providers are required", nil).
			WithCode(errdefs.CodeValidation)
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.Default()
	}

	g := graph.NewGraph(cfg.Project, opts.Store, logger, opts.Metrics)
	q := graph.NewQueryAPI(g, cfg.CacheTTL, logger, opts.Metrics)

	return &Reconciler{
		cfg:       cfg,
		opts:      opts,
		graph:     g,
		query:     q,
		populator: graph.NewPopulator(g, cfg.MinConfidence, logger, opts.Metrics),
		detector:  drift.NewDetector(logger, opts.Metrics),
		healer:    heal.NewHealer(cfg.Project, q, logger, opts.Metrics),
		reverse:   heal.NewReverseSync(cfg.Project, q, logger, opts.Metrics),
		breaker:   breaker.New(cfg.Project, opts.Store, cfg.Breaker, logger, opts.Metrics, opts.Events),
		logger:    logger.NewComponentLogger("reconciler").WithProject(cfg.Project),
	}, nil
}

// Query exposes the graph query facade for inspection commands.
func (r *Reconciler) Query() *graph.QueryAPI {
	return r.query
}

// Breaker exposes the circuit breaker for status and reset commands.
func (r *Reconciler) Breaker() *breaker.Breaker {
	return r.breaker
}

// RunCycle executes one reconciliation cycle. The returned report is
// never nil; an aborted cycle carries its reason in both the report and
// the error.
func (r *Reconciler) RunCycle(ctx context.Context) (*CycleReport, error) {
	cycleID := uuid.New().String()
	report := &CycleReport{
		Project:   r.cfg.Project,
		CycleID:   cycleID,
		StartedAt: time.Now().UTC(),
	}
	logger := r.logger.WithCycleID(cycleID)

	ctx, span := r.startCycleSpan(ctx, cycleID)
	defer span.End()

	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordCycleStarted(r.cfg.Project)
	}
	r.audit(ctx, cycleID, "", "cycle_started", nil)
	logger.Info("reconciliation cycle started")

	// Breaker gate: an open breaker rejects the whole cycle immediately.
	if err := r.breaker.Allow(ctx); err != nil {
		return r.abort(ctx, report, "circuit breaker open", err)
	}

	desired, err := r.fetchSnapshot(ctx, "desired", func(fetchCtx context.Context) (*drift.Snapshot, error) {
		return r.opts.Desired.DesiredState(fetchCtx, r.cfg.Project)
	})
	if err != nil {
		r.breaker.RecordFailure(ctx)
		return r.abort(ctx, report, "desired state unavailable", err)
	}

	actual, err := r.fetchSnapshot(ctx, "actual", func(fetchCtx context.Context) (*drift.Snapshot, error) {
		return r.opts.Actual.ActualState(fetchCtx, r.cfg.Project)
	})
	if err != nil {
		r.breaker.RecordFailure(ctx)
		return r.abort(ctx, report, "actual state unavailable", err)
	}

	if err := r.populate(ctx, desired, actual); err != nil {
		return r.abort(ctx, report, "graph population failed", err)
	}

	report.Removed = r.prune(ctx, cycleID, desired, actual)

	detectCtx, detectSpan := r.startDetectSpan(ctx)
	result, err := r.detector.Detect(desired, actual)
	if err != nil {
		telemetry.RecordError(detectSpan, err)
		detectSpan.End()
		return r.abort(detectCtx, report, "drift detection failed", err)
	}
	telemetry.RecordSuccess(detectSpan)
	detectSpan.End()

	report.DriftItems = len(result.Items)
	if len(result.Failed) > 0 {
		report.FailedResources = map[string]string{}
		for id, ferr := range result.Failed {
			report.FailedResources[id] = ferr.Error()
		}
	}

	r.notifySevere(ctx, result.Items)

	healable, unhealable := drift.Split(result.Items)
	if len(healable) == 0 && len(unhealable) == 0 {
		report.Outcome = OutcomeNothingToDo
		return r.finish(ctx, report, logger)
	}

	if len(healable) > 0 {
		healed, planned, err := r.heal(ctx, cycleID, healable)
		report.Healed = healed
		report.Planned = planned
		if err != nil {
			r.breaker.RecordFailure(ctx)
			return r.abort(ctx, report, "healing failed", err)
		}
	}

	if len(unhealable) > 0 {
		raised, err := r.propose(ctx, cycleID, unhealable)
		report.Proposals = raised
		if err != nil {
			r.breaker.RecordFailure(ctx)
			return r.abort(ctx, report, "proposal submission failed", err)
		}
	}

	r.breaker.RecordSuccess(ctx)
	report.Outcome = OutcomeCompleted
	return r.finish(ctx, report, logger)
}

// fetchSnapshot calls an external state provider with a per-attempt
// timeout and bounded exponential backoff. Permanent errors stop the
// retry loop immediately.
func (r *Reconciler) fetchSnapshot(ctx context.Context, name string, fetch func(context.Context) (*drift.Snapshot, error)) (*drift.Snapshot, error) {
	var lastErr error
	backoff := r.cfg.BackoffBase

	for attempt := 0; attempt <= r.cfg.FetchRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return nil, errdefs.NewTransient(fmt.Sprintf("%s state fetch cancelled", name), ctx.Err()).
					WithCode(errdefs.CodeTimeout)
			}
			backoff *= 2
		}

		fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
		snapshot, err := fetch(fetchCtx)
		cancel()

		if err == nil {
			return snapshot, nil
		}
		lastErr = err
		if errdefs.IsPermanent(err) {
			break
		}
		r.logger.WithError(err).
			WithField("attempt", attempt+1).
			Warnf("%s state fetch failed, retrying", name)
	}

	return nil, errdefs.NewTransient(fmt.Sprintf("%s state fetch exhausted retries", name), lastErr).
		WithCode(errdefs.CodeTimeout).
		WithOperation("fetch_" + name)
}

// populate registers both snapshots' resources with the graph. Desired
// resources carry declared dependencies; actual resources contribute
// observed outputs for reference inference.
func (r *Reconciler) populate(ctx context.Context, desired, actual *drift.Snapshot) error {
	for _, id := range sortedResourceIDs(desired) {
		state := desired.Resources[id]
		refs := make([]graph.Reference, 0, len(state.DependsOn))
		for _, target := range state.DependsOn {
			refs = append(refs, graph.Reference{Target: target, Relationship: "depends_on"})
		}
		info := graph.ResourceInfo{
			ID:         id,
			Type:       state.Type,
			Phase:      state.Phase,
			Metadata:   state.Config,
			References: refs,
		}
		if _, err := r.populator.RegisterResource(ctx, info); err != nil {
			return err
		}
	}

	for _, id := range sortedResourceIDs(actual) {
		state := actual.Resources[id]
		info := graph.ResourceInfo{
			ID:       id,
			Type:     state.Type,
			Phase:    state.Phase,
			Metadata: state.Config,
			Outputs:  state.Outputs,
		}
		if _, err := r.populator.RegisterResource(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

// prune marks catalog resources absent from both snapshots as removed.
// Removal is a tracked event: the record keeps its removal time instead
// of being deleted. Prune failures degrade to warnings so a catalog
// hiccup never aborts the cycle.
func (r *Reconciler) prune(ctx context.Context, cycleID string, desired, actual *drift.Snapshot) int {
	if r.opts.Store == nil {
		return 0
	}

	records, err := r.opts.Store.ListResources(ctx, r.cfg.Project)
	if err != nil {
		r.logger.WithError(err).Warn("resource prune skipped, catalog listing failed")
		return 0
	}

	removed := 0
	for _, rec := range records {
		if _, ok := desired.Resources[rec.ID]; ok {
			continue
		}
		if _, ok := actual.Resources[rec.ID]; ok {
			continue
		}
		if err := r.opts.Store.MarkResourceRemoved(ctx, r.cfg.Project, rec.ID); err != nil {
			r.logger.WithError(err).WithResourceID(rec.ID).
				Warn("failed to mark vanished resource removed")
			continue
		}
		removed++
		r.audit(ctx, cycleID, rec.ID, "resource_removed", map[string]interface{}{
			"type": rec.Type,
		})
		r.logger.WithResourceID(rec.ID).
			Info("resource vanished from both snapshots, marked removed")
	}
	return removed
}

// heal executes the healing plan through the deployment executor. Each
// step is a cancellation point; a step itself is atomic. Actions run
// strictly in plan order and each holds an in-flight slot.
func (r *Reconciler) heal(ctx context.Context, cycleID string, items []drift.Item) (healed, planned int, err error) {
	planCtx, planSpan := r.startPlanSpan(ctx, len(items))
	plan, err := r.healer.Plan(planCtx, cycleID, items)
	if err != nil {
		telemetry.RecordError(planSpan, err)
		planSpan.End()
		return 0, 0, err
	}
	telemetry.RecordSuccess(planSpan)
	planSpan.End()

	if r.opts.Executor == nil {
		// Plan-only mode: report what would be healed without acting.
		r.logger.WithCycleID(cycleID).
			WithField("actions", len(plan.Actions)).
			Info("no deployment executor configured, skipping plan execution")
		r.audit(ctx, cycleID, "", "plan_generated", map[string]interface{}{
			"actions": len(plan.Actions),
		})
		return 0, len(plan.Actions), nil
	}

	for _, action := range plan.Actions {
		// Cancellation between steps, never mid-step.
		if err := ctx.Err(); err != nil {
			return healed, 0, errdefs.NewTransient("cycle cancelled between healing steps", err).
				WithCode(errdefs.CodeTimeout)
		}
		if err := r.breaker.Allow(ctx); err != nil {
			return healed, 0, err
		}
		if err := r.breaker.Acquire(ctx); err != nil {
			return healed, 0, err
		}

		execErr := r.opts.Executor.Execute(ctx, action)
		r.breaker.Release()

		if execErr != nil {
			r.audit(ctx, cycleID, action.ResourceID, "heal_failed", map[string]interface{}{
				"kind":  action.Item.Kind,
				"field": action.Item.Field,
				"error": execErr.Error(),
			})
			return healed, 0, errdefs.NewTransient(
				fmt.Sprintf("healing action for %s failed", action.ResourceID), execErr,
			).WithResource(action.ResourceID).WithOperation("heal")
		}

		healed++
		r.audit(ctx, cycleID, action.ResourceID, "heal_applied", map[string]interface{}{
			"kind":    action.Item.Kind,
			"field":   action.Item.Field,
			"desired": action.Item.Desired,
		})
	}

	return healed, 0, nil
}

// propose raises reverse-sync proposals through the sink.
func (r *Reconciler) propose(ctx context.Context, cycleID string, items []drift.Item) (int, error) {
	proposals, err := r.reverse.ProposeUpdates(ctx, cycleID, items)
	if err != nil {
		return 0, err
	}

	raised := 0
	for _, proposal := range proposals {
		if r.opts.Sink != nil {
			if err := r.opts.Sink.Submit(ctx, proposal); err != nil {
				return raised, errdefs.NewTransient(
					fmt.Sprintf("proposal %s submission failed", proposal.ID), err,
				).WithOperation("propose")
			}
		}
		raised++
		r.audit(ctx, cycleID, "", "proposal_raised", map[string]interface{}{
			"proposal_id":   proposal.ID,
			"resources":     proposal.Resources,
			"cascade_risk":  proposal.CascadeRisk,
			"review_window": proposal.ReviewWindow,
		})
	}

	return raised, nil
}

// notifySevere pushes high and critical drift to the notification sink
// and event stream.
func (r *Reconciler) notifySevere(ctx context.Context, items []drift.Item) {
	for _, item := range items {
		if !item.Severity.AtLeast(drift.SeverityHigh) {
			continue
		}
		if r.opts.Events != nil {
			_ = r.opts.Events.PublishDriftDetected(r.cfg.Project, item.ResourceID, string(item.Kind), string(item.Severity))
		}
		if r.opts.Notifier != nil {
			if err := r.opts.Notifier.NotifyDrift(ctx, r.cfg.Project, item); err != nil {
				r.logger.WithError(err).WithResourceID(item.ResourceID).
					Warn("drift notification failed")
			}
		}
	}
}

func (r *Reconciler) finish(ctx context.Context, report *CycleReport, logger *telemetry.Logger) (*CycleReport, error) {
	report.Duration = time.Since(report.StartedAt)
	report.Degraded = r.graph.Degraded()

	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordCycleCompleted(r.cfg.Project, report.Outcome, report.Duration)
	}
	if r.opts.Events != nil {
		_ = r.opts.Events.PublishCycleCompleted(r.cfg.Project, report.CycleID, report.Outcome, report.Duration)
	}
	r.audit(ctx, report.CycleID, "", "cycle_completed", map[string]interface{}{
		"outcome":   report.Outcome,
		"healed":    report.Healed,
		"planned":   report.Planned,
		"proposals": report.Proposals,
		"removed":   report.Removed,
	})

	logger.WithField("outcome", report.Summary()).Info("reconciliation cycle finished")
	return report, nil
}

func (r *Reconciler) abort(ctx context.Context, report *CycleReport, reason string, cause error) (*CycleReport, error) {
	report.Duration = time.Since(report.StartedAt)
	report.Degraded = r.graph.Degraded()
	report.Outcome = OutcomeAborted
	report.AbortReason = reason

	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordCycleCompleted(r.cfg.Project, OutcomeAborted, report.Duration)
	}
	if r.opts.Events != nil {
		_ = r.opts.Events.PublishCycleAborted(r.cfg.Project, report.CycleID, reason)
	}
	r.audit(ctx, report.CycleID, "", "cycle_aborted", map[string]interface{}{
		"reason": reason,
	})

	r.logger.WithCycleID(report.CycleID).WithError(cause).
		Errorf("reconciliation cycle aborted: %s", reason)
	return report, cause
}

// audit appends an action record; audit failures are logged, never
// propagated.
func (r *Reconciler) audit(ctx context.Context, cycleID, resourceID, action string, details map[string]interface{}) {
	if r.opts.Store == nil {
		return
	}

	payload := ""
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			payload = string(data)
		}
	}

	rec := &catalog.ActionRecord{
		Project:    r.cfg.Project,
		CycleID:    cycleID,
		ResourceID: resourceID,
		Action:     action,
		Details:    payload,
		Timestamp:  time.Now().UTC(),
	}
	if err := r.opts.Store.AppendAction(ctx, rec); err != nil {
		r.logger.WithError(err).Warn("audit append failed")
	}
}

// Span helpers degrade to no-op spans when tracing is not configured.

func (r *Reconciler) startCycleSpan(ctx context.Context, cycleID string) (context.Context, trace.Span) {
	if r.opts.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.opts.Tracer.StartCycleSpan(ctx, r.cfg.Project, cycleID)
}

func (r *Reconciler) startDetectSpan(ctx context.Context) (context.Context, trace.Span) {
	if r.opts.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.opts.Tracer.StartDetectSpan(ctx, r.cfg.Project)
}

func (r *Reconciler) startPlanSpan(ctx context.Context, items int) (context.Context, trace.Span) {
	if r.opts.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return r.opts.Tracer.StartPlanSpan(ctx, r.cfg.Project, items)
}

func sortedResourceIDs(s *drift.Snapshot) []string {
	ids := make([]string, 0, len(s.Resources))
	for id := range s.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
