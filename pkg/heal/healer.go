package heal

import (
	"context"
	"sort"
	"time"

	"github.com/driftline/driftline/pkg/drift"
	"github.com/driftline/driftline/pkg/errdefs"
	"github.com/driftline/driftline/pkg/graph"
	"github.com/driftline/driftline/pkg/telemetry"
)

// Healer turns the auto-healable subset of a cycle's drift items into an
// ordered healing plan. It never applies anything itself; execution
// belongs to the deployment executor behind the circuit breaker.
type Healer struct {
	project string
	query   *graph.QueryAPI
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewHealer creates a healer over the given query facade.
func NewHealer(project string, query *graph.QueryAPI, logger *telemetry.Logger, metrics *telemetry.Metrics) *Healer {
	if logger == nil {
		logger = telemetry.Default()
	}
	return &Healer{
		project: project,
		query:   query,
		logger:  logger.NewComponentLogger("healer").WithProject(project),
		metrics: metrics,
	}
}

// CanAutoHeal reports whether a single drift item is safe to correct
// without review.
func (h *Healer) CanAutoHeal(item drift.Item) bool {
	return drift.CanAutoHeal(item)
}

// Plan sequences the auto-healable items into a dependency-respecting
// healing plan. Items must already be the healable partition; any unsafe
// item present fails the plan. If the healing order cannot be computed
// the plan fails closed: no partial, unordered plan is ever returned.
func (h *Healer) Plan(ctx context.Context, cycleID string, items []drift.Item) (*HealingPlan, error) {
	plan := &HealingPlan{
		Project:   h.project,
		CycleID:   cycleID,
		Actions:   []Action{},
		CreatedAt: time.Now().UTC(),
	}
	if len(items) == 0 {
		return plan, nil
	}

	byResource := map[string][]drift.Item{}
	severity := map[string]drift.Severity{}
	for _, item := range items {
		if !drift.CanAutoHeal(item) {
			return nil, errdefs.NewPermanent(
				"unhealable drift item passed to plan generation",
				nil,
			).WithCode(errdefs.CodePlanGenerationFailed).WithResource(item.ResourceID)
		}
		byResource[item.ResourceID] = append(byResource[item.ResourceID], item)
		severity[item.ResourceID] = severity[item.ResourceID].Max(item.Severity)
	}

	ids := make([]string, 0, len(byResource))
	for id := range byResource {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	order, err := h.query.HealingOrder(ctx, ids, severity)
	if err != nil {
		h.logger.WithCycleID(cycleID).WithError(err).
			Error("healing order unavailable, aborting plan generation")
		return nil, errdefs.NewPermanent("healing order could not be computed", err).
			WithCode(errdefs.CodePlanGenerationFailed).
			WithOperation("plan")
	}

	for _, id := range order {
		resourceItems, ok := byResource[id]
		if !ok {
			// Transitive dependency with no pending drift; nothing to heal.
			continue
		}
		sort.Slice(resourceItems, func(i, j int) bool {
			return resourceItems[i].Field < resourceItems[j].Field
		})
		for _, item := range resourceItems {
			plan.Actions = append(plan.Actions, Action{
				ResourceID: id,
				Item:       item,
				Order:      len(plan.Actions),
			})
			if h.metrics != nil {
				h.metrics.RecordHealingAction(string(item.Kind))
			}
		}
	}

	return plan, nil
}
