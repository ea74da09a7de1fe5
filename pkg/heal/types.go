package heal

import (
	"time"

	"github.com/driftline/driftline/pkg/drift"
)

// Action is one corrective step in a healing plan.
type Action struct {
	ResourceID string     `json:"resource_id"`
	Item       drift.Item `json:"item"`
	// Order is the position in the dependency-respecting sequence.
	Order int `json:"order"`
}

// HealingPlan is an ordered sequence of corrective actions for one cycle.
// A resource's dependencies always precede it. Plans are generated fresh
// per cycle and discarded after execution.
type HealingPlan struct {
	Project   string    `json:"project"`
	CycleID   string    `json:"cycle_id"`
	Actions   []Action  `json:"actions"`
	CreatedAt time.Time `json:"created_at"`
}

// ChangeProposal is a reverse-sync review unit: a cluster of related
// unhealable drift items with the risk context a reviewer needs.
type ChangeProposal struct {
	ID        string       `json:"id"`
	Project   string       `json:"project"`
	CycleID   string       `json:"cycle_id"`
	Resources []string     `json:"resources"`
	Items     []drift.Item `json:"items"`
	// CascadeRisk is the score of the proposal's riskiest member.
	CascadeRisk  int            `json:"cascade_risk"`
	Severity     drift.Severity `json:"severity"`
	ReviewWindow string         `json:"review_window"`
	Rationale    string         `json:"rationale"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Review windows, derived from cascade risk.
const (
	ReviewWindowStandard    = "standard"
	ReviewWindowNextDay     = "next_business_day"
	ReviewWindowMaintenance = "maintenance_window"
)
