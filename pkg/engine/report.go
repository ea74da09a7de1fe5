package engine

import (
	"fmt"
	"time"
)

// Cycle outcomes. Silence is never used to mean success: every cycle
// ends in exactly one of these.
const (
	OutcomeNothingToDo = "nothing_to_do"
	OutcomeCompleted   = "completed"
	OutcomeAborted     = "aborted"
)

// CycleReport is the explicit status of one reconciliation cycle.
type CycleReport struct {
	Project   string        `json:"project"`
	CycleID   string        `json:"cycle_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	DriftItems int `json:"drift_items"`
	Healed     int `json:"healed"`
	// Planned counts healing actions that were planned but not executed
	// because no deployment executor is configured.
	Planned   int `json:"planned,omitempty"`
	Proposals int `json:"proposals"`
	// Removed counts resources marked removed because they vanished from
	// both snapshots.
	Removed int `json:"removed,omitempty"`

	// FailedResources are per-resource classification failures that did
	// not abort the cycle.
	FailedResources map[string]string `json:"failed_resources,omitempty"`

	Outcome     string `json:"outcome"`
	AbortReason string `json:"abort_reason,omitempty"`

	// Degraded is set when the graph operated without durable
	// persistence during the cycle.
	Degraded bool `json:"degraded,omitempty"`
}

// Summary renders the user-visible status line for the cycle.
func (r *CycleReport) Summary() string {
	switch r.Outcome {
	case OutcomeNothingToDo:
		return "nothing to do"
	case OutcomeAborted:
		return fmt.Sprintf("aborted: %s", r.AbortReason)
	case OutcomeCompleted:
		switch {
		case r.Healed > 0 && r.Proposals > 0:
			return fmt.Sprintf("completed with %d items healed and %d proposals raised", r.Healed, r.Proposals)
		case r.Healed > 0:
			return fmt.Sprintf("completed with %d items healed", r.Healed)
		case r.Planned > 0 && r.Proposals > 0:
			return fmt.Sprintf("completed with %d actions planned (no executor) and %d proposals raised", r.Planned, r.Proposals)
		case r.Planned > 0:
			return fmt.Sprintf("completed with %d actions planned (no executor)", r.Planned)
		case r.Proposals > 0:
			return fmt.Sprintf("completed with %d proposals raised", r.Proposals)
		default:
			return "nothing to do"
		}
	default:
		return r.Outcome
	}
}
