package drift

import "time"

// Kind is the closed set of drift variants. Every consumer switches over
// all four; adding a kind is a compile-time-visible change.
type Kind string

const (
	// KindMissing indicates a declared resource is absent from actual state.
	KindMissing Kind = "missing"
	// KindExtra indicates an actual resource is absent from desired state.
	KindExtra Kind = "extra"
	// KindConfiguration indicates a configuration field differs.
	KindConfiguration Kind = "configuration"
	// KindTag indicates only tags differ.
	KindTag Kind = "tag"
)

// Severity expresses how serious a drift item is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for comparisons. Unknown severities rank lowest.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Max returns the more severe of the two.
func (s Severity) Max(other Severity) Severity {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// ResourceState is one resource's configuration as seen in a snapshot.
type ResourceState struct {
	ID     string            `json:"id" yaml:"id"`
	Type   string            `json:"type" yaml:"type"`
	Phase  string            `json:"phase,omitempty" yaml:"phase,omitempty"`
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
	Tags   map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	// DependsOn declares explicit dependencies on other resource ids.
	// Only meaningful in desired-state snapshots.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Outputs carries structured outputs observed on the live resource.
	// Only meaningful in actual-state snapshots.
	Outputs map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Snapshot maps resource id to its state at one point in time. Desired and
// actual snapshots share this shape.
type Snapshot struct {
	Project   string                   `json:"project" yaml:"project"`
	TakenAt   time.Time                `json:"taken_at,omitempty" yaml:"taken_at,omitempty"`
	Resources map[string]ResourceState `json:"resources" yaml:"resources"`
}

// Item is one detected divergence between desired and actual state. Items
// are produced fresh every detection cycle and never persisted.
type Item struct {
	ResourceID   string   `json:"resource_id"`
	ResourceType string   `json:"resource_type,omitempty"`
	Kind         Kind     `json:"kind"`
	Severity     Severity `json:"severity"`
	Field        string   `json:"field,omitempty"`
	Desired      string   `json:"desired,omitempty"`
	Observed     string   `json:"observed,omitempty"`
	// AutoHealable is derived from kind, severity, and whether the change
	// is destructive. Missing and extra drift are never auto-healable.
	AutoHealable bool `json:"auto_healable"`
}

// Result is the outcome of one detection pass. Failures are per resource:
// a resource that could not be classified is reported in Failed and does
// not abort detection for the rest of the snapshot.
type Result struct {
	Items  []Item
	Failed map[string]error
}
