package catalog

import (
	"context"
	"time"
)

// ResourceRecord is the durable form of a managed resource. Resources are
// created when first observed and updated when new metadata arrives; removal
// is a tracked event, never a silent delete.
type ResourceRecord struct {
	Project   string            `json:"project"`
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Phase     string            `json:"phase,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Outputs   map[string]string `json:"outputs,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	RemovedAt *time.Time        `json:"removed_at,omitempty"`
}

// EdgeRecord is the durable form of a dependency relationship.
// Source depends on target.
type EdgeRecord struct {
	Project      string    `json:"project"`
	Source       string    `json:"source"`
	Target       string    `json:"target"`
	Relationship string    `json:"relationship"`
	Confidence   float64   `json:"confidence"`
	Method       string    `json:"method"`
	CreatedAt    time.Time `json:"created_at"`
}

// BreakerRecord is the single circuit-breaker record per project. It is
// mutated exclusively through compare-and-swap conditional writes keyed on
// Version.
type BreakerRecord struct {
	Project      string        `json:"project"`
	State        string        `json:"state"`
	FailureCount int           `json:"failure_count"`
	WindowStart  time.Time     `json:"window_start"`
	OpenedAt     *time.Time    `json:"opened_at,omitempty"`
	RetryAfter   time.Duration `json:"retry_after"`
	MaxInflight  int           `json:"max_inflight"`
	Version      int64         `json:"version"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ActionRecord is an audit entry for a healing action or change proposal
// taken in response to drift. Drift items themselves are not persisted; only
// the actions taken are.
type ActionRecord struct {
	ID         int64     `json:"id"`
	Project    string    `json:"project"`
	CycleID    string    `json:"cycle_id"`
	ResourceID string    `json:"resource_id,omitempty"`
	Action     string    `json:"action"`
	Details    string    `json:"details,omitempty"` // JSON blob
	Timestamp  time.Time `json:"timestamp"`
}

// Store defines the persistence contract for the reconciliation engine.
// Edge lookups in both directions must be served without a full scan, and
// breaker mutations require compare-and-swap support.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Resource operations
	UpsertResource(ctx context.Context, rec *ResourceRecord) error
	GetResource(ctx context.Context, project, id string) (*ResourceRecord, error)
	ListResources(ctx context.Context, project string) ([]*ResourceRecord, error)
	MarkResourceRemoved(ctx context.Context, project, id string) error

	// Edge operations
	UpsertEdge(ctx context.Context, rec *EdgeRecord) error
	DeleteEdge(ctx context.Context, project, source, target string) error
	EdgesFrom(ctx context.Context, project, source string) ([]*EdgeRecord, error)
	EdgesInto(ctx context.Context, project, target string) ([]*EdgeRecord, error)

	// Circuit breaker operations
	GetBreaker(ctx context.Context, project string) (*BreakerRecord, error)
	CreateBreaker(ctx context.Context, rec *BreakerRecord) error
	// UpdateBreaker writes rec only if the stored version still equals
	// expectedVersion; a lost race returns a conflict error with code
	// CAS_CONFLICT and leaves the stored record untouched.
	UpdateBreaker(ctx context.Context, rec *BreakerRecord, expectedVersion int64) error

	// Action audit operations
	AppendAction(ctx context.Context, rec *ActionRecord) error
	ListActions(ctx context.Context, project string, cycleID *string, limit, offset int) ([]*ActionRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
