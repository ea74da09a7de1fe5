package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/driftline/driftline/pkg/errdefs"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStorePoolConfiguration tests that configured pool limits are
// applied and unset ones fall back to defaults
func TestStorePoolConfiguration(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path:            ":memory:",
		MaxOpenConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("expected configured max open conns 1, got %d", store.cfg.MaxOpenConns)
	}
	if store.cfg.MaxIdleConns != 5 {
		t.Errorf("expected default max idle conns 5, got %d", store.cfg.MaxIdleConns)
	}
	if store.cfg.ConnMaxLifetime != time.Minute {
		t.Errorf("expected configured lifetime 1m, got %v", store.cfg.ConnMaxLifetime)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	if got := store.db.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("expected pool limited to 1 connection, got %d", got)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"resources", "edges", "breaker_state", "actions"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestResourceCRUD tests resource record operations
func TestResourceCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := &ResourceRecord{
		Project:   "prod",
		ID:        "db-main",
		Type:      "database",
		Phase:     "ready",
		Metadata:  map[string]string{"engine": "postgres"},
		Outputs:   map[string]string{"endpoint": "db-main.internal:5432"},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := store.UpsertResource(ctx, rec); err != nil {
		t.Fatalf("failed to upsert resource: %v", err)
	}

	retrieved, err := store.GetResource(ctx, "prod", "db-main")
	if err != nil {
		t.Fatalf("failed to get resource: %v", err)
	}
	if retrieved.Type != "database" {
		t.Errorf("expected type database, got %s", retrieved.Type)
	}
	if retrieved.Metadata["engine"] != "postgres" {
		t.Errorf("expected metadata engine=postgres, got %v", retrieved.Metadata)
	}
	if retrieved.Outputs["endpoint"] != "db-main.internal:5432" {
		t.Errorf("expected outputs endpoint, got %v", retrieved.Outputs)
	}

	// Update is an upsert on the same key
	rec.Phase = "degraded"
	rec.UpdatedAt = now.Add(time.Minute)
	if err := store.UpsertResource(ctx, rec); err != nil {
		t.Fatalf("failed to update resource: %v", err)
	}

	updated, err := store.GetResource(ctx, "prod", "db-main")
	if err != nil {
		t.Fatalf("failed to get updated resource: %v", err)
	}
	if updated.Phase != "degraded" {
		t.Errorf("expected phase degraded, got %s", updated.Phase)
	}

	// Removal is tracked, not a delete
	if err := store.MarkResourceRemoved(ctx, "prod", "db-main"); err != nil {
		t.Fatalf("failed to mark resource removed: %v", err)
	}

	removed, err := store.GetResource(ctx, "prod", "db-main")
	if err != nil {
		t.Fatalf("removed resource should still be retrievable: %v", err)
	}
	if removed.RemovedAt == nil {
		t.Error("expected removed_at to be set")
	}

	list, err := store.ListResources(ctx, "prod")
	if err != nil {
		t.Fatalf("failed to list resources: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("removed resource should not appear in list, got %d entries", len(list))
	}

	// Reappearing resource is live again
	rec.UpdatedAt = now.Add(2 * time.Minute)
	if err := store.UpsertResource(ctx, rec); err != nil {
		t.Fatalf("failed to re-upsert resource: %v", err)
	}
	revived, err := store.GetResource(ctx, "prod", "db-main")
	if err != nil {
		t.Fatalf("failed to get revived resource: %v", err)
	}
	if revived.RemovedAt != nil {
		t.Error("expected removed_at to be cleared after re-upsert")
	}
}

// TestResourceNotFound tests not-found error classification
func TestResourceNotFound(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	_, err := store.GetResource(ctx, "prod", "missing")
	if err == nil {
		t.Fatal("expected error for missing resource")
	}
	if !errdefs.HasCode(err, errdefs.CodeNotFound) {
		t.Errorf("expected NOT_FOUND code, got %v", err)
	}
	if !errdefs.IsPermanent(err) {
		t.Errorf("expected permanent classification, got %v", err)
	}
}

// TestEdgeRoundTrip tests that a persisted edge reloads with identical
// source, target, relationship, and confidence.
func TestEdgeRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	edge := &EdgeRecord{
		Project:      "prod",
		Source:       "api-server",
		Target:       "db-main",
		Relationship: "depends_on",
		Confidence:   0.9,
		Method:       "output_reference",
		CreatedAt:    now,
	}

	if err := store.UpsertEdge(ctx, edge); err != nil {
		t.Fatalf("failed to upsert edge: %v", err)
	}

	from, err := store.EdgesFrom(ctx, "prod", "api-server")
	if err != nil {
		t.Fatalf("failed to query edges from source: %v", err)
	}
	if len(from) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(from))
	}

	got := from[0]
	if got.Source != edge.Source || got.Target != edge.Target {
		t.Errorf("expected %s -> %s, got %s -> %s", edge.Source, edge.Target, got.Source, got.Target)
	}
	if got.Relationship != edge.Relationship {
		t.Errorf("expected relationship %s, got %s", edge.Relationship, got.Relationship)
	}
	if got.Confidence != edge.Confidence {
		t.Errorf("expected confidence %v, got %v", edge.Confidence, got.Confidence)
	}
	if got.Method != edge.Method {
		t.Errorf("expected method %s, got %s", edge.Method, got.Method)
	}

	// Reverse lookup serves the same edge
	into, err := store.EdgesInto(ctx, "prod", "db-main")
	if err != nil {
		t.Fatalf("failed to query edges into target: %v", err)
	}
	if len(into) != 1 || into[0].Source != "api-server" {
		t.Fatalf("expected reverse lookup to find api-server, got %v", into)
	}
}

// TestEdgeUpsertKeepsHigherConfidence tests idempotent edge insertion
func TestEdgeUpsertKeepsHigherConfidence(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	first := &EdgeRecord{
		Project:      "prod",
		Source:       "api-server",
		Target:       "db-main",
		Relationship: "depends_on",
		Confidence:   0.9,
		Method:       "output_reference",
		CreatedAt:    now,
	}
	if err := store.UpsertEdge(ctx, first); err != nil {
		t.Fatalf("failed to upsert edge: %v", err)
	}

	// Lower-confidence re-inference must not downgrade the edge
	second := &EdgeRecord{
		Project:      "prod",
		Source:       "api-server",
		Target:       "db-main",
		Relationship: "depends_on",
		Confidence:   0.7,
		Method:       "name_pattern",
		CreatedAt:    now.Add(time.Minute),
	}
	if err := store.UpsertEdge(ctx, second); err != nil {
		t.Fatalf("failed to re-upsert edge: %v", err)
	}

	edges, err := store.EdgesFrom(ctx, "prod", "api-server")
	if err != nil {
		t.Fatalf("failed to query edges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge after duplicate insert, got %d", len(edges))
	}
	if edges[0].Confidence != 0.9 {
		t.Errorf("expected confidence to stay at 0.9, got %v", edges[0].Confidence)
	}
	if edges[0].Method != "output_reference" {
		t.Errorf("expected method to stay output_reference, got %s", edges[0].Method)
	}

	// Higher-confidence re-inference upgrades it
	third := &EdgeRecord{
		Project:      "prod",
		Source:       "api-server",
		Target:       "db-main",
		Relationship: "depends_on",
		Confidence:   1.0,
		Method:       "explicit",
		CreatedAt:    now.Add(2 * time.Minute),
	}
	if err := store.UpsertEdge(ctx, third); err != nil {
		t.Fatalf("failed to upgrade edge: %v", err)
	}

	edges, err = store.EdgesFrom(ctx, "prod", "api-server")
	if err != nil {
		t.Fatalf("failed to query edges: %v", err)
	}
	if edges[0].Confidence != 1.0 || edges[0].Method != "explicit" {
		t.Errorf("expected upgraded edge, got confidence=%v method=%s", edges[0].Confidence, edges[0].Method)
	}
}

// TestDeleteEdge tests edge removal
func TestDeleteEdge(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	edge := &EdgeRecord{
		Project:      "prod",
		Source:       "api-server",
		Target:       "cache",
		Relationship: "depends_on",
		Confidence:   0.8,
		Method:       "metadata_reference",
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.UpsertEdge(ctx, edge); err != nil {
		t.Fatalf("failed to upsert edge: %v", err)
	}

	if err := store.DeleteEdge(ctx, "prod", "api-server", "cache"); err != nil {
		t.Fatalf("failed to delete edge: %v", err)
	}

	edges, err := store.EdgesFrom(ctx, "prod", "api-server")
	if err != nil {
		t.Fatalf("failed to query edges: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("expected no edges after delete, got %d", len(edges))
	}

	err = store.DeleteEdge(ctx, "prod", "api-server", "cache")
	if !errdefs.HasCode(err, errdefs.CodeNotFound) {
		t.Errorf("expected NOT_FOUND deleting missing edge, got %v", err)
	}
}

// TestBreakerCAS tests compare-and-swap breaker updates
func TestBreakerCAS(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := &BreakerRecord{
		Project:     "prod",
		State:       "closed",
		WindowStart: now,
		RetryAfter:  5 * time.Minute,
		MaxInflight: 3,
		Version:     1,
		UpdatedAt:   now,
	}
	if err := store.CreateBreaker(ctx, rec); err != nil {
		t.Fatalf("failed to create breaker: %v", err)
	}

	loaded, err := store.GetBreaker(ctx, "prod")
	if err != nil {
		t.Fatalf("failed to get breaker: %v", err)
	}
	if loaded.State != "closed" || loaded.Version != 1 {
		t.Errorf("expected closed/v1, got %s/v%d", loaded.State, loaded.Version)
	}
	if loaded.RetryAfter != 5*time.Minute {
		t.Errorf("expected retry_after 5m, got %v", loaded.RetryAfter)
	}

	// CAS with the current version succeeds and bumps the version
	loaded.State = "open"
	opened := now.Add(time.Minute)
	loaded.OpenedAt = &opened
	if err := store.UpdateBreaker(ctx, loaded, 1); err != nil {
		t.Fatalf("CAS update with correct version failed: %v", err)
	}
	if loaded.Version != 2 {
		t.Errorf("expected version bumped to 2, got %d", loaded.Version)
	}

	// CAS with a stale version is rejected and leaves the record intact
	stale := &BreakerRecord{
		Project:     "prod",
		State:       "closed",
		WindowStart: now,
		RetryAfter:  5 * time.Minute,
		MaxInflight: 3,
	}
	err = store.UpdateBreaker(ctx, stale, 1)
	if err == nil {
		t.Fatal("expected CAS conflict for stale version")
	}
	if !errdefs.HasCode(err, errdefs.CodeCASConflict) {
		t.Errorf("expected CAS_CONFLICT code, got %v", err)
	}
	if !errdefs.IsConflict(err) {
		t.Errorf("expected conflict classification, got %v", err)
	}

	current, err := store.GetBreaker(ctx, "prod")
	if err != nil {
		t.Fatalf("failed to re-read breaker: %v", err)
	}
	if current.State != "open" || current.Version != 2 {
		t.Errorf("stale CAS must not mutate the record, got %s/v%d", current.State, current.Version)
	}
}

// TestActionAudit tests the action audit trail
func TestActionAudit(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	for i, action := range []string{"cycle_started", "heal_applied", "proposal_raised"} {
		rec := &ActionRecord{
			Project:    "prod",
			CycleID:    "cycle-001",
			ResourceID: "db-main",
			Action:     action,
			Details:    `{"kind":"configuration"}`,
			Timestamp:  now.Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendAction(ctx, rec); err != nil {
			t.Fatalf("failed to append action: %v", err)
		}
		if rec.ID == 0 {
			t.Error("expected action ID to be assigned")
		}
	}

	cycleID := "cycle-001"
	actions, err := store.ListActions(ctx, "prod", &cycleID, 10, 0)
	if err != nil {
		t.Fatalf("failed to list actions: %v", err)
	}
	if len(actions) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(actions))
	}
	// Newest first
	if actions[0].Action != "proposal_raised" {
		t.Errorf("expected newest action first, got %s", actions[0].Action)
	}

	other := "cycle-999"
	none, err := store.ListActions(ctx, "prod", &other, 10, 0)
	if err != nil {
		t.Fatalf("failed to list actions for other cycle: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no actions for unknown cycle, got %d", len(none))
	}
}
