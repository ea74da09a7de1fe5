package catalog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/driftline/driftline/pkg/errdefs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance. Unset pool limits
// fall back to defaults.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg: cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// UpsertResource inserts or updates a resource record. An update clears any
// prior removal mark; reappearing resources are live again.
func (s *SQLiteStore) UpsertResource(ctx context.Context, rec *ResourceRecord) error {
	metadata, err := marshalMap(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal resource metadata: %w", err)
	}
	outputs, err := marshalMap(rec.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal resource outputs: %w", err)
	}

	query := `
		INSERT INTO resources (project, id, type, phase, metadata, outputs, created_at, updated_at, removed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(project, id) DO UPDATE SET
			type = excluded.type,
			phase = excluded.phase,
			metadata = excluded.metadata,
			outputs = excluded.outputs,
			updated_at = excluded.updated_at,
			removed_at = NULL
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.Project,
		rec.ID,
		rec.Type,
		rec.Phase,
		metadata,
		outputs,
		rec.CreatedAt,
		rec.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}

	return nil
}

// GetResource retrieves a resource record by project and id.
func (s *SQLiteStore) GetResource(ctx context.Context, project, id string) (*ResourceRecord, error) {
	query := `
		SELECT project, id, type, phase, metadata, outputs, created_at, updated_at, removed_at
		FROM resources
		WHERE project = ? AND id = ?
	`

	rec := &ResourceRecord{}
	var metadata, outputs string
	err := s.db.QueryRowContext(ctx, query, project, id).Scan(
		&rec.Project,
		&rec.ID,
		&rec.Type,
		&rec.Phase,
		&metadata,
		&outputs,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.RemovedAt,
	)

	if err == sql.ErrNoRows {
		return nil, errdefs.NewPermanent(fmt.Sprintf("resource not found: %s", id), nil).
			WithCode(errdefs.CodeNotFound).
			WithResource(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	if rec.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource metadata: %w", err)
	}
	if rec.Outputs, err = unmarshalMap(outputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource outputs: %w", err)
	}

	return rec, nil
}

// ListResources lists all non-removed resources for a project.
func (s *SQLiteStore) ListResources(ctx context.Context, project string) ([]*ResourceRecord, error) {
	query := `
		SELECT project, id, type, phase, metadata, outputs, created_at, updated_at, removed_at
		FROM resources
		WHERE project = ? AND removed_at IS NULL
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, project)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	recs := []*ResourceRecord{}
	for rows.Next() {
		rec := &ResourceRecord{}
		var metadata, outputs string
		err := rows.Scan(
			&rec.Project,
			&rec.ID,
			&rec.Type,
			&rec.Phase,
			&metadata,
			&outputs,
			&rec.CreatedAt,
			&rec.UpdatedAt,
			&rec.RemovedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		if rec.Metadata, err = unmarshalMap(metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resource metadata: %w", err)
		}
		if rec.Outputs, err = unmarshalMap(outputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal resource outputs: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return recs, nil
}

// MarkResourceRemoved marks a resource as removed. The record stays in the
// catalog as a tracked event.
func (s *SQLiteStore) MarkResourceRemoved(ctx context.Context, project, id string) error {
	query := `UPDATE resources SET removed_at = ?, updated_at = ? WHERE project = ? AND id = ? AND removed_at IS NULL`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, now, now, project, id)
	if err != nil {
		return fmt.Errorf("failed to mark resource removed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return errdefs.NewPermanent(fmt.Sprintf("resource not found: %s", id), nil).
			WithCode(errdefs.CodeNotFound).
			WithResource(id)
	}

	return nil
}

// UpsertEdge inserts a dependency edge. Re-inserting an existing edge is
// idempotent: the higher confidence wins and the timestamp is refreshed.
func (s *SQLiteStore) UpsertEdge(ctx context.Context, rec *EdgeRecord) error {
	query := `
		INSERT INTO edges (project, source, target, relationship, confidence, method, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project, source, target, relationship) DO UPDATE SET
			confidence = MAX(confidence, excluded.confidence),
			method = CASE WHEN excluded.confidence > confidence THEN excluded.method ELSE method END,
			created_at = excluded.created_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.Project,
		rec.Source,
		rec.Target,
		rec.Relationship,
		rec.Confidence,
		rec.Method,
		rec.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert edge: %w", err)
	}

	return nil
}

// DeleteEdge removes all edges between source and target.
func (s *SQLiteStore) DeleteEdge(ctx context.Context, project, source, target string) error {
	query := `DELETE FROM edges WHERE project = ? AND source = ? AND target = ?`

	result, err := s.db.ExecContext(ctx, query, project, source, target)
	if err != nil {
		return fmt.Errorf("failed to delete edge: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return errdefs.NewPermanent(fmt.Sprintf("edge not found: %s -> %s", source, target), nil).
			WithCode(errdefs.CodeNotFound)
	}

	return nil
}

// EdgesFrom lists outgoing edges (dependencies) of a source resource.
func (s *SQLiteStore) EdgesFrom(ctx context.Context, project, source string) ([]*EdgeRecord, error) {
	query := `
		SELECT project, source, target, relationship, confidence, method, created_at
		FROM edges
		WHERE project = ? AND source = ?
		ORDER BY created_at ASC
	`
	return s.queryEdges(ctx, query, project, source)
}

// EdgesInto lists incoming edges (dependents) of a target resource, served
// by the reverse index.
func (s *SQLiteStore) EdgesInto(ctx context.Context, project, target string) ([]*EdgeRecord, error) {
	query := `
		SELECT project, source, target, relationship, confidence, method, created_at
		FROM edges
		WHERE project = ? AND target = ?
		ORDER BY source ASC
	`
	return s.queryEdges(ctx, query, project, target)
}

func (s *SQLiteStore) queryEdges(ctx context.Context, query string, args ...interface{}) ([]*EdgeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	edges := []*EdgeRecord{}
	for rows.Next() {
		rec := &EdgeRecord{}
		err := rows.Scan(
			&rec.Project,
			&rec.Source,
			&rec.Target,
			&rec.Relationship,
			&rec.Confidence,
			&rec.Method,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating edges: %w", err)
	}

	return edges, nil
}

// GetBreaker retrieves the circuit breaker record for a project.
func (s *SQLiteStore) GetBreaker(ctx context.Context, project string) (*BreakerRecord, error) {
	query := `
		SELECT project, state, failure_count, window_start, opened_at, retry_after_ms, max_inflight, version, updated_at
		FROM breaker_state
		WHERE project = ?
	`

	rec := &BreakerRecord{}
	var retryAfterMillis int64
	err := s.db.QueryRowContext(ctx, query, project).Scan(
		&rec.Project,
		&rec.State,
		&rec.FailureCount,
		&rec.WindowStart,
		&rec.OpenedAt,
		&retryAfterMillis,
		&rec.MaxInflight,
		&rec.Version,
		&rec.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, errdefs.NewPermanent(fmt.Sprintf("breaker state not found for project %s", project), nil).
			WithCode(errdefs.CodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get breaker state: %w", err)
	}

	rec.RetryAfter = time.Duration(retryAfterMillis) * time.Millisecond
	return rec, nil
}

// CreateBreaker creates the initial breaker record for a project.
func (s *SQLiteStore) CreateBreaker(ctx context.Context, rec *BreakerRecord) error {
	query := `
		INSERT INTO breaker_state (project, state, failure_count, window_start, opened_at, retry_after_ms, max_inflight, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.Project,
		rec.State,
		rec.FailureCount,
		rec.WindowStart,
		rec.OpenedAt,
		int64(rec.RetryAfter/time.Millisecond),
		rec.MaxInflight,
		rec.Version,
		rec.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create breaker state: %w", err)
	}

	return nil
}

// UpdateBreaker performs a compare-and-swap write of the breaker record.
// The write succeeds only if the stored version still equals
// expectedVersion; otherwise a conflict error is returned and the caller
// must re-read and retry its decision.
func (s *SQLiteStore) UpdateBreaker(ctx context.Context, rec *BreakerRecord, expectedVersion int64) error {
	query := `
		UPDATE breaker_state
		SET state = ?, failure_count = ?, window_start = ?, opened_at = ?,
			retry_after_ms = ?, max_inflight = ?, version = version + 1, updated_at = ?
		WHERE project = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.State,
		rec.FailureCount,
		rec.WindowStart,
		rec.OpenedAt,
		int64(rec.RetryAfter/time.Millisecond),
		rec.MaxInflight,
		time.Now().UTC(),
		rec.Project,
		expectedVersion,
	)

	if err != nil {
		return fmt.Errorf("failed to update breaker state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return errdefs.NewConflict(
			fmt.Sprintf("breaker state for project %s changed since read (expected version %d)", rec.Project, expectedVersion),
			nil,
		).WithCode(errdefs.CodeCASConflict)
	}

	rec.Version = expectedVersion + 1
	return nil
}

// AppendAction appends an audit entry for an action taken during a cycle.
func (s *SQLiteStore) AppendAction(ctx context.Context, rec *ActionRecord) error {
	query := `
		INSERT INTO actions (project, cycle_id, resource_id, action, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.Project,
		rec.CycleID,
		nullable(rec.ResourceID),
		rec.Action,
		nullable(rec.Details),
		rec.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append action: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get action ID: %w", err)
	}

	rec.ID = id
	return nil
}

// ListActions lists audit entries, optionally filtered by cycle.
func (s *SQLiteStore) ListActions(ctx context.Context, project string, cycleID *string, limit, offset int) ([]*ActionRecord, error) {
	query := `
		SELECT id, project, cycle_id, resource_id, action, details, timestamp
		FROM actions
		WHERE project = ?
		  AND (? IS NULL OR cycle_id = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, project, cycleID, cycleID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	recs := []*ActionRecord{}
	for rows.Next() {
		rec := &ActionRecord{}
		var resourceID, details sql.NullString
		err := rows.Scan(
			&rec.ID,
			&rec.Project,
			&rec.CycleID,
			&resourceID,
			&rec.Action,
			&details,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		rec.ResourceID = resourceID.String
		rec.Details = details.String
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}

	return recs, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func marshalMap(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]string, error) {
	if s == "" {
		return map[string]string{}, nil
	}
	m := map[string]string{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
