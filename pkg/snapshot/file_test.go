package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/driftline/driftline/pkg/errdefs"
)

func writeSnapshot(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write snapshot: %v", err)
	}
	return path
}

// TestLoadSnapshot tests parsing a well-formed snapshot file
func TestLoadSnapshot(t *testing.T) {
	path := writeSnapshot(t, `
project: prod
resources:
  db-main:
    type: database
    config:
      engine: postgres
      memory_mb: "2048"
    tags:
      env: prod
  api-server:
    type: service
    depends_on:
      - db-main
    config:
      replicas: "3"
`)

	snap, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if snap.Project != "prod" {
		t.Errorf("expected project prod, got %s", snap.Project)
	}
	if len(snap.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(snap.Resources))
	}

	db := snap.Resources["db-main"]
	if db.ID != "db-main" {
		t.Errorf("expected id filled from map key, got %q", db.ID)
	}
	if db.Config["engine"] != "postgres" {
		t.Errorf("unexpected config %v", db.Config)
	}

	api := snap.Resources["api-server"]
	if len(api.DependsOn) != 1 || api.DependsOn[0] != "db-main" {
		t.Errorf("expected declared dependency, got %v", api.DependsOn)
	}
}

// TestLoadSnapshotKeyMismatch tests id/key disagreement rejection
func TestLoadSnapshotKeyMismatch(t *testing.T) {
	path := writeSnapshot(t, `
resources:
  db-main:
    id: other-name
    type: database
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected key mismatch to fail")
	}
	if !errdefs.HasCode(err, errdefs.CodeValidation) {
		t.Errorf("expected VALIDATION code, got %v", err)
	}
}

// TestLoadSnapshotMissingFile tests the transient error classification
func TestLoadSnapshotMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected missing file to fail")
	}
	if !errdefs.IsTransient(err) {
		t.Errorf("expected transient classification, got %v", err)
	}
}

// TestFileProviderRoles tests the provider interface adapters
func TestFileProviderRoles(t *testing.T) {
	path := writeSnapshot(t, `
resources:
  vm-1:
    type: instance
`)

	p := NewFileProvider(path)
	ctx := context.Background()

	desired, err := p.DesiredState(ctx, "prod")
	if err != nil {
		t.Fatalf("desired state failed: %v", err)
	}
	if desired.Project != "prod" {
		t.Errorf("expected project defaulted to prod, got %s", desired.Project)
	}

	actual, err := p.ActualState(ctx, "prod")
	if err != nil {
		t.Fatalf("actual state failed: %v", err)
	}
	if len(actual.Resources) != 1 {
		t.Errorf("expected 1 resource, got %d", len(actual.Resources))
	}
}
