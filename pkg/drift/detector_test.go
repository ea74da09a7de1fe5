package drift

import (
	"reflect"
	"testing"
)

func snapshot(resources ...ResourceState) *Snapshot {
	s := &Snapshot{
		Project:   "test",
		Resources: map[string]ResourceState{},
	}
	for _, r := range resources {
		s.Resources[r.ID] = r
	}
	return s
}

// TestDetectMissingResource tests that a declared resource absent from
// actual state is reported as missing with high severity
func TestDetectMissingResource(t *testing.T) {
	detector := NewDetector(nil, nil)

	desired := snapshot(ResourceState{ID: "db-main", Type: "database"})
	actual := snapshot()

	result, err := detector.Detect(desired, actual)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}

	if len(result.Items) != 1 {
		t.Fatalf("expected 1 drift item, got %d", len(result.Items))
	}

	item := result.Items[0]
	if item.Kind != KindMissing {
		t.Errorf("expected kind missing, got %s", item.Kind)
	}
	if item.Severity != SeverityHigh {
		t.Errorf("expected severity high, got %s", item.Severity)
	}
	if item.AutoHealable {
		t.Error("missing drift must never be auto-healable")
	}
}

// TestDetectExtraResource tests that an undeclared actual resource is
// reported as extra with medium severity
func TestDetectExtraResource(t *testing.T) {
	detector := NewDetector(nil, nil)

	desired := snapshot()
	actual := snapshot(ResourceState{ID: "orphan-bucket", Type: "bucket"})

	result, err := detector.Detect(desired, actual)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}

	if len(result.Items) != 1 {
		t.Fatalf("expected 1 drift item, got %d", len(result.Items))
	}

	item := result.Items[0]
	if item.Kind != KindExtra || item.Severity != SeverityMedium {
		t.Errorf("expected extra/medium, got %s/%s", item.Kind, item.Severity)
	}
	if item.AutoHealable {
		t.Error("extra drift must never be auto-healable")
	}
}

// TestDetectConfigurationSeverity tests the field classification table
func TestDetectConfigurationSeverity(t *testing.T) {
	detector := NewDetector(nil, nil)

	tests := []struct {
		name     string
		field    string
		desired  string
		observed string
		severity Severity
		healable bool
	}{
		{"security field", "security_group_id", "sg-1", "sg-2", SeverityHigh, false},
		{"public exposure", "ingress_cidr", "10.0.0.0/8", "0.0.0.0/0", SeverityCritical, false},
		{"capacity field", "memory_mb", "512", "1024", SeverityMedium, true},
		{"descriptive field", "description", "old", "new", SeverityLow, true},
		{"unknown field", "custom_setting", "a", "b", SeverityMedium, true},
		{"destructive field", "engine", "postgres", "mysql", SeverityMedium, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desired := snapshot(ResourceState{
				ID:     "res-1",
				Type:   "database",
				Config: map[string]string{tt.field: tt.desired},
			})
			actual := snapshot(ResourceState{
				ID:     "res-1",
				Type:   "database",
				Config: map[string]string{tt.field: tt.observed},
			})

			result, err := detector.Detect(desired, actual)
			if err != nil {
				t.Fatalf("detect failed: %v", err)
			}
			if len(result.Items) != 1 {
				t.Fatalf("expected 1 item, got %d", len(result.Items))
			}

			item := result.Items[0]
			if item.Kind != KindConfiguration {
				t.Errorf("expected configuration kind, got %s", item.Kind)
			}
			if item.Severity != tt.severity {
				t.Errorf("field %s: expected severity %s, got %s", tt.field, tt.severity, item.Severity)
			}
			if item.AutoHealable != tt.healable {
				t.Errorf("field %s: expected auto-healable=%v, got %v", tt.field, tt.healable, item.AutoHealable)
			}
		})
	}
}

// TestDetectTagDrift tests that tag-only differences are reported
// separately at low severity and are always auto-healable
func TestDetectTagDrift(t *testing.T) {
	detector := NewDetector(nil, nil)

	desired := snapshot(ResourceState{
		ID:     "vm-1",
		Type:   "instance",
		Config: map[string]string{"memory_mb": "512"},
		Tags:   map[string]string{"env": "prod", "team": "platform"},
	})
	actual := snapshot(ResourceState{
		ID:     "vm-1",
		Type:   "instance",
		Config: map[string]string{"memory_mb": "512"},
		Tags:   map[string]string{"env": "prod", "team": "data"},
	})

	result, err := detector.Detect(desired, actual)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}

	if len(result.Items) != 1 {
		t.Fatalf("expected 1 drift item, got %d", len(result.Items))
	}

	item := result.Items[0]
	if item.Kind != KindTag {
		t.Errorf("expected tag kind, got %s", item.Kind)
	}
	if item.Severity != SeverityLow {
		t.Errorf("expected low severity, got %s", item.Severity)
	}
	if !item.AutoHealable {
		t.Error("tag drift must be auto-healable")
	}
	if item.Field != "team" {
		t.Errorf("expected drifted tag team, got %s", item.Field)
	}
}

// TestDetectIgnoresSystemManagedFields tests the comparison ignore list
func TestDetectIgnoresSystemManagedFields(t *testing.T) {
	detector := NewDetector(nil, nil)

	desired := snapshot(ResourceState{
		ID:     "vm-1",
		Type:   "instance",
		Config: map[string]string{"created_at": "2026-01-01", "etag": "abc"},
	})
	actual := snapshot(ResourceState{
		ID:     "vm-1",
		Type:   "instance",
		Config: map[string]string{"created_at": "2026-02-01", "etag": "def"},
	})

	result, err := detector.Detect(desired, actual)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if len(result.Items) != 0 {
		t.Errorf("system-managed fields must not produce drift, got %d items", len(result.Items))
	}
}

// TestDetectIdempotence tests that detecting twice against unchanged
// snapshots yields an identical item set
func TestDetectIdempotence(t *testing.T) {
	detector := NewDetector(nil, nil)

	desired := snapshot(
		ResourceState{ID: "a", Type: "network", Config: map[string]string{"cidr": "10.0.0.0/16"}},
		ResourceState{ID: "b", Type: "instance", Config: map[string]string{"memory_mb": "512"}},
		ResourceState{ID: "c", Type: "bucket"},
	)
	actual := snapshot(
		ResourceState{ID: "b", Type: "instance", Config: map[string]string{"memory_mb": "1024"}},
		ResourceState{ID: "d", Type: "queue"},
	)

	first, err := detector.Detect(desired, actual)
	if err != nil {
		t.Fatalf("first detect failed: %v", err)
	}
	second, err := detector.Detect(desired, actual)
	if err != nil {
		t.Fatalf("second detect failed: %v", err)
	}

	if !reflect.DeepEqual(first.Items, second.Items) {
		t.Errorf("detection is not idempotent:\nfirst:  %+v\nsecond: %+v", first.Items, second.Items)
	}
}

// TestDetectIsolatesResourceFailures tests that one resource failing
// classification does not abort the cycle
func TestDetectIsolatesResourceFailures(t *testing.T) {
	detector := NewDetector(nil, nil)

	// vm-1 changed type between snapshots, which cannot be classified
	desired := snapshot(
		ResourceState{ID: "vm-1", Type: "instance", Config: map[string]string{"memory_mb": "512"}},
		ResourceState{ID: "vm-2", Type: "instance", Config: map[string]string{"memory_mb": "512"}},
	)
	actual := snapshot(
		ResourceState{ID: "vm-1", Type: "container", Config: map[string]string{"memory_mb": "512"}},
		ResourceState{ID: "vm-2", Type: "instance", Config: map[string]string{"memory_mb": "2048"}},
	)

	result, err := detector.Detect(desired, actual)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}

	if len(result.Failed) != 1 {
		t.Fatalf("expected 1 failed resource, got %d", len(result.Failed))
	}
	if _, ok := result.Failed["vm-1"]; !ok {
		t.Error("expected vm-1 to be reported as failed")
	}

	if len(result.Items) != 1 || result.Items[0].ResourceID != "vm-2" {
		t.Errorf("expected drift for vm-2 despite vm-1 failure, got %+v", result.Items)
	}
}

// TestSplitPoisonsWholeResource tests that a resource with any unsafe
// item routes entirely to review
func TestSplitPoisonsWholeResource(t *testing.T) {
	items := []Item{
		{ResourceID: "vm-1", Kind: KindTag, Severity: SeverityLow, AutoHealable: true},
		{ResourceID: "vm-1", Kind: KindConfiguration, Severity: SeverityHigh, AutoHealable: false},
		{ResourceID: "vm-2", Kind: KindTag, Severity: SeverityLow, AutoHealable: true},
	}

	healable, unhealable := Split(items)

	if len(healable) != 1 || healable[0].ResourceID != "vm-2" {
		t.Errorf("expected only vm-2 healable, got %+v", healable)
	}
	if len(unhealable) != 2 {
		t.Errorf("expected both vm-1 items routed to review, got %+v", unhealable)
	}
}

// TestMaxSeverity tests severity aggregation
func TestMaxSeverity(t *testing.T) {
	items := []Item{
		{Severity: SeverityLow},
		{Severity: SeverityCritical},
		{Severity: SeverityMedium},
	}
	if got := MaxSeverity(items); got != SeverityCritical {
		t.Errorf("expected critical, got %s", got)
	}
	if got := MaxSeverity(nil); got != SeverityLow {
		t.Errorf("expected low for empty set, got %s", got)
	}
}
