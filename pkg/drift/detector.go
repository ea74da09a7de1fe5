package drift

import (
	"fmt"
	"sort"

	"github.com/driftline/driftline/pkg/errdefs"
	"github.com/driftline/driftline/pkg/telemetry"
)

// Detector compares a desired-state snapshot against an actual-state
// snapshot and emits classified drift items. Detection is deterministic:
// the same pair of snapshots always yields the same item set in the same
// order.
type Detector struct {
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewDetector creates a drift detector. logger and metrics may be nil.
func NewDetector(logger *telemetry.Logger, metrics *telemetry.Metrics) *Detector {
	if logger == nil {
		logger = telemetry.Default().NewComponentLogger("drift")
	}
	return &Detector{
		logger:  logger,
		metrics: metrics,
	}
}

// Detect compares the two snapshots field by field. A failure classifying
// one resource is recorded in the result and does not abort detection for
// the remaining resources.
func (d *Detector) Detect(desired, actual *Snapshot) (*Result, error) {
	if desired == nil {
		return nil, errdefs.NewPermanent("desired snapshot is nil", nil).
			WithCode(errdefs.CodeValidation).
			WithOperation("detect")
	}
	if actual == nil {
		return nil, errdefs.NewPermanent("actual snapshot is nil", nil).
			WithCode(errdefs.CodeValidation).
			WithOperation("detect")
	}

	result := &Result{
		Items:  []Item{},
		Failed: map[string]error{},
	}

	for _, id := range sortedIDs(desired.Resources) {
		want := desired.Resources[id]
		got, exists := actual.Resources[id]

		if !exists {
			// A missing declared resource is always serious.
			result.Items = append(result.Items, Item{
				ResourceID:   id,
				ResourceType: want.Type,
				Kind:         KindMissing,
				Severity:     SeverityHigh,
				AutoHealable: autoHealable(KindMissing, SeverityHigh, ""),
			})
			continue
		}

		items, err := d.compareResource(id, want, got)
		if err != nil {
			result.Failed[id] = err
			d.logger.WithResourceID(id).WithError(err).
				Warn("drift classification failed for resource, continuing cycle")
			continue
		}
		result.Items = append(result.Items, items...)
	}

	for _, id := range sortedIDs(actual.Resources) {
		if _, declared := desired.Resources[id]; declared {
			continue
		}
		got := actual.Resources[id]
		result.Items = append(result.Items, Item{
			ResourceID:   id,
			ResourceType: got.Type,
			Kind:         KindExtra,
			Severity:     SeverityMedium,
			AutoHealable: autoHealable(KindExtra, SeverityMedium, ""),
		})
	}

	if d.metrics != nil {
		for _, item := range result.Items {
			d.metrics.RecordDriftItem(string(item.Kind), string(item.Severity))
		}
	}

	return result, nil
}

// compareResource produces configuration and tag drift items for a
// resource present in both snapshots.
func (d *Detector) compareResource(id string, want, got ResourceState) ([]Item, error) {
	if want.Type != "" && got.Type != "" && want.Type != got.Type {
		return nil, fmt.Errorf("resource %s changed type from %s to %s; cannot classify field drift across types", id, want.Type, got.Type)
	}

	items := []Item{}

	for _, field := range sortedKeys(want.Config, got.Config) {
		if isSystemManaged(field) {
			continue
		}
		desiredVal, inWant := want.Config[field]
		observedVal, inGot := got.Config[field]
		if inWant && inGot && desiredVal == observedVal {
			continue
		}

		severity := severityForField(field, desiredVal, observedVal)
		items = append(items, Item{
			ResourceID:   id,
			ResourceType: want.Type,
			Kind:         KindConfiguration,
			Severity:     severity,
			Field:        field,
			Desired:      desiredVal,
			Observed:     observedVal,
			AutoHealable: autoHealable(KindConfiguration, severity, field),
		})
	}

	// Tag differences are reported separately and are always low severity.
	for _, tag := range sortedKeys(want.Tags, got.Tags) {
		desiredVal, inWant := want.Tags[tag]
		observedVal, inGot := got.Tags[tag]
		if inWant && inGot && desiredVal == observedVal {
			continue
		}
		items = append(items, Item{
			ResourceID:   id,
			ResourceType: want.Type,
			Kind:         KindTag,
			Severity:     SeverityLow,
			Field:        tag,
			Desired:      desiredVal,
			Observed:     observedVal,
			AutoHealable: autoHealable(KindTag, SeverityLow, tag),
		})
	}

	return items, nil
}

// CanAutoHeal applies the healing decision matrix to a single item: tag
// drift always heals, configuration drift heals at low or medium severity
// when non-destructive, missing and extra never heal.
func CanAutoHeal(item Item) bool {
	return autoHealable(item.Kind, item.Severity, item.Field)
}

// Split partitions items into the auto-healable subset and the rest. A
// resource with any unsafe item is treated as not auto-healable as a
// whole: partial healing of a resource is never attempted.
func Split(items []Item) (healable, unhealable []Item) {
	poisoned := map[string]bool{}
	for _, item := range items {
		if !item.AutoHealable {
			poisoned[item.ResourceID] = true
		}
	}

	for _, item := range items {
		if poisoned[item.ResourceID] {
			unhealable = append(unhealable, item)
		} else {
			healable = append(healable, item)
		}
	}
	return healable, unhealable
}

// MaxSeverity returns the highest severity across items, or low for an
// empty slice.
func MaxSeverity(items []Item) Severity {
	max := SeverityLow
	for _, item := range items {
		max = max.Max(item.Severity)
	}
	return max
}

func sortedIDs(resources map[string]ResourceState) []string {
	ids := make([]string, 0, len(resources))
	for id := range resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(a, b map[string]string) []string {
	seen := map[string]bool{}
	keys := []string{}
	for k := range a {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
