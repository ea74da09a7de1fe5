package drift

import "strings"

// fieldClass groups configuration fields by operational impact. The class
// of the changed field decides configuration drift severity.
type fieldClass int

const (
	classDescriptive fieldClass = iota
	classCapacity
	classNetworking
	classSecurity
)

// classRule matches a field name by substring against a class. Rules are
// evaluated in order; the first match wins.
type classRule struct {
	pattern string
	class   fieldClass
}

// fieldClassRules is the classification table for configuration fields.
// Security-relevant fields rank above networking so that a field matching
// both (e.g. "security_group_ingress") takes the stricter class.
var fieldClassRules = []classRule{
	{"security_group", classSecurity},
	{"iam", classSecurity},
	{"role", classSecurity},
	{"policy", classSecurity},
	{"encryption", classSecurity},
	{"kms", classSecurity},
	{"acl", classSecurity},
	{"public", classSecurity},
	{"ingress", classNetworking},
	{"egress", classNetworking},
	{"firewall", classNetworking},
	{"port", classNetworking},
	{"cidr", classNetworking},
	{"subnet", classNetworking},
	{"vpc", classNetworking},
	{"dns", classNetworking},
	{"instance_type", classCapacity},
	{"instance_class", classCapacity},
	{"size", classCapacity},
	{"cpu", classCapacity},
	{"memory", classCapacity},
	{"replica", classCapacity},
	{"disk", classCapacity},
	{"iops", classCapacity},
	{"capacity", classCapacity},
	{"storage", classCapacity},
	{"description", classDescriptive},
	{"name", classDescriptive},
	{"label", classDescriptive},
	{"comment", classDescriptive},
	{"display", classDescriptive},
}

// systemManagedFields are ignored during comparison. These are set by the
// platform, not the operator, and would otherwise drift on every run.
var systemManagedFields = map[string]struct{}{
	"created_at":       {},
	"updated_at":       {},
	"last_modified":    {},
	"arn":              {},
	"self_link":        {},
	"etag":             {},
	"fingerprint":      {},
	"generation":       {},
	"resource_version": {},
	"generated_id":     {},
	"status":           {},
}

// destructiveFields are fields whose change forces resource replacement.
// A destructive change is never auto-healed regardless of severity.
var destructiveFields = map[string]struct{}{
	"engine":            {},
	"availability_zone": {},
	"zone":              {},
	"region":            {},
	"subnet_id":         {},
	"vpc_id":            {},
	"instance_class":    {},
}

// isSystemManaged reports whether a field is excluded from comparison.
func isSystemManaged(field string) bool {
	_, ok := systemManagedFields[strings.ToLower(field)]
	return ok
}

// isDestructive reports whether changing a field requires replacement.
func isDestructive(field string) bool {
	_, ok := destructiveFields[strings.ToLower(field)]
	return ok
}

// classifyField returns the impact class for a configuration field name.
// Unknown fields default to capacity class (medium severity) so that an
// unrecognized change is surfaced but not escalated.
func classifyField(field string) fieldClass {
	lower := strings.ToLower(field)
	for _, rule := range fieldClassRules {
		if strings.Contains(lower, rule.pattern) {
			return rule.class
		}
	}
	return classCapacity
}

// severityForField maps a configuration field change to drift severity.
// Security fields are critical when the change opens access to the world,
// high otherwise.
func severityForField(field, desired, observed string) Severity {
	switch classifyField(field) {
	case classSecurity:
		if exposesPublicly(observed) {
			return SeverityCritical
		}
		return SeverityHigh
	case classNetworking:
		if exposesPublicly(observed) {
			return SeverityCritical
		}
		return SeverityHigh
	case classCapacity:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// exposesPublicly detects observed values that open a resource to any
// caller, which escalates security and networking drift to critical.
func exposesPublicly(value string) bool {
	lower := strings.ToLower(value)
	return strings.Contains(lower, "0.0.0.0/0") ||
		strings.Contains(lower, "::/0") ||
		lower == "public"
}

// autoHealable derives the safe-to-auto-heal flag from kind, severity, and
// destructiveness per the healing decision matrix.
func autoHealable(kind Kind, severity Severity, field string) bool {
	switch kind {
	case KindTag:
		return true
	case KindConfiguration:
		if isDestructive(field) {
			return false
		}
		return severity == SeverityLow || severity == SeverityMedium
	case KindMissing, KindExtra:
		return false
	default:
		return false
	}
}
