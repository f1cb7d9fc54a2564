package policy

// Severity classifies how a violation affects the submission.
type Severity string

const (
	// SeverityWarning logs the violation without blocking the operation.
	SeverityWarning Severity = "warning"

	// SeverityError rejects the submission as a validation failure.
	SeverityError Severity = "error"
)

// ParseSeverity maps a string onto a known severity.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityWarning, SeverityError:
		return Severity(s), true
	}
	return "", false
}

// SourceBuiltin marks policies compiled into the binary.
const SourceBuiltin = "builtin"

// Policy is one admission rule expressed as a rego module.
type Policy struct {
	// Name identifies the policy in violations and logs. File policies are
	// named after their file.
	Name string `json:"name"`

	// Description is a short human-readable summary.
	Description string `json:"description,omitempty"`

	// Rego is the module source. Violations are entries of its deny set,
	// either plain strings or objects with message and severity fields.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled policies are evaluated on every check.
	Enabled bool `json:"enabled"`

	// Source is the file the policy came from, or SourceBuiltin.
	Source string `json:"source,omitempty"`
}
