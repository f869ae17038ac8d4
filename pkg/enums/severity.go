package enums

import "fmt"

// Severity tags a scoring reason or governance event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

var validSeverities = []Severity{
	SeverityInfo,
	SeverityWarning,
	SeverityCritical,
}

// String implements fmt.Stringer.
func (v Severity) String() string {
	return string(v)
}

// IsValid reports whether the value is a known Severity.
func (v Severity) IsValid() bool {
	for _, candidate := range validSeverities {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseSeverity converts raw input into a Severity.
func ParseSeverity(value string) (Severity, error) {
	for _, candidate := range validSeverities {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid severity %q", value)
}
