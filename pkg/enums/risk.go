package enums

import "fmt"

// RiskLevel is the abuse/fraud posture computed for a store.
type RiskLevel string

const (
	RiskLevelNormal RiskLevel = "NORMAL"
	RiskLevelWatch  RiskLevel = "WATCH"
	RiskLevelHigh   RiskLevel = "HIGH"
	RiskLevelFrozen RiskLevel = "FROZEN"
)

// ordered from least to most severe
var validRiskLevels = []RiskLevel{
	RiskLevelNormal,
	RiskLevelWatch,
	RiskLevelHigh,
	RiskLevelFrozen,
}

// String implements fmt.Stringer.
func (l RiskLevel) String() string {
	return string(l)
}

// IsValid reports whether the value is a known RiskLevel.
func (l RiskLevel) IsValid() bool {
	return l.Rank() >= 0
}

// Rank orders levels by severity; unknown levels rank -1.
func (l RiskLevel) Rank() int {
	for i, candidate := range validRiskLevels {
		if candidate == l {
			return i
		}
	}
	return -1
}

// FreezesPayouts reports whether stores at this level must not receive payouts.
func (l RiskLevel) FreezesPayouts() bool {
	return l == RiskLevelHigh || l == RiskLevelFrozen
}

// ParseRiskLevel converts raw input into a RiskLevel.
func ParseRiskLevel(value string) (RiskLevel, error) {
	for _, candidate := range validRiskLevels {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid risk level %q", value)
}
