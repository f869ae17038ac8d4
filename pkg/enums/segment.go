package enums

import "fmt"

// UserSegment is the lifecycle bucket derived from a buyer's order history.
type UserSegment string

const (
	UserSegmentNew     UserSegment = "NEW"
	UserSegmentActive  UserSegment = "ACTIVE"
	UserSegmentLoyal   UserSegment = "LOYAL"
	UserSegmentVIP     UserSegment = "VIP"
	UserSegmentAtRisk  UserSegment = "AT_RISK"
	UserSegmentChurned UserSegment = "CHURNED"
)

var validUserSegments = []UserSegment{
	UserSegmentNew,
	UserSegmentActive,
	UserSegmentLoyal,
	UserSegmentVIP,
	UserSegmentAtRisk,
	UserSegmentChurned,
}

// String implements fmt.Stringer.
func (v UserSegment) String() string {
	return string(v)
}

// IsValid reports whether the value is a known UserSegment.
func (v UserSegment) IsValid() bool {
	for _, candidate := range validUserSegments {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseUserSegment converts raw input into a UserSegment.
func ParseUserSegment(value string) (UserSegment, error) {
	for _, candidate := range validUserSegments {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid user segment %q", value)
}
