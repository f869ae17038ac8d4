package enums

import "fmt"

// TrustTier is the seller quality tier that drives benefits.
type TrustTier string

const (
	TrustTierRestricted TrustTier = "RESTRICTED"
	TrustTierWatch      TrustTier = "WATCH"
	TrustTierStandard   TrustTier = "STANDARD"
	TrustTierTrusted    TrustTier = "TRUSTED"
	TrustTierElite      TrustTier = "ELITE"
)

// ordered from lowest to highest rank
var validTrustTiers = []TrustTier{
	TrustTierRestricted,
	TrustTierWatch,
	TrustTierStandard,
	TrustTierTrusted,
	TrustTierElite,
}

// String implements fmt.Stringer.
func (t TrustTier) String() string {
	return string(t)
}

// IsValid reports whether the value is a known TrustTier.
func (t TrustTier) IsValid() bool {
	return t.Rank() >= 0
}

// Rank orders tiers from RESTRICTED (0) to ELITE (4); unknown tiers rank -1.
func (t TrustTier) Rank() int {
	for i, candidate := range validTrustTiers {
		if candidate == t {
			return i
		}
	}
	return -1
}

// ParseTrustTier converts raw input into a TrustTier.
func ParseTrustTier(value string) (TrustTier, error) {
	for _, candidate := range validTrustTiers {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid trust tier %q", value)
}
