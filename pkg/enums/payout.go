package enums

import "fmt"

// PayoutStatus tracks the lifecycle of a payout request.
type PayoutStatus string

const (
	PayoutStatusRequested PayoutStatus = "REQUESTED"
	PayoutStatusApproved  PayoutStatus = "APPROVED"
	PayoutStatusRejected  PayoutStatus = "REJECTED"
	PayoutStatusPaid      PayoutStatus = "PAID"
)

var validPayoutStatuses = []PayoutStatus{
	PayoutStatusRequested,
	PayoutStatusApproved,
	PayoutStatusRejected,
	PayoutStatusPaid,
}

// String implements fmt.Stringer.
func (v PayoutStatus) String() string {
	return string(v)
}

// IsValid reports whether the value is a known PayoutStatus.
func (v PayoutStatus) IsValid() bool {
	for _, candidate := range validPayoutStatuses {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParsePayoutStatus converts raw input into a PayoutStatus.
func ParsePayoutStatus(value string) (PayoutStatus, error) {
	for _, candidate := range validPayoutStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payout status %q", value)
}

// PayoutSkipReason explains why the weekly batch did not create a payout for a store.
type PayoutSkipReason string

const (
	PayoutSkipAlreadyCreated PayoutSkipReason = "ALREADY_CREATED"
	PayoutSkipNoKYC          PayoutSkipReason = "NO_KYC"
	PayoutSkipPayoutPending  PayoutSkipReason = "PAYOUT_PENDING"
	PayoutSkipPayoutsFrozen  PayoutSkipReason = "PAYOUTS_FROZEN"
	PayoutSkipRiskFlagged    PayoutSkipReason = "RISK_FLAGGED"
	PayoutSkipKYCNotVerified PayoutSkipReason = "KYC_NOT_VERIFIED"
	PayoutSkipBelowThreshold PayoutSkipReason = "BELOW_THRESHOLD"
)

var validPayoutSkipReasons = []PayoutSkipReason{
	PayoutSkipAlreadyCreated,
	PayoutSkipNoKYC,
	PayoutSkipPayoutPending,
	PayoutSkipPayoutsFrozen,
	PayoutSkipRiskFlagged,
	PayoutSkipKYCNotVerified,
	PayoutSkipBelowThreshold,
}

// String implements fmt.Stringer.
func (v PayoutSkipReason) String() string {
	return string(v)
}

// IsValid reports whether the value is a known PayoutSkipReason.
func (v PayoutSkipReason) IsValid() bool {
	for _, candidate := range validPayoutSkipReasons {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParsePayoutSkipReason converts raw input into a PayoutSkipReason.
func ParsePayoutSkipReason(value string) (PayoutSkipReason, error) {
	for _, candidate := range validPayoutSkipReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payout skip reason %q", value)
}
