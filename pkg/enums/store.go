package enums

import "fmt"

// KYCStatus captures the store-level verification workflow.
type KYCStatus string

const (
	KYCStatusPendingVerification KYCStatus = "PENDING_VERIFICATION"
	KYCStatusVerified            KYCStatus = "VERIFIED"
	KYCStatusRejected            KYCStatus = "REJECTED"
	KYCStatusExpired             KYCStatus = "EXPIRED"
	KYCStatusSuspended           KYCStatus = "SUSPENDED"
)

var validKYCStatuses = []KYCStatus{
	KYCStatusPendingVerification,
	KYCStatusVerified,
	KYCStatusRejected,
	KYCStatusExpired,
	KYCStatusSuspended,
}

// String implements fmt.Stringer.
func (v KYCStatus) String() string {
	return string(v)
}

// IsValid reports whether the value is a known KYCStatus.
func (v KYCStatus) IsValid() bool {
	for _, candidate := range validKYCStatuses {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseKYCStatus converts raw input into a KYCStatus.
func ParseKYCStatus(value string) (KYCStatus, error) {
	for _, candidate := range validKYCStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid kyc status %q", value)
}
