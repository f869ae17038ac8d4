package enums

import "fmt"

// LedgerEntryType classifies an immutable ledger movement.
type LedgerEntryType string

const (
	LedgerEntryTypeEscrowHold    LedgerEntryType = "ESCROW_HOLD"
	LedgerEntryTypePlatformEarn  LedgerEntryType = "PLATFORM_EARN"
	LedgerEntryTypeEscrowRelease LedgerEntryType = "ESCROW_RELEASE"
	LedgerEntryTypeReversal      LedgerEntryType = "REVERSAL"
	LedgerEntryTypeRefund        LedgerEntryType = "REFUND"
	LedgerEntryTypePayoutLock    LedgerEntryType = "PAYOUT_LOCK"
	LedgerEntryTypePayoutRelease LedgerEntryType = "PAYOUT_RELEASE"
	LedgerEntryTypePayoutPaid    LedgerEntryType = "PAYOUT_PAID"
)

var validLedgerEntryTypes = []LedgerEntryType{
	LedgerEntryTypeEscrowHold,
	LedgerEntryTypePlatformEarn,
	LedgerEntryTypeEscrowRelease,
	LedgerEntryTypeReversal,
	LedgerEntryTypeRefund,
	LedgerEntryTypePayoutLock,
	LedgerEntryTypePayoutRelease,
	LedgerEntryTypePayoutPaid,
}

// String implements fmt.Stringer.
func (v LedgerEntryType) String() string {
	return string(v)
}

// IsValid reports whether the value is a known LedgerEntryType.
func (v LedgerEntryType) IsValid() bool {
	for _, candidate := range validLedgerEntryTypes {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseLedgerEntryType converts raw input into a LedgerEntryType.
func ParseLedgerEntryType(value string) (LedgerEntryType, error) {
	for _, candidate := range validLedgerEntryTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger entry type %q", value)
}

// LedgerEntryStatus qualifies a ledger entry within its type (e.g. refund source bucket).
type LedgerEntryStatus string

const (
	LedgerEntryStatusHeld       LedgerEntryStatus = "HELD"
	LedgerEntryStatusPending    LedgerEntryStatus = "PENDING"
	LedgerEntryStatusReleased   LedgerEntryStatus = "RELEASED"
	LedgerEntryStatusReversed   LedgerEntryStatus = "REVERSED"
	LedgerEntryStatusChargeback LedgerEntryStatus = "CHARGEBACK"
	LedgerEntryStatusRefunded   LedgerEntryStatus = "REFUNDED"
	LedgerEntryStatusClawback   LedgerEntryStatus = "CLAWBACK"
	LedgerEntryStatusLocked     LedgerEntryStatus = "LOCKED"
	LedgerEntryStatusPaid       LedgerEntryStatus = "PAID"
)

var validLedgerEntryStatuses = []LedgerEntryStatus{
	LedgerEntryStatusHeld,
	LedgerEntryStatusPending,
	LedgerEntryStatusReleased,
	LedgerEntryStatusReversed,
	LedgerEntryStatusChargeback,
	LedgerEntryStatusRefunded,
	LedgerEntryStatusClawback,
	LedgerEntryStatusLocked,
	LedgerEntryStatusPaid,
}

// String implements fmt.Stringer.
func (v LedgerEntryStatus) String() string {
	return string(v)
}

// IsValid reports whether the value is a known LedgerEntryStatus.
func (v LedgerEntryStatus) IsValid() bool {
	for _, candidate := range validLedgerEntryStatuses {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseLedgerEntryStatus converts raw input into a LedgerEntryStatus.
func ParseLedgerEntryStatus(value string) (LedgerEntryStatus, error) {
	for _, candidate := range validLedgerEntryStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger entry status %q", value)
}
