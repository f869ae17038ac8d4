// Package segments buckets buyers into lifecycle segments from their paid
// order history.
package segments

import (
	"time"

	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

const day = 24 * time.Hour

const (
	vipRecency     = 90 * day
	loyalRecency   = 60 * day
	activeRecency  = 30 * day
	atRiskRecency  = 120 * day
	loyalMinOrders = 5
)

// History is a buyer's paid-order summary.
type History struct {
	PaidOrders int64      `json:"paid_orders"`
	SpendCents int64      `json:"spend_cents"`
	LastPaidAt *time.Time `json:"last_paid_at,omitempty"`
}

// Classify applies the segment rules in priority order.
func Classify(h History, now time.Time, vipSpendCents int64) enums.UserSegment {
	if h.PaidOrders == 0 || h.LastPaidAt == nil {
		return enums.UserSegmentNew
	}
	since := now.Sub(*h.LastPaidAt)
	switch {
	case h.SpendCents >= vipSpendCents && since <= vipRecency:
		return enums.UserSegmentVIP
	case h.PaidOrders >= loyalMinOrders && since <= loyalRecency:
		return enums.UserSegmentLoyal
	case since <= activeRecency:
		return enums.UserSegmentActive
	case since <= atRiskRecency:
		return enums.UserSegmentAtRisk
	}
	return enums.UserSegmentChurned
}
