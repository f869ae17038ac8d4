package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

// PaymentConfirmedEvent is emitted when gross funds move into escrow for an order.
type PaymentConfirmedEvent struct {
	OrderID         uuid.UUID             `json:"order_id"`
	StoreID         uuid.UUID             `json:"store_id"`
	BuyerUserID     uuid.UUID             `json:"buyer_user_id"`
	Provider        enums.PaymentProvider `json:"provider"`
	GrossCents      int64                 `json:"gross_cents"`
	CommissionCents int64                 `json:"commission_cents"`
	PaidAt          time.Time             `json:"paid_at"`
}

// EscrowReleasedEvent is emitted when a delivered order credits the seller.
type EscrowReleasedEvent struct {
	OrderID        uuid.UUID `json:"order_id"`
	StoreID        uuid.UUID `json:"store_id"`
	SellerNetCents int64     `json:"seller_net_cents"`
	DeliveredAt    time.Time `json:"delivered_at"`
}

// OrderRefundedEvent is emitted for refunds, chargebacks and post-release clawbacks.
type OrderRefundedEvent struct {
	OrderID       uuid.UUID          `json:"order_id"`
	StoreID       uuid.UUID          `json:"store_id"`
	Reason        enums.RefundReason `json:"reason"`
	AfterRelease  bool               `json:"after_release"`
	RefundedCents int64              `json:"refunded_cents"`
	ReversedCents int64              `json:"reversed_cents"`
}

// PayoutRequestedEvent is emitted when the weekly batch locks funds for a store.
type PayoutRequestedEvent struct {
	PayoutRequestID uuid.UUID `json:"payout_request_id"`
	StoreID         uuid.UUID `json:"store_id"`
	AmountCents     int64     `json:"amount_cents"`
	WeekStart       string    `json:"week_start"`
	BatchKey        string    `json:"batch_key"`
}

// PayoutDecidedEvent is emitted on approve, reject and paid transitions.
type PayoutDecidedEvent struct {
	PayoutRequestID uuid.UUID          `json:"payout_request_id"`
	StoreID         uuid.UUID          `json:"store_id"`
	Status          enums.PayoutStatus `json:"status"`
	AmountCents     int64              `json:"amount_cents"`
}

// RiskLevelChangedEvent is emitted on every realized risk level change.
type RiskLevelChangedEvent struct {
	StoreID       uuid.UUID       `json:"store_id"`
	PrevLevel     enums.RiskLevel `json:"prev_level"`
	NextLevel     enums.RiskLevel `json:"next_level"`
	Score         int             `json:"score"`
	ReasonCode    string          `json:"reason_code"`
	PayoutsFrozen bool            `json:"payouts_frozen"`
}

// RiskFlagChangedEvent is emitted when an admin sets or clears the manual flag.
type RiskFlagChangedEvent struct {
	StoreID uuid.UUID `json:"store_id"`
	Flagged bool      `json:"flagged"`
	Note    string    `json:"note,omitempty"`
}

// TrustTierChangedEvent is emitted on every realized trust tier change.
type TrustTierChangedEvent struct {
	StoreID            uuid.UUID       `json:"store_id"`
	PrevTier           enums.TrustTier `json:"prev_tier"`
	NextTier           enums.TrustTier `json:"next_tier"`
	Score              int             `json:"score"`
	PayoutDelayHours   int             `json:"payout_delay_hours"`
	ListingBoostFactor float64         `json:"listing_boost_factor"`
}

// SegmentChangedEvent is emitted when a buyer moves between marketing segments.
type SegmentChangedEvent struct {
	UserID uuid.UUID         `json:"user_id"`
	Prev   enums.UserSegment `json:"prev"`
	Next   enums.UserSegment `json:"next"`
}
