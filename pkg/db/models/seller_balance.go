package models

import (
	"time"

	"github.com/google/uuid"
)

// SellerBalance is the per-store projection of the ledger buckets.
type SellerBalance struct {
	StoreID            uuid.UUID `gorm:"column:store_id;type:uuid;primaryKey"`
	AvailableCents     int64     `gorm:"column:available_cents;not null;default:0"`
	EscrowCents        int64     `gorm:"column:escrow_cents;not null;default:0"`
	PayoutPendingCents int64     `gorm:"column:payout_pending_cents;not null;default:0"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

func (SellerBalance) TableName() string { return "seller_balances" }
