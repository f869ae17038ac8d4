package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

// PayoutRequest is one weekly payout per store, keyed by BatchKey.
type PayoutRequest struct {
	ID          uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	StoreID     uuid.UUID          `gorm:"column:store_id;type:uuid;not null"`
	AmountCents int64              `gorm:"column:amount_cents;not null"`
	Status      enums.PayoutStatus `gorm:"column:status;not null"`
	WeekStart   time.Time          `gorm:"column:week_start;not null"`
	BatchKey    string             `gorm:"column:batch_key;not null;uniqueIndex"`
	Reference   *string            `gorm:"column:reference"`
	Note        *string            `gorm:"column:note"`
	DecidedAt   *time.Time         `gorm:"column:decided_at"`
	PaidAt      *time.Time         `gorm:"column:paid_at"`
	CreatedAt   time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

func (PayoutRequest) TableName() string { return "payout_requests" }

func (p *PayoutRequest) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}
