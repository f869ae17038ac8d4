package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

// CheckoutEvent records a buyer redirect or a provider confirmation for a checkout.
type CheckoutEvent struct {
	ID          uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	Type        enums.CheckoutEventType `gorm:"column:type;not null"`
	OrderID     *uuid.UUID              `gorm:"column:order_id;type:uuid"`
	OrderNumber *string                 `gorm:"column:order_number"`
	SessionID   *string                 `gorm:"column:session_id"`
	Provider    enums.PaymentProvider   `gorm:"column:provider;not null"`
	CreatedAt   time.Time               `gorm:"column:created_at;autoCreateTime"`
}

func (e *CheckoutEvent) BeforeCreate(*gorm.DB) error {
	ensureID(&e.ID)
	return nil
}
