package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

// Order is the slice of a marketplace order that the finance engine reads and advances.
type Order struct {
	ID                uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	OrderNumber       string                `gorm:"column:order_number;not null;uniqueIndex"`
	StoreID           uuid.UUID             `gorm:"column:store_id;type:uuid;not null"`
	BuyerUserID       uuid.UUID             `gorm:"column:buyer_user_id;type:uuid;not null"`
	Status            enums.OrderStatus     `gorm:"column:status;not null"`
	PaymentStatus     enums.PaymentStatus   `gorm:"column:payment_status;not null"`
	EscrowStatus      enums.EscrowStatus    `gorm:"column:escrow_status;not null"`
	PaymentMethod     string                `gorm:"column:payment_method;not null"`
	Provider          enums.PaymentProvider `gorm:"column:provider;not null"`
	ProviderReference *string               `gorm:"column:provider_reference"`
	CheckoutSessionID *string               `gorm:"column:checkout_session_id"`
	TotalCents        int64                 `gorm:"column:total_cents;not null"`
	CommissionCents   *int64                `gorm:"column:commission_cents"`
	SellerNetCents    *int64                `gorm:"column:seller_net_cents"`
	PaidAt            *time.Time            `gorm:"column:paid_at"`
	DeliveredAt       *time.Time            `gorm:"column:delivered_at"`
	RefundedAt        *time.Time            `gorm:"column:refunded_at"`
	CreatedAt         time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	ensureID(&o.ID)
	return nil
}
