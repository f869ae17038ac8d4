package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

// LedgerEntry is an immutable signed money movement for a seller store.
// ScopeKey pins the entry to the order or payout request it settles and backs
// the unique (type, store_id, scope_key) index.
type LedgerEntry struct {
	ID              uuid.UUID               `gorm:"column:id;type:uuid;primaryKey"`
	Type            enums.LedgerEntryType   `gorm:"column:type;not null"`
	Status          enums.LedgerEntryStatus `gorm:"column:status;not null"`
	StoreID         uuid.UUID               `gorm:"column:store_id;type:uuid;not null"`
	OrderID         *uuid.UUID              `gorm:"column:order_id;type:uuid"`
	PayoutRequestID *uuid.UUID              `gorm:"column:payout_request_id;type:uuid"`
	ScopeKey        string                  `gorm:"column:scope_key;not null"`
	AmountCents     int64                   `gorm:"column:amount_cents;not null"`
	Metadata        json.RawMessage         `gorm:"column:metadata;type:jsonb"`
	CreatedAt       time.Time               `gorm:"column:created_at;autoCreateTime"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (e *LedgerEntry) BeforeCreate(*gorm.DB) error {
	ensureID(&e.ID)
	return nil
}

// OrderScope builds the scope key for order-anchored entries.
func OrderScope(orderID uuid.UUID) string {
	return fmt.Sprintf("order:%s", orderID)
}

// PayoutScope builds the scope key for payout-anchored entries.
func PayoutScope(payoutRequestID uuid.UUID) string {
	return fmt.Sprintf("payout:%s", payoutRequestID)
}
