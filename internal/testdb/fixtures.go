package testdb

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

// Store inserts a verified NORMAL/STANDARD store; mutate adjusts it before insert.
func Store(t testing.TB, conn *gorm.DB, mutate func(*models.Store)) models.Store {
	t.Helper()
	verified := enums.KYCStatusVerified
	store := models.Store{
		ID:                 uuid.New(),
		Name:               "store",
		KYCStatus:          &verified,
		RiskLevel:          enums.RiskLevelNormal,
		TrustTier:          enums.TrustTierStandard,
		PayoutDelayHours:   48,
		ListingBoostFactor: 1,
	}
	if mutate != nil {
		mutate(&store)
	}
	require.NoError(t, conn.Create(&store).Error)
	return store
}

// Order inserts an unpaid pending order for the store; mutate adjusts it before insert.
func Order(t testing.TB, conn *gorm.DB, storeID uuid.UUID, totalCents int64, mutate func(*models.Order)) models.Order {
	t.Helper()
	id := uuid.New()
	order := models.Order{
		ID:            id,
		OrderNumber:   fmt.Sprintf("ORD-%s", id.String()[:8]),
		StoreID:       storeID,
		BuyerUserID:   uuid.New(),
		Status:        enums.OrderStatusPending,
		PaymentStatus: enums.PaymentStatusPending,
		EscrowStatus:  enums.EscrowStatusNone,
		PaymentMethod: "card",
		Provider:      enums.PaymentProviderStripe,
		TotalCents:    totalCents,
	}
	if mutate != nil {
		mutate(&order)
	}
	require.NoError(t, conn.Create(&order).Error)
	return order
}

// Balance writes the balance projection directly.
func Balance(t testing.TB, conn *gorm.DB, storeID uuid.UUID, available, escrow, pending int64) models.SellerBalance {
	t.Helper()
	balance := models.SellerBalance{
		StoreID:            storeID,
		AvailableCents:     available,
		EscrowCents:        escrow,
		PayoutPendingCents: pending,
		UpdatedAt:          time.Now().UTC(),
	}
	require.NoError(t, conn.Save(&balance).Error)
	return balance
}

// Entry writes a raw ledger entry, bypassing the ledger service.
func Entry(t testing.TB, conn *gorm.DB, entry models.LedgerEntry) models.LedgerEntry {
	t.Helper()
	if entry.ScopeKey == "" {
		switch {
		case entry.OrderID != nil:
			entry.ScopeKey = models.OrderScope(*entry.OrderID)
		case entry.PayoutRequestID != nil:
			entry.ScopeKey = models.PayoutScope(*entry.PayoutRequestID)
		default:
			entry.ScopeKey = "manual:" + uuid.NewString()
		}
	}
	require.NoError(t, conn.Create(&entry).Error)
	return entry
}
