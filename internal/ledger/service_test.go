package ledger

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/internal/testdb"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
	"github.com/angelmondragon/sellerfin-backend/pkg/outbox"
	"github.com/angelmondragon/sellerfin-backend/pkg/pagination"
)

type fixture struct {
	svc   *Service
	conn  *gorm.DB
	logs  *bytes.Buffer
	store models.Store
	hooks int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, conn := testdb.Client(t)
	logs := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "ledger-test", Output: logs})
	f := &fixture{conn: conn, logs: logs}

	svc, err := NewService(ServiceParams{
		DB:             client,
		Repo:           NewRepository(conn),
		Outbox:         outbox.NewService(outbox.NewRepository(conn), nil),
		Logger:         logg,
		CommissionRate: decimal.RequireFromString("0.10"),
		Hooks: []ConfirmHook{func(context.Context, models.Order, Result) error {
			atomic.AddInt32(&f.hooks, 1)
			return nil
		}},
	})
	require.NoError(t, err)
	f.svc = svc
	f.store = testdb.Store(t, conn, nil)
	return f
}

func (f *fixture) paidOrder(t *testing.T, total int64) models.Order {
	t.Helper()
	order := testdb.Order(t, f.conn, f.store.ID, total, nil)
	res, err := f.svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{OrderID: order.ID, Provider: enums.PaymentProviderStripe})
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)
	return order
}

func (f *fixture) countEntries(t *testing.T, orderID uuid.UUID, entryType enums.LedgerEntryType) int64 {
	t.Helper()
	var count int64
	require.NoError(t, f.conn.Model(&models.LedgerEntry{}).
		Where("order_id = ? AND type = ?", orderID, entryType).
		Count(&count).Error)
	return count
}

func (f *fixture) balance(t *testing.T) Buckets {
	t.Helper()
	b, err := f.svc.Balance(context.Background(), f.store.ID)
	require.NoError(t, err)
	return b
}

func (f *fixture) payout(t *testing.T, amount int64) *models.PayoutRequest {
	t.Helper()
	payout := &models.PayoutRequest{
		StoreID:     f.store.ID,
		AmountCents: amount,
		Status:      enums.PayoutStatusRequested,
		WeekStart:   time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC),
		BatchKey:    f.store.ID.String() + ":" + uuid.NewString()[:8],
	}
	require.NoError(t, f.conn.Create(payout).Error)
	return payout
}

func (f *fixture) inTx(t *testing.T, fn func(tx *gorm.DB) error) error {
	t.Helper()
	return f.svc.db.WithTx(context.Background(), fn)
}

func TestCommissionRoundsHalfUp(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, int64(1235), f.svc.Commission(12345))
	assert.Equal(t, int64(1234), f.svc.Commission(12344))
	assert.Equal(t, int64(0), f.svc.Commission(4))
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := testdb.Order(t, f.conn, f.store.ID, 10000, nil)

	first, err := f.svc.ConfirmPayment(ctx, ConfirmPaymentInput{OrderID: order.ID, Provider: enums.PaymentProviderStripe, ProviderReference: "pi_123"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first.Outcome)
	assert.Equal(t, int64(1000), first.CommissionCents)
	assert.Equal(t, int64(9000), first.SellerNetCents)

	for i := 0; i < 3; i++ {
		again, err := f.svc.ConfirmPayment(ctx, ConfirmPaymentInput{OrderID: order.ID})
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyPaid, again.Outcome)
	}

	assert.Equal(t, int64(1), f.countEntries(t, order.ID, enums.LedgerEntryTypeEscrowHold))
	assert.Equal(t, int64(1), f.countEntries(t, order.ID, enums.LedgerEntryTypePlatformEarn))
	assert.Equal(t, Buckets{EscrowCents: 10000}, f.balance(t))
	assert.Equal(t, int32(4), atomic.LoadInt32(&f.hooks))

	var stored models.Order
	require.NoError(t, f.conn.First(&stored, "id = ?", order.ID).Error)
	assert.Equal(t, enums.OrderStatusConfirmed, stored.Status)
	assert.Equal(t, enums.PaymentStatusPaid, stored.PaymentStatus)
	assert.Equal(t, enums.EscrowStatusHeld, stored.EscrowStatus)
	require.NotNil(t, stored.ProviderReference)
	assert.Equal(t, "pi_123", *stored.ProviderReference)
	require.NotNil(t, stored.PaidAt)

	events, err := outbox.NewRepository(f.conn).ListForAggregate(f.conn, order.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, enums.EventPaymentConfirmed, events[0].EventType)
}

func TestConcurrentConfirmationsHoldOnce(t *testing.T) {
	f := newFixture(t)
	order := testdb.Order(t, f.conn, f.store.ID, 5000, nil)

	var (
		wg      sync.WaitGroup
		applied int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{OrderID: order.ID})
			if err != nil {
				t.Errorf("confirm: %v", err)
				return
			}
			if res.Outcome == OutcomeApplied {
				atomic.AddInt32(&applied, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied)
	assert.Equal(t, int64(1), f.countEntries(t, order.ID, enums.LedgerEntryTypeEscrowHold))
	assert.Equal(t, Buckets{EscrowCents: 5000}, f.balance(t))
}

func TestConfirmPaymentLosingInsertRaceReportsAlreadyPaid(t *testing.T) {
	f := newFixture(t)
	order := testdb.Order(t, f.conn, f.store.ID, 5000, nil)
	testdb.AfterNextQuery(t, f.conn, "ledger_entries", func(tx *gorm.DB) error {
		return tx.Create(&models.LedgerEntry{
			Type:        enums.LedgerEntryTypeEscrowHold,
			Status:      enums.LedgerEntryStatusHeld,
			StoreID:     f.store.ID,
			OrderID:     &order.ID,
			ScopeKey:    models.OrderScope(order.ID),
			AmountCents: 5000,
		}).Error
	})

	res, err := f.svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{OrderID: order.ID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPaid, res.Outcome)
	assert.Equal(t, Buckets{}, f.balance(t))

	var stored models.Order
	require.NoError(t, f.conn.First(&stored, "id = ?", order.ID).Error)
	assert.Equal(t, enums.EscrowStatusNone, stored.EscrowStatus)
	assert.Zero(t, f.countEntries(t, order.ID, enums.LedgerEntryTypePlatformEarn))

	events, err := outbox.NewRepository(f.conn).ListForAggregate(nil, order.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMarkDeliveredLosingInsertRaceReportsAlreadyReleased(t *testing.T) {
	f := newFixture(t)
	order := f.paidOrder(t, 10000)
	testdb.AfterNextQuery(t, f.conn, "ledger_entries", func(tx *gorm.DB) error {
		return tx.Create(&models.LedgerEntry{
			Type:        enums.LedgerEntryTypeEscrowRelease,
			Status:      enums.LedgerEntryStatusReleased,
			StoreID:     f.store.ID,
			OrderID:     &order.ID,
			ScopeKey:    models.OrderScope(order.ID),
			AmountCents: 9000,
		}).Error
	})

	res, err := f.svc.MarkDelivered(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyReleased, res.Outcome)
	assert.Equal(t, Buckets{EscrowCents: 10000}, f.balance(t))
}

func TestConfirmPaymentUsesStoredCommission(t *testing.T) {
	f := newFixture(t)
	stored := int64(250)
	order := testdb.Order(t, f.conn, f.store.ID, 10000, func(o *models.Order) { o.CommissionCents = &stored })

	res, err := f.svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{OrderID: order.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(250), res.CommissionCents)
	assert.Equal(t, int64(9750), res.SellerNetCents)
}

func TestConfirmPaymentUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ConfirmPayment(context.Background(), ConfirmPaymentInput{OrderID: uuid.New()})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestMarkDeliveredReleasesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.paidOrder(t, 10000)

	res, err := f.svc.MarkDelivered(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	for i := 0; i < 2; i++ {
		again, err := f.svc.MarkDelivered(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyReleased, again.Outcome)
	}

	assert.Equal(t, int64(1), f.countEntries(t, order.ID, enums.LedgerEntryTypeEscrowRelease))
	assert.Equal(t, Buckets{AvailableCents: 9000}, f.balance(t))
}

func TestMarkDeliveredRequiresHeldEscrow(t *testing.T) {
	f := newFixture(t)
	order := testdb.Order(t, f.conn, f.store.ID, 10000, nil)

	_, err := f.svc.MarkDelivered(context.Background(), order.ID)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))
	assert.Equal(t, int64(0), f.countEntries(t, order.ID, enums.LedgerEntryTypeEscrowRelease))
}

func TestRefundWhileHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.paidOrder(t, 10000)

	res, err := f.svc.Refund(ctx, RefundInput{OrderID: order.ID, Reason: enums.RefundReasonChargeback})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	again, err := f.svc.Refund(ctx, RefundInput{OrderID: order.ID, Reason: enums.RefundReasonChargeback})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRefunded, again.Outcome)

	assert.Equal(t, Buckets{}, f.balance(t))

	entries, err := f.svc.OrderEntries(ctx, order.ID)
	require.NoError(t, err)
	byType := map[enums.LedgerEntryType]models.LedgerEntry{}
	for _, e := range entries {
		byType[e.Type] = e
	}
	assert.Equal(t, int64(-10000), byType[enums.LedgerEntryTypeRefund].AmountCents)
	assert.Equal(t, enums.LedgerEntryStatusRefunded, byType[enums.LedgerEntryTypeRefund].Status)
	assert.Equal(t, int64(-1000), byType[enums.LedgerEntryTypeReversal].AmountCents)
	assert.Equal(t, enums.LedgerEntryStatusChargeback, byType[enums.LedgerEntryTypeReversal].Status)
}

func TestRefundAfterReleaseClawsBackNet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.paidOrder(t, 10000)
	_, err := f.svc.MarkDelivered(ctx, order.ID)
	require.NoError(t, err)

	res, err := f.svc.Refund(ctx, RefundInput{OrderID: order.ID, Reason: enums.RefundReasonBuyerRequest})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, Buckets{}, f.balance(t))

	var refund models.LedgerEntry
	require.NoError(t, f.conn.Where("order_id = ? AND type = ?", order.ID, enums.LedgerEntryTypeRefund).Take(&refund).Error)
	assert.Equal(t, enums.LedgerEntryStatusClawback, refund.Status)
	assert.Equal(t, int64(-9000), refund.AmountCents)
}

func TestRefundAfterReleaseWithShortFundsMutatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.paidOrder(t, 10000)
	_, err := f.svc.MarkDelivered(ctx, order.ID)
	require.NoError(t, err)

	payout := f.payout(t, 9000)
	require.NoError(t, f.inTx(t, func(tx *gorm.DB) error {
		return f.svc.LockForPayout(ctx, tx, payout)
	}))
	before := f.balance(t)
	require.Equal(t, Buckets{PayoutPendingCents: 9000}, before)

	_, err = f.svc.Refund(ctx, RefundInput{OrderID: order.ID, Reason: enums.RefundReasonBuyerRequest})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvariantViolation))

	assert.Equal(t, before, f.balance(t))
	assert.Equal(t, int64(0), f.countEntries(t, order.ID, enums.LedgerEntryTypeRefund))
	assert.Equal(t, int64(0), f.countEntries(t, order.ID, enums.LedgerEntryTypeReversal))

	var stored models.Order
	require.NoError(t, f.conn.First(&stored, "id = ?", order.ID).Error)
	assert.Equal(t, enums.OrderStatusDelivered, stored.Status)
	assert.Contains(t, f.logs.String(), logger.InvariantViolationEvent)
}

func TestPayoutMovements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.paidOrder(t, 20000)
	_, err := f.svc.MarkDelivered(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, Buckets{AvailableCents: 18000}, f.balance(t))

	rejected := f.payout(t, 8000)
	require.NoError(t, f.inTx(t, func(tx *gorm.DB) error { return f.svc.LockForPayout(ctx, tx, rejected) }))
	assert.Equal(t, Buckets{AvailableCents: 10000, PayoutPendingCents: 8000}, f.balance(t))

	err = f.inTx(t, func(tx *gorm.DB) error { return f.svc.LockForPayout(ctx, tx, rejected) })
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDuplicateLedger))

	require.NoError(t, f.inTx(t, func(tx *gorm.DB) error { return f.svc.ReleasePayout(ctx, tx, rejected) }))
	assert.Equal(t, Buckets{AvailableCents: 18000}, f.balance(t))

	paid := f.payout(t, 18000)
	require.NoError(t, f.inTx(t, func(tx *gorm.DB) error { return f.svc.LockForPayout(ctx, tx, paid) }))
	require.NoError(t, f.inTx(t, func(tx *gorm.DB) error { return f.svc.SettlePayout(ctx, tx, paid) }))
	assert.Equal(t, Buckets{}, f.balance(t))

	tooBig := f.payout(t, 1)
	err = f.inTx(t, func(tx *gorm.DB) error { return f.svc.LockForPayout(ctx, tx, tooBig) })
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvariantViolation))
	assert.Equal(t, Buckets{}, f.balance(t))
}

func TestDerivedBalanceMatchesProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	delivered := f.paidOrder(t, 10000)
	_, err := f.svc.MarkDelivered(ctx, delivered.ID)
	require.NoError(t, err)
	f.paidOrder(t, 4000)
	refunded := f.paidOrder(t, 3000)
	_, err = f.svc.Refund(ctx, RefundInput{OrderID: refunded.ID, Reason: enums.RefundReasonAdmin})
	require.NoError(t, err)
	payout := f.payout(t, 5000)
	require.NoError(t, f.inTx(t, func(tx *gorm.DB) error { return f.svc.LockForPayout(ctx, tx, payout) }))

	audit, err := f.svc.VerifyBalance(ctx, f.store.ID)
	require.NoError(t, err)
	assert.True(t, audit.Matches, "%+v", audit)
	assert.Equal(t, Buckets{AvailableCents: 4000, EscrowCents: 4000, PayoutPendingCents: 5000}, audit.Derived)

	require.NoError(t, f.conn.Model(&models.SellerBalance{}).
		Where("store_id = ?", f.store.ID).
		Update("available_cents", 4100).Error)
	audit, err = f.svc.VerifyBalance(ctx, f.store.ID)
	require.NoError(t, err)
	assert.False(t, audit.Matches)
	assert.Contains(t, f.logs.String(), "verify_balance")
}

func TestListEntriesPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.paidOrder(t, 1000)
	}

	first, err := f.svc.ListEntries(ctx, f.store.ID, pagination.Params{Limit: 4})
	require.NoError(t, err)
	require.Len(t, first.Items, 4)
	require.NotEmpty(t, first.NextCursor)

	second, err := f.svc.ListEntries(ctx, f.store.ID, pagination.Params{Limit: 4, Cursor: first.NextCursor})
	require.NoError(t, err)
	assert.Len(t, second.Items, 2)
	assert.Empty(t, second.NextCursor)

	seen := map[uuid.UUID]bool{}
	for _, e := range append(first.Items, second.Items...) {
		assert.False(t, seen[e.ID])
		seen[e.ID] = true
	}
}

func TestNewServiceRejectsBadCommission(t *testing.T) {
	client, conn := testdb.Client(t)
	_, err := NewService(ServiceParams{
		DB:             client,
		Repo:           NewRepository(conn),
		Outbox:         outbox.NewService(outbox.NewRepository(conn), nil),
		Logger:         logger.New(logger.Options{ServiceName: "test"}),
		CommissionRate: decimal.RequireFromString("1.5"),
	})
	assert.Error(t, err)
}
