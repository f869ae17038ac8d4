package reconcile

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/internal/ledger"
	"github.com/angelmondragon/sellerfin-backend/internal/payments"
	"github.com/angelmondragon/sellerfin-backend/internal/testdb"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
	"github.com/angelmondragon/sellerfin-backend/pkg/outbox"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type stubProvider struct {
	status map[string]payments.Status
	fail   map[string]bool
}

func (p *stubProvider) Name() enums.PaymentProvider { return enums.PaymentProviderStripe }

func (p *stubProvider) GetPaymentStatus(_ context.Context, reference string) (payments.Confirmation, error) {
	return payments.Confirmation{Provider: p.Name(), Status: payments.StatusPending}, nil
}

func (p *stubProvider) GetPaymentByOrderID(_ context.Context, orderID string) (payments.Confirmation, error) {
	if p.fail[orderID] {
		return payments.Confirmation{}, errors.New("gateway timeout")
	}
	status, ok := p.status[orderID]
	if !ok {
		status = payments.StatusPending
	}
	return payments.Confirmation{Provider: p.Name(), Status: status, ProviderTransactionID: "pi_" + orderID[:8]}, nil
}

func (p *stubProvider) ParseWebhook([]byte, http.Header) (payments.WebhookEvent, error) {
	return payments.WebhookEvent{}, nil
}

type fixture struct {
	svc      *Service
	conn     *gorm.DB
	provider *stubProvider
	store    models.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, conn := testdb.Client(t)
	logg := logger.New(logger.Options{ServiceName: "reconcile-test", Output: &bytes.Buffer{}})
	clock := func() time.Time { return testNow }

	ledgerSvc, err := ledger.NewService(ledger.ServiceParams{
		DB:             client,
		Repo:           ledger.NewRepository(conn),
		Outbox:         outbox.NewService(outbox.NewRepository(conn), nil),
		Logger:         logg,
		CommissionRate: decimal.RequireFromString("0.10"),
		Clock:          clock,
	})
	require.NoError(t, err)

	provider := &stubProvider{status: map[string]payments.Status{}, fail: map[string]bool{}}
	registry := payments.NewRegistry()
	registry.Register(provider)
	paymentsSvc, err := payments.NewService(payments.ServiceParams{
		DB:       client,
		Conn:     conn,
		Ledger:   ledgerSvc,
		Registry: registry,
		Logger:   logg,
		Clock:    clock,
	})
	require.NoError(t, err)

	svc, err := NewService(ServiceParams{
		Conn:        conn,
		Payments:    paymentsSvc,
		Logger:      logg,
		Lookback:    48 * time.Hour,
		MinAge:      10 * time.Minute,
		Concurrency: 2,
		Clock:       clock,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, conn: conn, provider: provider, store: testdb.Store(t, conn, nil)}
}

func (f *fixture) redirect(t *testing.T, age time.Duration, mutate func(*models.CheckoutEvent)) {
	t.Helper()
	event := models.CheckoutEvent{
		Type:      enums.CheckoutEventRedirectSuccess,
		Provider:  enums.PaymentProviderStripe,
		CreatedAt: testNow.Add(-age),
	}
	if mutate != nil {
		mutate(&event)
	}
	require.NoError(t, f.conn.Create(&event).Error)
}

func forOrder(id uuid.UUID) func(*models.CheckoutEvent) {
	return func(e *models.CheckoutEvent) { e.OrderID = &id }
}

func (f *fixture) holds(t *testing.T, orderID uuid.UUID) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.conn.Model(&models.LedgerEntry{}).
		Where("type = ? AND order_id = ?", enums.LedgerEntryTypeEscrowHold, orderID).Count(&n).Error)
	return n
}

func TestReconcileConfirmsPaymentMissedByWebhook(t *testing.T) {
	f := newFixture(t)
	order := testdb.Order(t, f.conn, f.store.ID, 12_000, nil)
	f.provider.status[order.ID.String()] = payments.StatusConfirmed
	f.redirect(t, 30*time.Minute, forOrder(order.ID))

	report, err := f.svc.RunPaymentRedirectReconcile(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, int64(1), report.Confirmed)
	assert.Equal(t, int64(1), f.holds(t, order.ID))

	again, err := f.svc.RunPaymentRedirectReconcile(context.Background(), Options{})
	require.NoError(t, err)
	assert.Zero(t, again.Candidates, "the CONFIRMED marker settles the redirect")
}

func TestReconcileWindowBounds(t *testing.T) {
	f := newFixture(t)
	fresh := testdb.Order(t, f.conn, f.store.ID, 1_000, nil)
	stale := testdb.Order(t, f.conn, f.store.ID, 1_000, nil)
	f.redirect(t, 5*time.Minute, forOrder(fresh.ID))
	f.redirect(t, 49*time.Hour, forOrder(stale.ID))

	candidates, start, end, err := f.svc.Candidates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Equal(t, testNow.Add(-48*time.Hour), start)
	assert.Equal(t, testNow.Add(-10*time.Minute), end)
}

func TestReconcileDedupesByStrongestKey(t *testing.T) {
	f := newFixture(t)
	order := testdb.Order(t, f.conn, f.store.ID, 1_000, nil)
	f.redirect(t, time.Hour, forOrder(order.ID))
	f.redirect(t, 50*time.Minute, forOrder(order.ID))
	session := "cs_only"
	f.redirect(t, 40*time.Minute, func(e *models.CheckoutEvent) { e.SessionID = &session })

	candidates, _, _, err := f.svc.Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "order:"+order.ID.String(), candidates[0].Key())
	assert.Equal(t, "session:cs_only", candidates[1].Key())
}

func TestReconcileSkipsRedirectsConfirmedUnderAnotherKey(t *testing.T) {
	f := newFixture(t)
	session := "cs_42"
	f.redirect(t, time.Hour, func(e *models.CheckoutEvent) { e.SessionID = &session })
	require.NoError(t, f.conn.Create(&models.CheckoutEvent{
		Type:      enums.CheckoutEventConfirmed,
		SessionID: &session,
		Provider:  enums.PaymentProviderStripe,
		CreatedAt: testNow.Add(-55 * time.Minute),
	}).Error)

	candidates, _, _, err := f.svc.Candidates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestReconcileFillsLedgerGapForPaidOrder(t *testing.T) {
	f := newFixture(t)
	order := testdb.Order(t, f.conn, f.store.ID, 8_000, func(o *models.Order) {
		o.PaymentStatus = enums.PaymentStatusPaid
	})
	f.redirect(t, time.Hour, forOrder(order.ID))

	report, err := f.svc.RunPaymentRedirectReconcile(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.GapFilled)
	assert.Equal(t, int64(1), f.holds(t, order.ID))
}

func TestReconcileCountsPendingUnresolvedAndFailures(t *testing.T) {
	f := newFixture(t)
	pending := testdb.Order(t, f.conn, f.store.ID, 1_000, nil)
	broken := testdb.Order(t, f.conn, f.store.ID, 1_000, nil)
	f.provider.fail[broken.ID.String()] = true
	f.redirect(t, time.Hour, forOrder(pending.ID))
	f.redirect(t, time.Hour, forOrder(broken.ID))
	number := "ORD-GONE"
	f.redirect(t, time.Hour, func(e *models.CheckoutEvent) { e.OrderNumber = &number })

	report, err := f.svc.RunPaymentRedirectReconcile(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Considered)
	assert.Equal(t, int64(1), report.Pending)
	assert.Equal(t, int64(1), report.Unresolved)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Errors, "gateway timeout")
}

func TestReconcileDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	order := testdb.Order(t, f.conn, f.store.ID, 12_000, nil)
	f.provider.status[order.ID.String()] = payments.StatusConfirmed
	f.redirect(t, 30*time.Minute, forOrder(order.ID))

	report, err := f.svc.RunPaymentRedirectReconcile(context.Background(), Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, int64(1), report.Confirmed)
	assert.Zero(t, f.holds(t, order.ID))

	var markers int64
	require.NoError(t, f.conn.Model(&models.CheckoutEvent{}).Where("type = ?", enums.CheckoutEventConfirmed).Count(&markers).Error)
	assert.Zero(t, markers)
}
