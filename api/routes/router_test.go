package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/sellerfin-backend/api/controllers"
	"github.com/angelmondragon/sellerfin-backend/internal/cron"
	"github.com/angelmondragon/sellerfin-backend/internal/ledger"
	"github.com/angelmondragon/sellerfin-backend/internal/payments"
	"github.com/angelmondragon/sellerfin-backend/internal/risk"
	"github.com/angelmondragon/sellerfin-backend/internal/trust"
	"github.com/angelmondragon/sellerfin-backend/pkg/config"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
	"github.com/angelmondragon/sellerfin-backend/pkg/metrics"
	"github.com/angelmondragon/sellerfin-backend/pkg/pagination"
	"github.com/angelmondragon/sellerfin-backend/pkg/types"
)

const adminToken = "s3cret"

type stubRisk struct {
	previewActor string
	computed     int
	flagged      *bool
	saved        *models.RiskRuleConfig
}

func (s *stubRisk) ComputeRiskLevel(_ context.Context, storeID uuid.UUID, opts risk.Options) (risk.Decision, error) {
	s.computed++
	return risk.Decision{StoreID: storeID, NextLevel: enums.RiskLevelHigh, Score: 60, DryRun: opts.DryRun}, nil
}

func (s *stubRisk) Preview(_ context.Context, actor string, storeID uuid.UUID) (risk.Decision, error) {
	s.previewActor = actor
	if actor == "noisy" {
		return risk.Decision{}, pkgerrors.New(pkgerrors.CodeRateLimit, "risk preview rate limit exceeded")
	}
	return risk.Decision{StoreID: storeID, DryRun: true}, nil
}

func (s *stubRisk) SetRiskFlag(_ context.Context, _ uuid.UUID, flagged bool, _ string) error {
	s.flagged = &flagged
	return nil
}

func (s *stubRisk) Rules(context.Context) (risk.Rules, error) { return risk.DefaultRules(), nil }

func (s *stubRisk) SaveRuleOverrides(_ context.Context, row models.RiskRuleConfig) (risk.Rules, error) {
	s.saved = &row
	return risk.ResolveRules(&row), nil
}

type stubTrust struct{ dryRun bool }

func (s *stubTrust) RecomputeTrustForStore(_ context.Context, storeID uuid.UUID, opts trust.Options) (trust.Result, error) {
	s.dryRun = opts.DryRun
	return trust.Result{StoreID: storeID, DryRun: opts.DryRun}, nil
}

type stubLedger struct {
	refundReason enums.RefundReason
	cursor       string
}

func (s *stubLedger) Balance(context.Context, uuid.UUID) (ledger.Buckets, error) {
	return ledger.Buckets{AvailableCents: 1200, EscrowCents: 300}, nil
}

func (s *stubLedger) VerifyBalance(_ context.Context, storeID uuid.UUID) (ledger.Audit, error) {
	return ledger.Audit{StoreID: storeID, Matches: true}, nil
}

func (s *stubLedger) ListEntries(_ context.Context, _ uuid.UUID, params pagination.Params) (pagination.Page[models.LedgerEntry], error) {
	s.cursor = params.Cursor
	return pagination.Page[models.LedgerEntry]{Items: []models.LedgerEntry{}}, nil
}

func (s *stubLedger) OrderEntries(context.Context, uuid.UUID) ([]models.LedgerEntry, error) {
	return []models.LedgerEntry{}, nil
}

func (s *stubLedger) MarkDelivered(_ context.Context, orderID uuid.UUID) (ledger.Result, error) {
	return ledger.Result{OrderID: orderID, Outcome: ledger.OutcomeAlreadyReleased}, nil
}

func (s *stubLedger) Refund(_ context.Context, input ledger.RefundInput) (ledger.Result, error) {
	s.refundReason = input.Reason
	return ledger.Result{}, pkgerrors.New(pkgerrors.CodeInsufficientFunds, "available balance cannot cover the refund")
}

type stubPayouts struct{ reference string }

func (s *stubPayouts) Get(context.Context, uuid.UUID) (*models.PayoutRequest, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payout request not found")
}

func (s *stubPayouts) ListForStore(context.Context, uuid.UUID, int) ([]models.PayoutRequest, error) {
	return []models.PayoutRequest{}, nil
}

func (s *stubPayouts) Approve(_ context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	return &models.PayoutRequest{ID: id, Status: enums.PayoutStatusApproved}, nil
}

func (s *stubPayouts) Reject(_ context.Context, id uuid.UUID, _ string) (*models.PayoutRequest, error) {
	return &models.PayoutRequest{ID: id, Status: enums.PayoutStatusRejected}, nil
}

func (s *stubPayouts) MarkPaid(_ context.Context, id uuid.UUID, reference string) (*models.PayoutRequest, error) {
	s.reference = reference
	return &models.PayoutRequest{ID: id, Status: enums.PayoutStatusPaid}, nil
}

type stubPayments struct {
	status    payments.Status
	confirmed int
}

func (s *stubPayments) ResolveOrder(_ context.Context, ref payments.OrderRef) (*models.Order, error) {
	return &models.Order{ID: uuid.MustParse(ref.OrderID), Provider: enums.PaymentProviderStripe}, nil
}

func (s *stubPayments) Lookup(context.Context, models.Order) (payments.Confirmation, error) {
	return payments.Confirmation{Provider: enums.PaymentProviderStripe, Status: s.status}, nil
}

func (s *stubPayments) Confirm(_ context.Context, orderID uuid.UUID, _ payments.Confirmation) (ledger.Result, error) {
	s.confirmed++
	return ledger.Result{OrderID: orderID, Outcome: ledger.OutcomeApplied}, nil
}

type stubWebhooks struct {
	provider enums.PaymentProvider
	body     string
}

func (s *stubWebhooks) HandleWebhook(_ context.Context, provider enums.PaymentProvider, body []byte, _ http.Header) (payments.WebhookResult, error) {
	s.provider = provider
	s.body = string(body)
	if provider == enums.PaymentProviderSquare {
		return payments.WebhookResult{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid square signature")
	}
	return payments.WebhookResult{Provider: provider, EventID: "evt_1", Outcome: payments.WebhookDuplicate}, nil
}

type stubJobs struct {
	dryRun bool
}

func (s *stubJobs) RunNow(_ context.Context, name string, dryRun bool) (cron.Run, error) {
	if name == "busy" {
		return cron.Run{}, pkgerrors.New(pkgerrors.CodeLeaseHeld, "job is already running")
	}
	s.dryRun = dryRun
	return cron.Run{Job: name, DryRun: dryRun, Report: map[string]int{"considered": 2}}, nil
}

func (s *stubJobs) Status(_ context.Context, name string) (*models.JobLock, error) {
	holder := "worker-a"
	locked := time.Date(2026, 2, 16, 2, 0, 0, 0, time.UTC)
	return &models.JobLock{
		Key:        name,
		LockedBy:   &holder,
		LockedAt:   &locked,
		ExpiresAt:  locked.Add(time.Hour),
		LastReport: json.RawMessage(`{"job":"` + name + `"}`),
	}, nil
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("down") }

type harness struct {
	handler  http.Handler
	risk     *stubRisk
	trust    *stubTrust
	ledger   *stubLedger
	payouts  *stubPayouts
	payments *stubPayments
	webhooks *stubWebhooks
	jobs     *stubJobs
}

func newHarness(t *testing.T, ready map[string]controllers.Pinger) *harness {
	return newHarnessWithToken(t, adminToken, ready)
}

func newHarnessWithToken(t *testing.T, token string, ready map[string]controllers.Pinger) *harness {
	t.Helper()
	h := &harness{
		risk:     &stubRisk{},
		trust:    &stubTrust{},
		ledger:   &stubLedger{},
		payouts:  &stubPayouts{},
		payments: &stubPayments{status: payments.StatusConfirmed},
		webhooks: &stubWebhooks{},
		jobs:     &stubJobs{},
	}
	cfg := &config.Config{App: config.AppConfig{Env: "test"}, Admin: config.AdminConfig{Token: token}}
	reg := prometheus.NewRegistry()
	logg := logger.New(logger.Options{ServiceName: "router-test", Output: io.Discard})
	h.handler = NewRouter(cfg, logg, Deps{
		Risk:        h.risk,
		Trust:       h.trust,
		Ledger:      h.ledger,
		Payouts:     h.payouts,
		Payments:    h.payments,
		Webhooks:    h.webhooks,
		Jobs:        h.jobs,
		Ready:       ready,
		Gatherer:    reg,
		HTTPMetrics: metrics.NewHTTPMetrics(reg),
		Clock:       func() time.Time { return time.Date(2026, 2, 16, 2, 30, 0, 0, time.UTC) },
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) admin(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	return h.do(t, method, path, body, map[string]string{"X-Admin-Token": adminToken, "X-Admin-Actor": "ops-1"})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.APIError {
	t.Helper()
	var env types.ErrorEnvelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Error
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Data
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := newHarness(t, nil)
	path := "/admin/stores/" + uuid.NewString() + "/balance"

	rec := h.do(t, http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, path, "", map[string]string{"X-Admin-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(pkgerrors.CodeUnauthorized), decodeError(t, rec).Code)

	rec = h.admin(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decodeData(t, rec)["balance"].(map[string]any)
	assert.Equal(t, float64(1200), balance["available_cents"])
}

func TestAdminRoutesDisabledWithoutConfiguredToken(t *testing.T) {
	h := newHarnessWithToken(t, "", nil)
	rec := h.do(t, http.MethodGet, "/admin/risk/rules", "", map[string]string{"X-Admin-Token": ""})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	h := newHarness(t, map[string]controllers.Pinger{"db": nil})
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health/live", "", nil).Code)

	rec := h.do(t, http.MethodGet, "/health/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "skipped", decodeData(t, rec)["checks"].(map[string]any)["db"])

	rec = h.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestReadinessFailsWhenDependencyDown(t *testing.T) {
	h := newHarness(t, map[string]controllers.Pinger{"redis": failingPinger{}})
	rec := h.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, "down", apiErr.Details.(map[string]any)["checks"].(map[string]any)["redis"])
}

func TestRiskComputeDryRunUsesActorPreview(t *testing.T) {
	h := newHarness(t, nil)
	storeID := uuid.NewString()

	rec := h.admin(t, http.MethodPost, "/admin/risk/"+storeID+"/compute?dryRun=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops-1", h.risk.previewActor)
	assert.Zero(t, h.risk.computed)

	rec = h.admin(t, http.MethodPost, "/admin/risk/"+storeID+"/compute", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIGH", decodeData(t, rec)["next_level"])
	assert.Equal(t, 1, h.risk.computed)

	rec = h.do(t, http.MethodPost, "/admin/risk/"+storeID+"/compute?dryRun=true", "",
		map[string]string{"X-Admin-Token": adminToken, "X-Admin-Actor": "noisy"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = h.admin(t, http.MethodPost, "/admin/risk/not-a-uuid/compute", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRiskFlagAndRules(t *testing.T) {
	h := newHarness(t, nil)
	storeID := uuid.NewString()

	rec := h.admin(t, http.MethodPost, "/admin/risk/"+storeID+"/flag", `{"note":"missing flag"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "is required", decodeError(t, rec).Details.(map[string]any)["flagged"])

	rec = h.admin(t, http.MethodPost, "/admin/risk/"+storeID+"/flag", `{"flagged":true,"note":"chargeback ring"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, h.risk.flagged)
	assert.True(t, *h.risk.flagged)

	rec = h.admin(t, http.MethodPut, "/admin/risk/rules", `{"refund_spike_rate":0.2,"critical_floor_score":60}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.2, decodeData(t, rec)["refund_spike_rate"])
	require.NotNil(t, h.risk.saved)
	assert.Nil(t, h.risk.saved.ChargebackCount)

	rec = h.admin(t, http.MethodPut, "/admin/risk/rules", `{"refund_spike_rate":3}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.admin(t, http.MethodGet, "/admin/risk/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.15, decodeData(t, rec)["refund_spike_rate"])
}

func TestTrustRecomputePassesDryRun(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.admin(t, http.MethodPost, "/admin/trust/"+uuid.NewString()+"/recompute?dryRun=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.trust.dryRun)
}

func TestJobRoutes(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.admin(t, http.MethodPost, "/admin/jobs/weekly-payout-batch/run?dryRun=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.jobs.dryRun)
	assert.Equal(t, "weekly-payout-batch", decodeData(t, rec)["job"])

	rec = h.admin(t, http.MethodPost, "/admin/jobs/busy/run", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(pkgerrors.CodeLeaseHeld), decodeError(t, rec).Code)

	rec = h.admin(t, http.MethodGet, "/admin/jobs/daily-risk-eval", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, true, data["running"])
	assert.Equal(t, map[string]any{"job": "daily-risk-eval"}, data["last_report"])
}

func TestLedgerRoutes(t *testing.T) {
	h := newHarness(t, nil)
	storeID := uuid.NewString()
	orderID := uuid.NewString()

	rec := h.admin(t, http.MethodGet, "/admin/stores/"+storeID+"/balance?verify=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeData(t, rec)["matches"])

	rec = h.admin(t, http.MethodGet, "/admin/stores/"+storeID+"/ledger?cursor=not-a-cursor", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.admin(t, http.MethodGet, "/admin/stores/"+storeID+"/ledger?limit=10", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.admin(t, http.MethodPost, "/admin/orders/"+orderID+"/deliver", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(ledger.OutcomeAlreadyReleased), decodeData(t, rec)["outcome"])

	rec = h.admin(t, http.MethodPost, "/admin/orders/"+orderID+"/refund", `{"reason":"OOPS"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.admin(t, http.MethodPost, "/admin/orders/"+orderID+"/refund", `{"reason":"CHARGEBACK"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, enums.RefundReasonChargeback, h.ledger.refundReason)
	assert.Equal(t, string(pkgerrors.CodeInsufficientFunds), decodeError(t, rec).Code)
}

func TestOrderReconcileConfirmsWhenProviderPaid(t *testing.T) {
	h := newHarness(t, nil)
	orderID := uuid.NewString()

	rec := h.admin(t, http.MethodPost, "/admin/orders/"+orderID+"/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.payments.confirmed)

	h.payments.status = payments.StatusPending
	rec = h.admin(t, http.MethodPost, "/admin/orders/"+orderID+"/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decodeData(t, rec)["ledger"])
	assert.Equal(t, 1, h.payments.confirmed)
}

func TestPayoutRoutes(t *testing.T) {
	h := newHarness(t, nil)
	payoutID := uuid.NewString()

	rec := h.admin(t, http.MethodGet, "/admin/payouts/"+payoutID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.admin(t, http.MethodPost, "/admin/payouts/"+payoutID+"/approve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "APPROVED", decodeData(t, rec)["Status"])

	rec = h.admin(t, http.MethodPost, "/admin/payouts/"+payoutID+"/reject", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.admin(t, http.MethodPost, "/admin/payouts/"+payoutID+"/paid", `{"reference":"  wire-77 "}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wire-77", h.payouts.reference)

	rec = h.admin(t, http.MethodGet, "/admin/stores/"+uuid.NewString()+"/payouts?limit=5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRouteDispatchesByProvider(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/webhooks/stripe", `{"id":"evt_1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, enums.PaymentProviderStripe, h.webhooks.provider)
	assert.Equal(t, `{"id":"evt_1"}`, h.webhooks.body)
	assert.Equal(t, "duplicate", decodeData(t, rec)["outcome"])

	rec = h.do(t, http.MethodPost, "/webhooks/square", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/webhooks/paypal", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
