// Package reconcile finds buyers who came back from a provider checkout but
// whose payment never reached the ledger, and confirms them through the same
// path provider webhooks use.
package reconcile

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/internal/ledger"
	"github.com/angelmondragon/sellerfin-backend/internal/payments"
	"github.com/angelmondragon/sellerfin-backend/internal/scan"
	dbpkg "github.com/angelmondragon/sellerfin-backend/pkg/db"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
	"github.com/angelmondragon/sellerfin-backend/pkg/metrics"
)

const (
	defaultLookback = 48 * time.Hour
	defaultLimit    = 500
)

// A redirect is settled once any CONFIRMED event shares one of its keys.
const candidatesSQL = `
SELECT r.order_id, r.order_number, r.session_id, r.provider, r.created_at
FROM checkout_events r
WHERE r.type = ?
  AND r.created_at >= ?
  AND r.created_at <= ?
  AND NOT EXISTS (
    SELECT 1 FROM checkout_events c
    WHERE c.type = ?
      AND (
        (r.order_id IS NOT NULL AND c.order_id = r.order_id)
        OR (r.order_number IS NOT NULL AND c.order_number = r.order_number)
        OR (r.session_id IS NOT NULL AND c.session_id = r.session_id)
      )
  )
ORDER BY r.created_at ASC
LIMIT ?`

type paymentsAPI interface {
	ResolveOrder(ctx context.Context, ref payments.OrderRef) (*models.Order, error)
	Lookup(ctx context.Context, order models.Order) (payments.Confirmation, error)
	Confirm(ctx context.Context, orderID uuid.UUID, c payments.Confirmation) (ledger.Result, error)
}

// Options control one run.
type Options struct {
	DryRun bool
}

// Candidate is one unconfirmed redirect, deduplicated by its strongest key.
type Candidate struct {
	OrderID     *uuid.UUID            `gorm:"column:order_id"`
	OrderNumber *string               `gorm:"column:order_number"`
	SessionID   *string               `gorm:"column:session_id"`
	Provider    enums.PaymentProvider `gorm:"column:provider"`
	CreatedAt   time.Time             `gorm:"column:created_at"`
}

// Key is order id, else order number, else checkout session id.
func (c Candidate) Key() string {
	switch {
	case c.OrderID != nil && *c.OrderID != uuid.Nil:
		return "order:" + c.OrderID.String()
	case c.OrderNumber != nil && *c.OrderNumber != "":
		return "number:" + *c.OrderNumber
	case c.SessionID != nil && *c.SessionID != "":
		return "session:" + *c.SessionID
	}
	return ""
}

func (c Candidate) ref() payments.OrderRef {
	var ref payments.OrderRef
	if c.OrderID != nil && *c.OrderID != uuid.Nil {
		ref.OrderID = c.OrderID.String()
	}
	if c.OrderNumber != nil {
		ref.OrderNumber = *c.OrderNumber
	}
	if c.SessionID != nil {
		ref.Reference = *c.SessionID
	}
	return ref
}

// Report summarizes one reconcile run.
type Report struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Candidates  int       `json:"candidates"`
	Considered  int       `json:"considered"`
	Confirmed   int64     `json:"confirmed"`
	GapFilled   int64     `json:"gap_filled"`
	Pending     int64     `json:"pending"`
	Unresolved  int64     `json:"unresolved"`
	Failed      int       `json:"failed"`
	Truncated   bool      `json:"truncated"`
	DryRun      bool      `json:"dry_run"`
	Errors      string    `json:"errors,omitempty"`
}

// ServiceParams wires the reconciler.
type ServiceParams struct {
	Conn        *gorm.DB
	Payments    paymentsAPI
	Logger      *logger.Logger
	Metrics     *metrics.FinanceMetrics
	Lookback    time.Duration
	MinAge      time.Duration
	Concurrency int
	Budget      time.Duration
	Limit       int
	Clock       func() time.Time
}

// Service runs the redirect reconcile.
type Service struct {
	db          *gorm.DB
	payments    paymentsAPI
	logg        *logger.Logger
	metrics     *metrics.FinanceMetrics
	lookback    time.Duration
	minAge      time.Duration
	concurrency int
	budget      time.Duration
	limit       int
	now         func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Conn == nil {
		return nil, fmt.Errorf("db connection required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payments service required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	svc := &Service{
		db:          params.Conn,
		payments:    params.Payments,
		logg:        params.Logger,
		metrics:     params.Metrics,
		lookback:    params.Lookback,
		minAge:      params.MinAge,
		concurrency: params.Concurrency,
		budget:      params.Budget,
		limit:       params.Limit,
	}
	if svc.lookback <= 0 {
		svc.lookback = defaultLookback
	}
	if svc.minAge < 0 {
		svc.minAge = 0
	}
	if svc.limit <= 0 {
		svc.limit = defaultLimit
	}
	clock := params.Clock
	if clock == nil {
		clock = dbpkg.NowUTC
	}
	svc.now = func() time.Time { return clock().UTC() }
	return svc, nil
}

// Candidates lists unconfirmed redirects older than the minimum age and inside
// the lookback window, oldest first, one per key.
func (s *Service) Candidates(ctx context.Context) ([]Candidate, time.Time, time.Time, error) {
	now := s.now()
	start := now.Add(-s.lookback)
	end := now.Add(-s.minAge)
	var rows []Candidate
	err := s.db.WithContext(ctx).Raw(candidatesSQL,
		enums.CheckoutEventRedirectSuccess, start, end, enums.CheckoutEventConfirmed, s.limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, start, end, fmt.Errorf("load redirect candidates: %w", err)
	}
	seen := make(map[string]struct{}, len(rows))
	out := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		key := row.Key()
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, row)
	}
	return out, start, end, nil
}

// RunPaymentRedirectReconcile confirms every candidate whose provider reports
// the payment as settled. Orders already marked paid are re-run through the
// ledger, which fills any missing entries and is a no-op otherwise.
func (s *Service) RunPaymentRedirectReconcile(ctx context.Context, opts Options) (Report, error) {
	ctx = s.logg.WithJob(ctx, "payment_redirect_reconcile")
	candidates, start, end, err := s.Candidates(ctx)
	report := Report{WindowStart: start, WindowEnd: end, DryRun: opts.DryRun}
	if err != nil {
		return report, err
	}
	report.Candidates = len(candidates)

	var confirmed, gapFilled, pending, unresolved atomic.Int64
	result, err := scan.Items(ctx, scan.Options{
		Concurrency: s.concurrency,
		Budget:      s.budget,
	}, candidates, func(ctx context.Context, c Candidate) error {
		outcome, err := s.reconcileOne(ctx, c, opts)
		if err != nil {
			return fmt.Errorf("%s: %w", c.Key(), err)
		}
		switch outcome {
		case outcomeConfirmed:
			confirmed.Add(1)
		case outcomeGapFilled:
			gapFilled.Add(1)
		case outcomeUnresolved:
			unresolved.Add(1)
		default:
			pending.Add(1)
		}
		return nil
	})
	report.Considered = result.Considered
	report.Confirmed = confirmed.Load()
	report.GapFilled = gapFilled.Load()
	report.Pending = pending.Load()
	report.Unresolved = unresolved.Load()
	report.Failed = result.Failed
	report.Truncated = result.Truncated
	if result.Err != nil {
		report.Errors = result.Err.Error()
		s.logg.Error(ctx, "redirect reconcile had failing candidates", result.Err)
	}
	if err != nil {
		return report, err
	}

	if !opts.DryRun {
		s.metrics.AddReconciled(string(outcomeConfirmed), int(report.Confirmed))
		s.metrics.AddReconciled(string(outcomeGapFilled), int(report.GapFilled))
		s.metrics.AddReconciled(string(outcomePending), int(report.Pending))
		s.metrics.AddReconciled(string(outcomeUnresolved), int(report.Unresolved))
		s.metrics.AddReconciled("failed", report.Failed)
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"candidates": report.Candidates,
		"confirmed":  report.Confirmed,
		"gap_filled": report.GapFilled,
		"pending":    report.Pending,
		"unresolved": report.Unresolved,
		"failed":     report.Failed,
		"truncated":  report.Truncated,
		"dry_run":    report.DryRun,
	}), "payment redirect reconcile finished")
	return report, nil
}

type outcome string

const (
	outcomeConfirmed  outcome = "confirmed"
	outcomeGapFilled  outcome = "gap_filled"
	outcomePending    outcome = "pending"
	outcomeUnresolved outcome = "unresolved"
)

func (s *Service) reconcileOne(ctx context.Context, c Candidate, opts Options) (outcome, error) {
	order, err := s.payments.ResolveOrder(ctx, c.ref())
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return outcomeUnresolved, nil
	}
	if err != nil {
		return "", err
	}
	ctx = s.logg.WithOrderID(ctx, order.ID.String())

	if order.PaymentStatus == enums.PaymentStatusPaid {
		if opts.DryRun {
			return outcomeGapFilled, nil
		}
		confirmation := payments.Confirmation{Provider: order.Provider, Status: payments.StatusConfirmed}
		if order.ProviderReference != nil {
			confirmation.ProviderTransactionID = *order.ProviderReference
		}
		if _, err := s.payments.Confirm(ctx, order.ID, confirmation); err != nil {
			return "", err
		}
		return outcomeGapFilled, nil
	}
	if order.PaymentStatus != enums.PaymentStatusPending && order.PaymentStatus != enums.PaymentStatusUnpaid {
		return outcomePending, nil
	}

	confirmation, err := s.payments.Lookup(ctx, *order)
	if err != nil {
		return "", err
	}
	if !confirmation.Confirmed() {
		return outcomePending, nil
	}
	if opts.DryRun {
		return outcomeConfirmed, nil
	}
	if _, err := s.payments.Confirm(ctx, order.ID, confirmation); err != nil {
		return "", err
	}
	s.logg.Info(ctx, "redirect payment confirmed by reconcile")
	return outcomeConfirmed, nil
}
