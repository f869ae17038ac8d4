// Package ledger records every seller money movement as an immutable entry and
// keeps the per-store balance projection in step, inside one transaction per
// operation. Operations are idempotent per (entry type, store, order or payout).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/sellerfin-backend/pkg/db"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
	"github.com/angelmondragon/sellerfin-backend/pkg/metrics"
	"github.com/angelmondragon/sellerfin-backend/pkg/outbox"
	"github.com/angelmondragon/sellerfin-backend/pkg/outbox/payloads"
)

// Outcome describes what an idempotent ledger operation did.
type Outcome string

const (
	OutcomeApplied         Outcome = "APPLIED"
	OutcomeAlreadyPaid     Outcome = "ALREADY_PAID"
	OutcomeAlreadyReleased Outcome = "ALREADY_RELEASED"
	OutcomeAlreadyRefunded Outcome = "ALREADY_REFUNDED"
)

// errAlreadyApplied rolls a transaction back when a racing writer won the
// unique (type, store_id, scope_key) index.
var errAlreadyApplied = errors.New("ledger entry already applied")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Result is returned by order-level operations.
type Result struct {
	Outcome         Outcome   `json:"outcome"`
	OrderID         uuid.UUID `json:"order_id"`
	StoreID         uuid.UUID `json:"store_id"`
	GrossCents      int64     `json:"gross_cents"`
	CommissionCents int64     `json:"commission_cents"`
	SellerNetCents  int64     `json:"seller_net_cents"`
}

// ConfirmHook runs after ConfirmPayment commits, for new and repeated
// confirmations alike. Hook failures are logged and never undo the payment.
type ConfirmHook func(ctx context.Context, order models.Order, result Result) error

// ConfirmPaymentInput identifies a provider-confirmed payment.
type ConfirmPaymentInput struct {
	OrderID           uuid.UUID
	Provider          enums.PaymentProvider
	ProviderReference string
}

// RefundInput identifies an order refund.
type RefundInput struct {
	OrderID uuid.UUID
	Reason  enums.RefundReason
}

// ServiceParams wires the ledger service.
type ServiceParams struct {
	DB             txRunner
	Repo           *Repository
	Outbox         outbox.Emitter
	Logger         *logger.Logger
	Metrics        *metrics.FinanceMetrics
	CommissionRate decimal.Decimal
	Hooks          []ConfirmHook
	Clock          func() time.Time
}

// Service is the ledger and escrow engine.
type Service struct {
	db         txRunner
	repo       *Repository
	outbox     outbox.Emitter
	logg       *logger.Logger
	metrics    *metrics.FinanceMetrics
	commission decimal.Decimal
	hooks      []ConfirmHook
	now        func() time.Time
}

// NewService validates dependencies and builds the ledger service.
func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.CommissionRate.IsNegative() || params.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("commission rate %s outside [0,1]", params.CommissionRate)
	}
	clock := params.Clock
	if clock == nil {
		clock = dbpkg.NowUTC
	}
	return &Service{
		db:         params.DB,
		repo:       params.Repo,
		outbox:     params.Outbox,
		logg:       params.Logger,
		metrics:    params.Metrics,
		commission: params.CommissionRate,
		hooks:      params.Hooks,
		now:        func() time.Time { return clock().UTC() },
	}, nil
}

// AddConfirmHook registers a post-commit confirmation hook.
func (s *Service) AddConfirmHook(hook ConfirmHook) {
	if hook != nil {
		s.hooks = append(s.hooks, hook)
	}
}

// Commission computes the platform share of gross, rounded half-up to the centime.
func (s *Service) Commission(gross int64) int64 {
	return decimal.NewFromInt(gross).Mul(s.commission).Round(0).IntPart()
}

// ConfirmPayment moves the gross amount of a paid order into escrow and books
// the platform commission.
func (s *Service) ConfirmPayment(ctx context.Context, input ConfirmPaymentInput) (Result, error) {
	if input.OrderID == uuid.Nil {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	if input.Provider != "" && !input.Provider.IsValid() {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "unknown payment provider")
	}
	ctx = s.logg.WithOrderID(ctx, input.OrderID.String())

	var (
		result Result
		order  models.Order
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		loaded, err := s.loadOrder(ctx, repo, input.OrderID)
		if err != nil {
			return err
		}
		order = *loaded
		result = Result{OrderID: order.ID, StoreID: order.StoreID, GrossCents: order.TotalCents}

		scope := models.OrderScope(order.ID)
		held, err := repo.EntryExists(ctx, enums.LedgerEntryTypeEscrowHold, order.StoreID, scope)
		if err != nil {
			return fmt.Errorf("check escrow hold: %w", err)
		}
		if held {
			result.Outcome = OutcomeAlreadyPaid
			result.CommissionCents = valueOr(order.CommissionCents, 0)
			result.SellerNetCents = valueOr(order.SellerNetCents, 0)
			return nil
		}
		if order.EscrowStatus != enums.EscrowStatusNone {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order escrow already settled").
				WithDetails(map[string]any{"escrow_status": order.EscrowStatus})
		}
		if order.TotalCents <= 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "order total must be positive")
		}

		commission := s.Commission(order.TotalCents)
		if order.CommissionCents != nil {
			commission = *order.CommissionCents
		}
		if commission < 0 || commission > order.TotalCents {
			return s.violation(ctx, "confirm_payment", "commission exceeds gross", map[string]any{
				"gross_cents":      order.TotalCents,
				"commission_cents": commission,
			})
		}
		net := order.TotalCents - commission
		result.CommissionCents = commission
		result.SellerNetCents = net

		now := s.now()
		entries := []models.LedgerEntry{
			{
				Type:        enums.LedgerEntryTypeEscrowHold,
				Status:      enums.LedgerEntryStatusHeld,
				StoreID:     order.StoreID,
				OrderID:     &order.ID,
				ScopeKey:    scope,
				AmountCents: order.TotalCents,
				CreatedAt:   now,
			},
			{
				Type:        enums.LedgerEntryTypePlatformEarn,
				Status:      enums.LedgerEntryStatusPending,
				StoreID:     order.StoreID,
				OrderID:     &order.ID,
				ScopeKey:    scope,
				AmountCents: commission,
				CreatedAt:   now,
			},
		}
		if err := s.insertEntries(ctx, repo, entries); err != nil {
			return err
		}

		if err := repo.EnsureBalance(ctx, order.StoreID, now); err != nil {
			return fmt.Errorf("ensure balance: %w", err)
		}
		if _, err := s.applyDelta(ctx, repo, "confirm_payment", order.StoreID, Delta{Escrow: order.TotalCents}, now); err != nil {
			return err
		}

		updates := map[string]any{
			"status":           enums.OrderStatusConfirmed,
			"payment_status":   enums.PaymentStatusPaid,
			"escrow_status":    enums.EscrowStatusHeld,
			"commission_cents": commission,
			"seller_net_cents": net,
			"paid_at":          now,
			"updated_at":       now,
		}
		if input.ProviderReference != "" {
			updates["provider_reference"] = input.ProviderReference
		}
		advanced, err := repo.AdvanceOrder(ctx, order.ID, enums.EscrowStatusNone, updates)
		if err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}
		if !advanced {
			return errAlreadyApplied
		}
		order.PaidAt = &now

		result.Outcome = OutcomeApplied
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentConfirmed,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			OccurredAt:    now,
			Data: payloads.PaymentConfirmedEvent{
				OrderID:         order.ID,
				StoreID:         order.StoreID,
				BuyerUserID:     order.BuyerUserID,
				Provider:        order.Provider,
				GrossCents:      order.TotalCents,
				CommissionCents: commission,
				PaidAt:          now,
			},
		})
	})
	if errors.Is(err, errAlreadyApplied) {
		result.Outcome = OutcomeAlreadyPaid
		err = nil
	}
	if err != nil {
		return Result{}, err
	}

	if result.Outcome == OutcomeApplied {
		s.countEntries(enums.LedgerEntryTypeEscrowHold, enums.LedgerEntryTypePlatformEarn)
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"store_id":         result.StoreID.String(),
			"gross_cents":      result.GrossCents,
			"commission_cents": result.CommissionCents,
		}), "payment confirmed into escrow")
	}
	s.runHooks(ctx, order, result)
	return result, nil
}

// MarkDelivered releases a paid order's escrow: escrow drops by the gross amount
// and the seller's net share becomes available.
func (s *Service) MarkDelivered(ctx context.Context, orderID uuid.UUID) (Result, error) {
	if orderID == uuid.Nil {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	ctx = s.logg.WithOrderID(ctx, orderID.String())

	var result Result
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := s.loadOrder(ctx, repo, orderID)
		if err != nil {
			return err
		}
		result = Result{
			OrderID:         order.ID,
			StoreID:         order.StoreID,
			GrossCents:      order.TotalCents,
			CommissionCents: valueOr(order.CommissionCents, 0),
			SellerNetCents:  valueOr(order.SellerNetCents, 0),
		}

		scope := models.OrderScope(order.ID)
		released, err := repo.EntryExists(ctx, enums.LedgerEntryTypeEscrowRelease, order.StoreID, scope)
		if err != nil {
			return fmt.Errorf("check escrow release: %w", err)
		}
		if released {
			result.Outcome = OutcomeAlreadyReleased
			return nil
		}
		if order.PaymentStatus != enums.PaymentStatusPaid || order.EscrowStatus != enums.EscrowStatusHeld {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order escrow is not held").
				WithDetails(map[string]any{
					"payment_status": order.PaymentStatus,
					"escrow_status":  order.EscrowStatus,
				})
		}
		if order.SellerNetCents == nil {
			return s.violation(ctx, "mark_delivered", "seller net missing on paid order", nil)
		}
		net := *order.SellerNetCents

		now := s.now()
		if err := s.insertEntries(ctx, repo, []models.LedgerEntry{{
			Type:        enums.LedgerEntryTypeEscrowRelease,
			Status:      enums.LedgerEntryStatusReleased,
			StoreID:     order.StoreID,
			OrderID:     &order.ID,
			ScopeKey:    scope,
			AmountCents: net,
			CreatedAt:   now,
		}}); err != nil {
			return err
		}
		if _, err := s.applyDelta(ctx, repo, "mark_delivered", order.StoreID, Delta{Escrow: -order.TotalCents, Available: net}, now); err != nil {
			return err
		}
		advanced, err := repo.AdvanceOrder(ctx, order.ID, enums.EscrowStatusHeld, map[string]any{
			"status":        enums.OrderStatusDelivered,
			"escrow_status": enums.EscrowStatusReleased,
			"delivered_at":  now,
			"updated_at":    now,
		})
		if err != nil {
			return fmt.Errorf("mark order delivered: %w", err)
		}
		if !advanced {
			return errAlreadyApplied
		}

		result.Outcome = OutcomeApplied
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventEscrowReleased,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			OccurredAt:    now,
			Data: payloads.EscrowReleasedEvent{
				OrderID:        order.ID,
				StoreID:        order.StoreID,
				SellerNetCents: net,
				DeliveredAt:    now,
			},
		})
	})
	if errors.Is(err, errAlreadyApplied) {
		result.Outcome = OutcomeAlreadyReleased
		err = nil
	}
	if err != nil {
		return Result{}, err
	}
	if result.Outcome == OutcomeApplied {
		s.countEntries(enums.LedgerEntryTypeEscrowRelease)
		s.logg.Info(s.logg.WithStoreID(ctx, result.StoreID.String()), "escrow released")
	}
	return result, nil
}

// Refund reverses an order. While escrow is held the gross leaves escrow; after
// release the seller's net is clawed back from available funds, and the refund
// fails without touching anything when those funds are short.
func (s *Service) Refund(ctx context.Context, input RefundInput) (Result, error) {
	if input.OrderID == uuid.Nil {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	if !input.Reason.IsValid() {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "invalid refund reason")
	}
	ctx = s.logg.WithOrderID(ctx, input.OrderID.String())

	var (
		result       Result
		afterRelease bool
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		order, err := s.loadOrder(ctx, repo, input.OrderID)
		if err != nil {
			return err
		}
		commission := valueOr(order.CommissionCents, 0)
		net := valueOr(order.SellerNetCents, 0)
		result = Result{
			OrderID:         order.ID,
			StoreID:         order.StoreID,
			GrossCents:      order.TotalCents,
			CommissionCents: commission,
			SellerNetCents:  net,
		}

		scope := models.OrderScope(order.ID)
		refunded, err := repo.EntryExists(ctx, enums.LedgerEntryTypeRefund, order.StoreID, scope)
		if err != nil {
			return fmt.Errorf("check refund: %w", err)
		}
		if refunded {
			result.Outcome = OutcomeAlreadyRefunded
			return nil
		}

		reversalStatus := enums.LedgerEntryStatusReversed
		if input.Reason == enums.RefundReasonChargeback {
			reversalStatus = enums.LedgerEntryStatusChargeback
		}

		now := s.now()
		var (
			refund models.LedgerEntry
			delta  Delta
		)
		switch order.EscrowStatus {
		case enums.EscrowStatusHeld:
			refund = models.LedgerEntry{Status: enums.LedgerEntryStatusRefunded, AmountCents: -order.TotalCents}
			delta = Delta{Escrow: -order.TotalCents}
		case enums.EscrowStatusReleased:
			afterRelease = true
			refund = models.LedgerEntry{Status: enums.LedgerEntryStatusClawback, AmountCents: -net}
			delta = Delta{Available: -net}
		default:
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order has no escrow to refund").
				WithDetails(map[string]any{"escrow_status": order.EscrowStatus})
		}

		// Funds first: a short balance must fail before anything is written.
		if _, err := s.applyDelta(ctx, repo, "refund", order.StoreID, delta, now); err != nil {
			return err
		}

		refund.Type = enums.LedgerEntryTypeRefund
		refund.StoreID = order.StoreID
		refund.OrderID = &order.ID
		refund.ScopeKey = scope
		refund.CreatedAt = now
		reversal := models.LedgerEntry{
			Type:        enums.LedgerEntryTypeReversal,
			Status:      reversalStatus,
			StoreID:     order.StoreID,
			OrderID:     &order.ID,
			ScopeKey:    scope,
			AmountCents: -commission,
			CreatedAt:   now,
		}
		if err := s.insertEntries(ctx, repo, []models.LedgerEntry{reversal, refund}); err != nil {
			return err
		}

		advanced, err := repo.AdvanceOrder(ctx, order.ID, order.EscrowStatus, map[string]any{
			"status":         enums.OrderStatusRefunded,
			"payment_status": enums.PaymentStatusRefunded,
			"escrow_status":  enums.EscrowStatusRefunded,
			"refunded_at":    now,
			"updated_at":     now,
		})
		if err != nil {
			return fmt.Errorf("mark order refunded: %w", err)
		}
		if !advanced {
			return errAlreadyApplied
		}

		result.Outcome = OutcomeApplied
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderRefunded,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			OccurredAt:    now,
			Data: payloads.OrderRefundedEvent{
				OrderID:       order.ID,
				StoreID:       order.StoreID,
				Reason:        input.Reason,
				AfterRelease:  afterRelease,
				RefundedCents: -refund.AmountCents,
				ReversedCents: commission,
			},
		})
	})
	if errors.Is(err, errAlreadyApplied) {
		result.Outcome = OutcomeAlreadyRefunded
		err = nil
	}
	if err != nil {
		return Result{}, err
	}
	if result.Outcome == OutcomeApplied {
		s.countEntries(enums.LedgerEntryTypeReversal, enums.LedgerEntryTypeRefund)
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"store_id":      result.StoreID.String(),
			"reason":        input.Reason,
			"after_release": afterRelease,
		}), "order refunded")
	}
	return result, nil
}

// LockForPayout moves a payout amount from available to payout pending inside
// the caller's transaction.
func (s *Service) LockForPayout(ctx context.Context, tx *gorm.DB, payout *models.PayoutRequest) error {
	return s.payoutMovement(ctx, tx, payout, enums.LedgerEntryTypePayoutLock, enums.LedgerEntryStatusLocked,
		-payout.AmountCents, Delta{Available: -payout.AmountCents, PayoutPending: payout.AmountCents})
}

// ReleasePayout returns a rejected payout's amount to available.
func (s *Service) ReleasePayout(ctx context.Context, tx *gorm.DB, payout *models.PayoutRequest) error {
	return s.payoutMovement(ctx, tx, payout, enums.LedgerEntryTypePayoutRelease, enums.LedgerEntryStatusReleased,
		payout.AmountCents, Delta{Available: payout.AmountCents, PayoutPending: -payout.AmountCents})
}

// SettlePayout books a paid payout; the amount leaves the platform.
func (s *Service) SettlePayout(ctx context.Context, tx *gorm.DB, payout *models.PayoutRequest) error {
	return s.payoutMovement(ctx, tx, payout, enums.LedgerEntryTypePayoutPaid, enums.LedgerEntryStatusPaid,
		-payout.AmountCents, Delta{PayoutPending: -payout.AmountCents})
}

func (s *Service) payoutMovement(
	ctx context.Context,
	tx *gorm.DB,
	payout *models.PayoutRequest,
	entryType enums.LedgerEntryType,
	status enums.LedgerEntryStatus,
	amount int64,
	delta Delta,
) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if payout == nil || payout.ID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "payout request is required")
	}
	if payout.AmountCents <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "payout amount must be positive")
	}
	repo := s.repo.WithTx(tx)
	scope := models.PayoutScope(payout.ID)
	exists, err := repo.EntryExists(ctx, entryType, payout.StoreID, scope)
	if err != nil {
		return fmt.Errorf("check %s: %w", entryType, err)
	}
	if exists {
		return pkgerrors.New(pkgerrors.CodeDuplicateLedger, "payout movement already recorded").
			WithDetails(map[string]any{"type": entryType, "payout_request_id": payout.ID})
	}

	now := s.now()
	if _, err := s.applyDelta(ctx, repo, "payout_"+string(entryType), payout.StoreID, delta, now); err != nil {
		return err
	}
	entry := models.LedgerEntry{
		Type:            entryType,
		Status:          status,
		StoreID:         payout.StoreID,
		PayoutRequestID: &payout.ID,
		ScopeKey:        scope,
		AmountCents:     amount,
		CreatedAt:       now,
	}
	if err := repo.InsertEntry(ctx, &entry); err != nil {
		if dbpkg.IsUniqueViolation(err, "ux_ledger_entries_scope") {
			return pkgerrors.Wrap(pkgerrors.CodeDuplicateLedger, err, "payout movement already recorded")
		}
		return fmt.Errorf("insert %s: %w", entryType, err)
	}
	s.countEntries(entryType)
	return nil
}

func (s *Service) loadOrder(ctx context.Context, repo *Repository, orderID uuid.UUID) (*models.Order, error) {
	order, err := repo.FindOrder(ctx, orderID, true)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	return order, nil
}

func (s *Service) insertEntries(ctx context.Context, repo *Repository, entries []models.LedgerEntry) error {
	for i := range entries {
		if err := repo.InsertEntry(ctx, &entries[i]); err != nil {
			if dbpkg.IsUniqueViolation(err, "ux_ledger_entries_scope") {
				return errAlreadyApplied
			}
			return fmt.Errorf("insert %s entry: %w", entries[i].Type, err)
		}
	}
	return nil
}

// applyDelta never clamps: a bucket that would go negative is an invariant
// violation and aborts the surrounding transaction.
func (s *Service) applyDelta(ctx context.Context, repo *Repository, op string, storeID uuid.UUID, delta Delta, now time.Time) (bool, error) {
	applied, err := repo.ApplyDelta(ctx, storeID, delta, now)
	if err != nil {
		return false, fmt.Errorf("apply balance delta: %w", err)
	}
	if applied {
		return true, nil
	}
	fields := map[string]any{
		"store_id":             storeID.String(),
		"delta_available":      delta.Available,
		"delta_escrow":         delta.Escrow,
		"delta_payout_pending": delta.PayoutPending,
	}
	if current, findErr := repo.FindBalance(ctx, storeID); findErr == nil && current != nil {
		fields["available_cents"] = current.AvailableCents
		fields["escrow_cents"] = current.EscrowCents
		fields["payout_pending_cents"] = current.PayoutPendingCents
	}
	return false, s.violation(ctx, op, "balance would go negative", fields)
}

func (s *Service) violation(ctx context.Context, op, message string, fields map[string]any) error {
	err := pkgerrors.New(pkgerrors.CodeInvariantViolation, message).WithDetails(fields)
	s.logg.InvariantViolation(ctx, op, err, fields)
	s.metrics.IncInvariantViolation(op)
	return err
}

func (s *Service) countEntries(types ...enums.LedgerEntryType) {
	for _, entryType := range types {
		s.metrics.IncLedgerEntry(string(entryType))
	}
}

func (s *Service) runHooks(ctx context.Context, order models.Order, result Result) {
	for _, hook := range s.hooks {
		if err := hook(ctx, order, result); err != nil {
			s.logg.Error(ctx, "payment confirmation hook failed", err)
		}
	}
}

func valueOr(v *int64, fallback int64) int64 {
	if v == nil {
		return fallback
	}
	return *v
}
