// Package payouts runs the weekly payout batch and the admin decisions on the
// resulting payout requests.
package payouts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/internal/scan"
	dbpkg "github.com/angelmondragon/sellerfin-backend/pkg/db"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
	"github.com/angelmondragon/sellerfin-backend/pkg/metrics"
	"github.com/angelmondragon/sellerfin-backend/pkg/outbox"
	"github.com/angelmondragon/sellerfin-backend/pkg/outbox/payloads"
)

const (
	defaultMinimumCents = 50_000
	defaultAlertRatio   = 0.5
	batchKeyIndex       = "ux_payout_requests_batch_key"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// payoutLedger moves payout amounts between balance buckets inside the caller's tx.
type payoutLedger interface {
	LockForPayout(ctx context.Context, tx *gorm.DB, payout *models.PayoutRequest) error
	ReleasePayout(ctx context.Context, tx *gorm.DB, payout *models.PayoutRequest) error
	SettlePayout(ctx context.Context, tx *gorm.DB, payout *models.PayoutRequest) error
}

// skip carries a gate failure found inside the batch transaction.
type skip struct {
	reason enums.PayoutSkipReason
}

func (s skip) Error() string { return "payout skipped: " + string(s.reason) }

// Options control a batch run.
type Options struct {
	DryRun bool `json:"dry_run"`
	// Now overrides the run instant; the week is derived from it.
	Now *time.Time `json:"now,omitempty"`
}

// BatchReport summarizes one weekly payout batch.
type BatchReport struct {
	WeekStart    string         `json:"week_start"`
	Considered   int            `json:"considered"`
	CreatedCount int            `json:"created_count"`
	TotalCents   int64          `json:"total_cents"`
	Eligible     int            `json:"eligible"`
	Skipped      map[string]int `json:"skipped"`
	SkipRatio    float64        `json:"skip_ratio"`
	Alert        bool           `json:"alert"`
	Failed       int            `json:"failed"`
	Truncated    bool           `json:"truncated"`
	DryRun       bool           `json:"dry_run"`
	Errors       string         `json:"errors,omitempty"`
}

func (r *BatchReport) skipped() int {
	total := 0
	for _, n := range r.Skipped {
		total += n
	}
	return total
}

// ServiceParams wires the payout processor.
type ServiceParams struct {
	DB                    txRunner
	Conn                  *gorm.DB
	Repo                  *Repository
	Ledger                payoutLedger
	Outbox                outbox.Emitter
	Logger                *logger.Logger
	Metrics               *metrics.FinanceMetrics
	MinimumThresholdCents int64
	AlertSkipRatio        float64
	Clock                 func() time.Time
}

// Service creates and decides payout requests.
type Service struct {
	tx         txRunner
	db         *gorm.DB
	repo       *Repository
	ledger     payoutLedger
	outbox     outbox.Emitter
	logg       *logger.Logger
	metrics    *metrics.FinanceMetrics
	minimum    int64
	alertRatio float64
	now        func() time.Time
}

// NewService validates dependencies and builds the payout processor.
func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil || params.Conn == nil {
		return nil, fmt.Errorf("db required")
	}
	if params.Repo == nil {
		return nil, fmt.Errorf("payout repository required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	minimum := params.MinimumThresholdCents
	if minimum <= 0 {
		minimum = defaultMinimumCents
	}
	ratio := params.AlertSkipRatio
	if ratio <= 0 {
		ratio = defaultAlertRatio
	}
	clock := params.Clock
	if clock == nil {
		clock = dbpkg.NowUTC
	}
	return &Service{
		tx:         params.DB,
		db:         params.Conn,
		repo:       params.Repo,
		ledger:     params.Ledger,
		outbox:     params.Outbox,
		logg:       params.Logger,
		metrics:    params.Metrics,
		minimum:    minimum,
		alertRatio: ratio,
		now:        func() time.Time { return clock().UTC() },
	}, nil
}

// RunWeeklyPayoutBatch creates at most one payout request per store for the
// current week. Repeated or concurrent runs for the same week are skipped with
// ALREADY_CREATED.
func (s *Service) RunWeeklyPayoutBatch(ctx context.Context, scanOpts scan.Options, opts Options) (BatchReport, error) {
	now := s.now()
	if opts.Now != nil {
		now = opts.Now.UTC()
	}
	week := WeekStartUTC(now)
	ctx = s.logg.WithFields(s.logg.WithJob(ctx, "weekly_payout_batch"), map[string]any{
		"week_start": week.Format(weekKeyLayout),
		"dry_run":    opts.DryRun,
	})

	var mu sync.Mutex
	report := BatchReport{
		WeekStart: week.Format(weekKeyLayout),
		Skipped:   map[string]int{},
		DryRun:    opts.DryRun,
	}
	result, err := scan.Run(ctx, scanOpts, scan.Balances(s.db), func(ctx context.Context, balance models.SellerBalance) error {
		amount, reason, err := s.processStore(ctx, balance, week, opts.DryRun)
		if err != nil {
			return fmt.Errorf("store %s: %w", balance.StoreID, err)
		}
		mu.Lock()
		defer mu.Unlock()
		switch {
		case reason != "":
			report.Skipped[string(reason)]++
		case opts.DryRun:
			report.Eligible++
		default:
			report.Eligible++
			report.CreatedCount++
			report.TotalCents += amount
		}
		return nil
	})

	report.Considered = result.Considered
	report.Failed = result.Failed
	report.Truncated = result.Truncated
	if result.Err != nil {
		report.Errors = result.Err.Error()
		s.logg.Error(ctx, "payout batch had failing stores", result.Err)
	}
	if report.Considered > 0 {
		report.SkipRatio = float64(report.skipped()) / float64(report.Considered)
	}
	report.Alert = report.SkipRatio > s.alertRatio

	if !opts.DryRun {
		s.metrics.AddPayoutsCreated(report.CreatedCount)
		for reason, n := range report.Skipped {
			s.metrics.AddPayoutsSkipped(reason, n)
		}
	}
	if report.Alert {
		s.metrics.IncPayoutAlert()
		s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
			"skip_ratio": report.SkipRatio,
			"skipped":    report.Skipped,
		}), "payout batch skip ratio above alert threshold")
	}
	if err != nil {
		return report, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"considered":  report.Considered,
		"created":     report.CreatedCount,
		"total_cents": report.TotalCents,
		"failed":      report.Failed,
	}), "weekly payout batch finished")
	return report, nil
}

// processStore returns the created amount, or the skip reason.
func (s *Service) processStore(ctx context.Context, snapshot models.SellerBalance, week time.Time, dryRun bool) (int64, enums.PayoutSkipReason, error) {
	key := BatchKey(snapshot.StoreID, week)
	exists, err := s.repo.BatchKeyExists(ctx, key)
	if err != nil {
		return 0, "", fmt.Errorf("check batch key: %w", err)
	}
	if exists {
		return 0, enums.PayoutSkipAlreadyCreated, nil
	}
	store, err := s.repo.FindStore(ctx, snapshot.StoreID)
	if err != nil {
		return 0, "", fmt.Errorf("load store: %w", err)
	}
	if store == nil {
		return 0, "", pkgerrors.New(pkgerrors.CodeNotFound, "balance references a missing store")
	}
	if reason, ok := Gate(*store, snapshot, s.minimum); !ok {
		return 0, reason, nil
	}
	if dryRun {
		return snapshot.AvailableCents, "", nil
	}

	var amount int64
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		balance, err := repo.LockBalance(ctx, snapshot.StoreID)
		if err != nil {
			return fmt.Errorf("reload balance: %w", err)
		}
		if balance == nil {
			return skip{reason: enums.PayoutSkipBelowThreshold}
		}
		if balance.PayoutPendingCents > 0 {
			return skip{reason: enums.PayoutSkipPayoutPending}
		}
		if balance.AvailableCents < s.minimum || balance.AvailableCents <= 0 {
			return skip{reason: enums.PayoutSkipBelowThreshold}
		}

		req := models.PayoutRequest{
			StoreID:     snapshot.StoreID,
			AmountCents: balance.AvailableCents,
			Status:      enums.PayoutStatusRequested,
			WeekStart:   week,
			BatchKey:    key,
		}
		if err := repo.Create(ctx, &req); err != nil {
			if dbpkg.IsUniqueViolation(err, batchKeyIndex) {
				return skip{reason: enums.PayoutSkipAlreadyCreated}
			}
			return fmt.Errorf("insert payout request: %w", err)
		}
		if err := s.ledger.LockForPayout(ctx, tx, &req); err != nil {
			return err
		}
		amount = req.AmountCents
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPayoutRequested,
			AggregateType: enums.AggregatePayoutRequest,
			AggregateID:   req.ID,
			Data: payloads.PayoutRequestedEvent{
				PayoutRequestID: req.ID,
				StoreID:         req.StoreID,
				AmountCents:     req.AmountCents,
				WeekStart:       week.Format(weekKeyLayout),
				BatchKey:        key,
			},
		})
	})
	var skipped skip
	if errors.As(err, &skipped) {
		return 0, skipped.reason, nil
	}
	if err != nil {
		return 0, "", err
	}
	return amount, "", nil
}

// Get returns one payout request.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	req, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load payout request: %w", err)
	}
	if req == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payout request not found")
	}
	return req, nil
}

// ListForStore returns a store's most recent payout requests.
func (s *Service) ListForStore(ctx context.Context, storeID uuid.UUID, limit int) ([]models.PayoutRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.repo.ListForStore(ctx, storeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payout requests: %w", err)
	}
	return rows, nil
}

// Approve accepts a requested payout for settlement.
func (s *Service) Approve(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	return s.decide(ctx, id, []enums.PayoutStatus{enums.PayoutStatusRequested}, enums.PayoutStatusApproved, nil,
		func(now time.Time) map[string]any {
			return map[string]any{"status": enums.PayoutStatusApproved, "decided_at": now, "updated_at": now}
		})
}

// Reject returns the locked amount to available.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, note string) (*models.PayoutRequest, error) {
	return s.decide(ctx, id, []enums.PayoutStatus{enums.PayoutStatusRequested, enums.PayoutStatusApproved}, enums.PayoutStatusRejected,
		s.ledger.ReleasePayout,
		func(now time.Time) map[string]any {
			return map[string]any{"status": enums.PayoutStatusRejected, "note": note, "decided_at": now, "updated_at": now}
		})
}

// MarkPaid records settlement of an approved payout with the transfer reference.
func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID, reference string) (*models.PayoutRequest, error) {
	if reference == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment reference is required")
	}
	return s.decide(ctx, id, []enums.PayoutStatus{enums.PayoutStatusApproved}, enums.PayoutStatusPaid,
		s.ledger.SettlePayout,
		func(now time.Time) map[string]any {
			return map[string]any{"status": enums.PayoutStatusPaid, "reference": reference, "paid_at": now, "updated_at": now}
		})
}

func (s *Service) decide(
	ctx context.Context,
	id uuid.UUID,
	from []enums.PayoutStatus,
	to enums.PayoutStatus,
	move func(ctx context.Context, tx *gorm.DB, payout *models.PayoutRequest) error,
	updates func(now time.Time) map[string]any,
) (*models.PayoutRequest, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payout request id is required")
	}
	now := s.now()
	var out models.PayoutRequest
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		req, err := repo.Find(ctx, id)
		if err != nil {
			return fmt.Errorf("load payout request: %w", err)
		}
		if req == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "payout request not found")
		}
		ok, err := repo.Transition(ctx, id, from, updates(now))
		if err != nil {
			return fmt.Errorf("update payout request: %w", err)
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payout request cannot move to "+string(to)).
				WithDetails(map[string]any{"status": req.Status})
		}
		if move != nil {
			if err := move(ctx, tx, req); err != nil {
				return err
			}
		}
		updated, err := repo.Find(ctx, id)
		if err != nil {
			return fmt.Errorf("reload payout request: %w", err)
		}
		out = *updated
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPayoutDecided,
			AggregateType: enums.AggregatePayoutRequest,
			AggregateID:   id,
			OccurredAt:    now,
			Data: payloads.PayoutDecidedEvent{
				PayoutRequestID: id,
				StoreID:         req.StoreID,
				Status:          to,
				AmountCents:     req.AmountCents,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"payout_request_id": id.String(),
		"status":            to,
	}), "payout request decided")
	return &out, nil
}
