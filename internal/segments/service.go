package segments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/internal/ledger"
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

const defaultVIPSpendCents = 5_000_000

var errStale = errors.New("segment changed concurrently")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Options control a recompute.
type Options struct {
	DryRun bool `json:"dry_run"`
}

// Result reports one buyer recompute.
type Result struct {
	UserID  uuid.UUID         `json:"user_id"`
	Prev    enums.UserSegment `json:"prev"`
	Next    enums.UserSegment `json:"next"`
	History History           `json:"history"`
	Changed bool              `json:"changed"`
	Stale   bool              `json:"stale,omitempty"`
	DryRun  bool              `json:"dry_run"`
}

// ServiceParams wires the segment engine.
type ServiceParams struct {
	DB            txRunner
	Conn          *gorm.DB
	Outbox        outbox.Emitter
	Logger        *logger.Logger
	Metrics       *metrics.FinanceMetrics
	VIPSpendCents int64
	Clock         func() time.Time
}

// Service recomputes buyer segments.
type Service struct {
	tx       txRunner
	db       *gorm.DB
	outbox   outbox.Emitter
	logg     *logger.Logger
	metrics  *metrics.FinanceMetrics
	vipSpend int64
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Conn == nil {
		return nil, fmt.Errorf("db connection required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	vip := params.VIPSpendCents
	if vip <= 0 {
		vip = defaultVIPSpendCents
	}
	clock := params.Clock
	if clock == nil {
		clock = dbpkg.NowUTC
	}
	return &Service{
		tx:       params.DB,
		db:       params.Conn,
		outbox:   params.Outbox,
		logg:     params.Logger,
		metrics:  params.Metrics,
		vipSpend: vip,
		now:      func() time.Time { return clock().UTC() },
	}, nil
}

// ConfirmHook recomputes the buyer of a confirmed order. It is registered on
// the ledger so every confirmation, new or repeated, refreshes the segment.
func (s *Service) ConfirmHook(ctx context.Context, order models.Order, _ ledger.Result) error {
	_, err := s.RecomputeUser(ctx, order.BuyerUserID, Options{})
	return err
}

// RecomputeUser classifies one buyer and writes the segment only when it
// changed. A buyer without a projection row is created as NEW first.
func (s *Service) RecomputeUser(ctx context.Context, userID uuid.UUID, opts Options) (Result, error) {
	if userID == uuid.Nil {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	ctx = s.logg.WithUserID(ctx, userID.String())
	now := s.now()
	result := Result{UserID: userID, DryRun: opts.DryRun}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var user models.User
		err := tx.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			user = models.User{ID: userID, Segment: enums.UserSegmentNew, CreatedAt: now}
			if !opts.DryRun {
				if err := tx.WithContext(ctx).Create(&user).Error; err != nil {
					return fmt.Errorf("create user projection: %w", err)
				}
			}
		case err != nil:
			return fmt.Errorf("load user: %w", err)
		}

		history, err := loadHistory(ctx, tx, userID)
		if err != nil {
			return err
		}
		result.History = history
		result.Prev = user.Segment
		result.Next = Classify(history, now, s.vipSpend)
		result.Changed = result.Next != result.Prev
		if !result.Changed || opts.DryRun {
			return nil
		}

		res := tx.WithContext(ctx).Model(&models.User{}).
			Where("id = ? AND segment = ?", userID, result.Prev).
			Updates(map[string]any{
				"segment":            result.Next,
				"segment_updated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("update segment: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errStale
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventSegmentChanged,
			AggregateType: enums.AggregateUser,
			AggregateID:   userID,
			OccurredAt:    now,
			Data: payloads.SegmentChangedEvent{
				UserID: userID,
				Prev:   result.Prev,
				Next:   result.Next,
			},
		})
	})
	if errors.Is(err, errStale) {
		result.Changed = false
		result.Stale = true
		return result, nil
	}
	if err != nil {
		return Result{}, err
	}
	if result.Changed && !opts.DryRun {
		s.metrics.IncSegmentChange(string(result.Next))
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"prev": result.Prev,
			"next": result.Next,
		}), "user segment changed")
	}
	return result, nil
}

func loadHistory(ctx context.Context, tx *gorm.DB, userID uuid.UUID) (History, error) {
	paid := tx.WithContext(ctx).Model(&models.Order{}).
		Where("buyer_user_id = ? AND payment_status = ? AND paid_at IS NOT NULL", userID, enums.PaymentStatusPaid)

	var totals struct {
		PaidOrders int64
		SpendCents int64
	}
	if err := paid.Session(&gorm.Session{}).
		Select("COUNT(*) AS paid_orders, COALESCE(SUM(total_cents), 0) AS spend_cents").
		Scan(&totals).Error; err != nil {
		return History{}, fmt.Errorf("sum paid orders: %w", err)
	}
	history := History{PaidOrders: totals.PaidOrders, SpendCents: totals.SpendCents}
	if totals.PaidOrders == 0 {
		return history, nil
	}

	var last models.Order
	if err := paid.Session(&gorm.Session{}).
		Select("paid_at").
		Order("paid_at DESC").
		Limit(1).
		Take(&last).Error; err != nil {
		return History{}, fmt.Errorf("load last paid order: %w", err)
	}
	history.LastPaidAt = last.PaidAt
	return history, nil
}

// RecomputeReport summarizes one segment batch.
type RecomputeReport struct {
	Considered int                       `json:"considered"`
	Changed    int64                     `json:"changed"`
	BySegment  map[enums.UserSegment]int `json:"by_segment"`
	Failed     int                       `json:"failed"`
	Truncated  bool                      `json:"truncated"`
	DryRun     bool                      `json:"dry_run"`
	Errors     string                    `json:"errors,omitempty"`
}

// RunSegmentRecompute reclassifies every buyer. Segments decay with time, so
// buyers with no new orders still move toward AT_RISK and CHURNED here.
func (s *Service) RunSegmentRecompute(ctx context.Context, scanOpts scan.Options, opts Options) (RecomputeReport, error) {
	ctx = s.logg.WithJob(ctx, "user_segment_recompute")
	var (
		changed atomic.Int64
		mu      sync.Mutex
		counts  = map[enums.UserSegment]int{}
	)
	result, err := scan.Run(ctx, scanOpts, scan.Users(s.db), func(ctx context.Context, userID uuid.UUID) error {
		res, err := s.RecomputeUser(ctx, userID, opts)
		if err != nil {
			return err
		}
		if res.Changed {
			changed.Add(1)
		}
		mu.Lock()
		counts[res.Next]++
		mu.Unlock()
		return nil
	})
	report := RecomputeReport{
		Considered: result.Considered,
		Changed:    changed.Load(),
		BySegment:  counts,
		Failed:     result.Failed,
		Truncated:  result.Truncated,
		DryRun:     opts.DryRun,
	}
	if result.Err != nil {
		report.Errors = result.Err.Error()
		s.logg.Error(ctx, "segment recompute had failing users", result.Err)
	}
	if err != nil {
		return report, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"considered": report.Considered,
		"changed":    report.Changed,
		"failed":     report.Failed,
		"truncated":  report.Truncated,
	}), "user segment recompute finished")
	return report, nil
}
