// Package trust maintains the seller trust tier with upgrade hysteresis and
// applies the benefits attached to each tier.
package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/internal/scan"
	"github.com/angelmondragon/sellerfin-backend/internal/signals"
	dbpkg "github.com/angelmondragon/sellerfin-backend/pkg/db"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
	"github.com/angelmondragon/sellerfin-backend/pkg/metrics"
	"github.com/angelmondragon/sellerfin-backend/pkg/outbox"
	"github.com/angelmondragon/sellerfin-backend/pkg/outbox/payloads"
)

var errStale = errors.New("trust state changed concurrently")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type signalSource interface {
	Collect(ctx context.Context, storeID uuid.UUID) (signals.StoreSignals, error)
}

// Options control a recompute.
type Options struct {
	DryRun bool `json:"dry_run"`
}

// Result reports one store recompute.
type Result struct {
	StoreID    uuid.UUID       `json:"store_id"`
	PrevTier   enums.TrustTier `json:"prev_tier"`
	NextTier   enums.TrustTier `json:"next_tier"`
	Transition Transition      `json:"transition"`
	Breakdown  Breakdown       `json:"breakdown"`
	State      State           `json:"state"`
	Benefits   Benefits        `json:"benefits"`
	Stale      bool            `json:"stale,omitempty"`
	DryRun     bool            `json:"dry_run"`
}

// Changed reports whether the tier moved.
func (r Result) Changed() bool {
	return r.Transition != TransitionNone
}

// ServiceParams wires the trust engine.
type ServiceParams struct {
	DB                txRunner
	Conn              *gorm.DB
	Signals           signalSource
	Outbox            outbox.Emitter
	Logger            *logger.Logger
	Metrics           *metrics.FinanceMetrics
	UpgradeStableDays int
	Clock             func() time.Time
}

// Service recomputes trust tiers.
type Service struct {
	tx         txRunner
	db         *gorm.DB
	signals    signalSource
	outbox     outbox.Emitter
	logg       *logger.Logger
	metrics    *metrics.FinanceMetrics
	stableDays int
	now        func() time.Time
}

// NewService validates dependencies and builds the trust engine.
func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil || params.Conn == nil {
		return nil, fmt.Errorf("db required")
	}
	if params.Signals == nil {
		return nil, fmt.Errorf("signal source required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	stable := params.UpgradeStableDays
	if stable <= 0 {
		stable = DefaultUpgradeStableDays
	}
	clock := params.Clock
	if clock == nil {
		clock = dbpkg.NowUTC
	}
	return &Service{
		tx:         params.DB,
		db:         params.Conn,
		signals:    params.Signals,
		outbox:     params.Outbox,
		logg:       params.Logger,
		metrics:    params.Metrics,
		stableDays: stable,
		now:        func() time.Time { return clock().UTC() },
	}, nil
}

func stateOf(store models.Store) State {
	st := State{
		CurrentTier: store.TrustTier,
		PendingTier: store.TrustPendingTier,
		StableDays:  store.TrustScoreStableDays,
	}
	if store.TrustScore != nil {
		st.Score = *store.TrustScore
		st.HasScore = true
	}
	return st
}

// RecomputeTrustForStore scores the store, advances its tier state and, unless
// DryRun, persists the state with any tier change and its benefits.
func (s *Service) RecomputeTrustForStore(ctx context.Context, storeID uuid.UUID, opts Options) (Result, error) {
	if storeID == uuid.Nil {
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "store id is required")
	}
	ctx = s.logg.WithStoreID(ctx, storeID.String())

	var store models.Store
	if err := s.db.WithContext(ctx).Where("id = ?", storeID).Take(&store).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Result{}, pkgerrors.New(pkgerrors.CodeNotFound, "store not found")
		}
		return Result{}, fmt.Errorf("load store: %w", err)
	}
	snapshot, err := s.signals.Collect(ctx, storeID)
	if err != nil {
		return Result{}, fmt.Errorf("collect signals: %w", err)
	}

	breakdown := ComputeTrustScore(snapshot)
	prev := stateOf(store)
	next, transition := Advance(prev, breakdown.Score, s.stableDays)
	result := Result{
		StoreID:    storeID,
		PrevTier:   prev.CurrentTier,
		NextTier:   next.CurrentTier,
		Transition: transition,
		Breakdown:  breakdown,
		State:      next,
		Benefits:   BenefitsFor(next.CurrentTier),
		DryRun:     opts.DryRun,
	}
	if opts.DryRun {
		return result, nil
	}

	err = s.persist(ctx, store, prev, result)
	if errors.Is(err, errStale) {
		result.Stale = true
		result.Transition = TransitionNone
		s.logg.Warn(ctx, "trust state changed concurrently; skipping")
		return result, nil
	}
	if err != nil {
		return Result{}, err
	}
	if result.Changed() {
		s.metrics.IncTrustTierChange(string(result.NextTier))
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"prev_tier": result.PrevTier,
			"next_tier": result.NextTier,
			"score":     breakdown.Score,
		}), "trust tier changed")
	}
	return result, nil
}

func (s *Service) persist(ctx context.Context, store models.Store, prev State, result Result) error {
	now := s.now()
	next := result.State
	updates := map[string]any{
		"trust_score":             next.Score,
		"trust_pending_tier":      next.PendingTier,
		"trust_score_stable_days": next.StableDays,
		"updated_at":              now,
	}
	if result.Changed() {
		updates["trust_tier"] = next.CurrentTier
		updates["trust_last_tier_change_at"] = now
		updates["payout_delay_hours"] = result.Benefits.PayoutDelayHours
		updates["listing_boost_factor"] = result.Benefits.ListingBoostFactor
	}

	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		query := tx.Model(&models.Store{}).Where("id = ? AND trust_tier = ?", store.ID, prev.CurrentTier)
		if prev.HasScore {
			query = query.Where("trust_score = ?", prev.Score)
		} else {
			query = query.Where("trust_score IS NULL")
		}
		res := query.Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update trust state: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errStale
		}
		if !result.Changed() {
			return nil
		}

		details, err := json.Marshal(map[string]any{
			"breakdown": result.Breakdown,
			"benefits":  result.Benefits,
		})
		if err != nil {
			return fmt.Errorf("encode trust details: %w", err)
		}
		severity := enums.SeverityInfo
		if result.Transition == TransitionDowngrade {
			severity = enums.SeverityWarning
			if next.CurrentTier == enums.TrustTierRestricted {
				severity = enums.SeverityCritical
			}
		}
		event := models.TrustEvent{
			StoreID:    store.ID,
			PrevTier:   prev.CurrentTier,
			NextTier:   next.CurrentTier,
			Severity:   severity,
			Score:      next.Score,
			ScoreDelta: next.Score - prev.Score,
			ReasonCode: string(result.Transition),
			Details:    details,
			CreatedAt:  now,
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("insert trust event: %w", err)
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventTrustTierChanged,
			AggregateType: enums.AggregateStore,
			AggregateID:   store.ID,
			OccurredAt:    now,
			Data: payloads.TrustTierChangedEvent{
				StoreID:            store.ID,
				PrevTier:           prev.CurrentTier,
				NextTier:           next.CurrentTier,
				Score:              next.Score,
				PayoutDelayHours:   result.Benefits.PayoutDelayHours,
				ListingBoostFactor: result.Benefits.ListingBoostFactor,
			},
		})
	})
}

// RecomputeReport summarizes one daily trust recompute.
type RecomputeReport struct {
	Considered int    `json:"considered"`
	Upgraded   int64  `json:"upgraded"`
	Downgraded int64  `json:"downgraded"`
	Failed     int    `json:"failed"`
	Truncated  bool   `json:"truncated"`
	DryRun     bool   `json:"dry_run"`
	Errors     string `json:"errors,omitempty"`
}

// RunDailyTrustRecompute recomputes every store with bounded fan-out.
func (s *Service) RunDailyTrustRecompute(ctx context.Context, scanOpts scan.Options, opts Options) (RecomputeReport, error) {
	ctx = s.logg.WithJob(ctx, "daily_trust_recompute")
	var upgraded, downgraded atomic.Int64
	result, err := scan.Run(ctx, scanOpts, scan.Stores(s.db), func(ctx context.Context, storeID uuid.UUID) error {
		res, err := s.RecomputeTrustForStore(ctx, storeID, opts)
		if err != nil {
			return fmt.Errorf("store %s: %w", storeID, err)
		}
		switch res.Transition {
		case TransitionUpgrade:
			upgraded.Add(1)
		case TransitionDowngrade:
			downgraded.Add(1)
		}
		return nil
	})
	report := RecomputeReport{
		Considered: result.Considered,
		Upgraded:   upgraded.Load(),
		Downgraded: downgraded.Load(),
		Failed:     result.Failed,
		Truncated:  result.Truncated,
		DryRun:     opts.DryRun,
	}
	if result.Err != nil {
		report.Errors = result.Err.Error()
		s.logg.Error(ctx, "trust recompute had failing stores", result.Err)
	}
	if err != nil {
		return report, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"considered": report.Considered,
		"upgraded":   report.Upgraded,
		"downgraded": report.Downgraded,
		"failed":     report.Failed,
	}), "daily trust recompute finished")
	return report, nil
}
