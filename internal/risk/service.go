// Package risk scores stores for fraud and abuse and gates payouts on the
// resulting level.
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

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

const (
	defaultFreezeDuration = 72 * time.Hour
	defaultRulesTTL       = 5 * time.Minute
	previewGlobalFactor   = 4
)

// errStale means another writer changed the level first.
var errStale = errors.New("risk level changed concurrently")

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type signalSource interface {
	Collect(ctx context.Context, storeID uuid.UUID) (signals.StoreSignals, error)
}

type rateLimiter interface {
	FixedWindowAllow(ctx context.Context, scope string, limit int64, window time.Duration) (bool, int64, error)
}

// Options control a computation.
type Options struct {
	DryRun bool `json:"dry_run"`
}

// Decision reports one computation.
type Decision struct {
	StoreID      uuid.UUID            `json:"store_id"`
	PrevLevel    enums.RiskLevel      `json:"prev_level"`
	NextLevel    enums.RiskLevel      `json:"next_level"`
	Score        int                  `json:"score"`
	Reasons      []Reason             `json:"reasons"`
	Changed      bool                 `json:"changed"`
	HeldByFreeze bool                 `json:"held_by_freeze"`
	Stale        bool                 `json:"stale,omitempty"`
	DryRun       bool                 `json:"dry_run"`
	Signals      signals.StoreSignals `json:"signals"`
}

// ServiceParams wires the risk engine. PreviewRateLimit applies per actor and
// PreviewGlobalRateLimit across all actors within the same window.
type ServiceParams struct {
	DB                     txRunner
	Conn                   *gorm.DB
	Signals                signalSource
	Outbox                 outbox.Emitter
	Logger                 *logger.Logger
	Metrics                *metrics.FinanceMetrics
	Cache                  rulesCache
	RateLimiter            rateLimiter
	FreezeDuration         time.Duration
	RulesCacheTTL          time.Duration
	PreviewRateLimit       int64
	PreviewGlobalRateLimit int64
	PreviewRateWindow      time.Duration
	Clock                  func() time.Time
}

// Service is the risk scoring engine.
type Service struct {
	tx            txRunner
	db            *gorm.DB
	signals       signalSource
	outbox        outbox.Emitter
	logg          *logger.Logger
	metrics       *metrics.FinanceMetrics
	cache         rulesCache
	limiter       rateLimiter
	freeze        time.Duration
	rulesTTL      time.Duration
	previewLimit  int64
	previewGlobal int64
	previewWindow time.Duration
	now           func() time.Time
}

// NewService validates dependencies and builds the risk engine.
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
	freeze := params.FreezeDuration
	if freeze <= 0 {
		freeze = defaultFreezeDuration
	}
	ttl := params.RulesCacheTTL
	if ttl <= 0 {
		ttl = defaultRulesTTL
	}
	global := params.PreviewGlobalRateLimit
	if global <= 0 {
		global = params.PreviewRateLimit * previewGlobalFactor
	}
	clock := params.Clock
	if clock == nil {
		clock = dbpkg.NowUTC
	}
	return &Service{
		tx:            params.DB,
		db:            params.Conn,
		signals:       params.Signals,
		outbox:        params.Outbox,
		logg:          params.Logger,
		metrics:       params.Metrics,
		cache:         params.Cache,
		limiter:       params.RateLimiter,
		freeze:        freeze,
		rulesTTL:      ttl,
		previewLimit:  params.PreviewRateLimit,
		previewGlobal: global,
		previewWindow: params.PreviewRateWindow,
		now:           func() time.Time { return clock().UTC() },
	}, nil
}

// Rules returns the active resolved rules.
func (s *Service) Rules(ctx context.Context) (Rules, error) {
	return s.loadRules(ctx)
}

// ComputeRiskLevel scores the store and, unless DryRun, persists a level change
// with its event. A FROZEN store stays FROZEN until its freeze window ends.
func (s *Service) ComputeRiskLevel(ctx context.Context, storeID uuid.UUID, opts Options) (Decision, error) {
	if storeID == uuid.Nil {
		return Decision{}, pkgerrors.New(pkgerrors.CodeValidation, "store id is required")
	}
	ctx = s.logg.WithStoreID(ctx, storeID.String())

	var store models.Store
	if err := s.db.WithContext(ctx).Where("id = ?", storeID).Take(&store).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Decision{}, pkgerrors.New(pkgerrors.CodeNotFound, "store not found")
		}
		return Decision{}, fmt.Errorf("load store: %w", err)
	}
	rules, err := s.loadRules(ctx)
	if err != nil {
		return Decision{}, err
	}
	snapshot, err := s.signals.Collect(ctx, storeID)
	if err != nil {
		return Decision{}, fmt.Errorf("collect signals: %w", err)
	}

	assessment := Evaluate(rules, snapshot)
	now := s.now()
	decision := Decision{
		StoreID:   storeID,
		PrevLevel: store.RiskLevel,
		NextLevel: assessment.Level,
		Score:     assessment.Score,
		Reasons:   assessment.Reasons,
		DryRun:    opts.DryRun,
		Signals:   snapshot,
	}
	if frozenUntil(store, now) && decision.NextLevel != enums.RiskLevelFrozen {
		decision.NextLevel = enums.RiskLevelFrozen
		decision.HeldByFreeze = true
	}
	decision.Changed = decision.NextLevel != decision.PrevLevel

	if opts.DryRun {
		return decision, nil
	}
	if !decision.Changed {
		if store.RiskScore != decision.Score {
			err := s.db.WithContext(ctx).Model(&models.Store{}).
				Where("id = ? AND risk_level = ?", storeID, store.RiskLevel).
				Updates(map[string]any{"risk_score": decision.Score, "updated_at": now}).Error
			if err != nil {
				return Decision{}, fmt.Errorf("update risk score: %w", err)
			}
		}
		return decision, nil
	}

	err = s.applyChange(ctx, store, decision, now)
	if errors.Is(err, errStale) {
		decision.Changed = false
		decision.Stale = true
		s.logg.Warn(ctx, "risk level changed concurrently; skipping")
		return decision, nil
	}
	if err != nil {
		return Decision{}, err
	}
	s.metrics.IncRiskLevelChange(string(decision.NextLevel))
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"prev_level": decision.PrevLevel,
		"next_level": decision.NextLevel,
		"score":      decision.Score,
	}), "risk level changed")
	return decision, nil
}

func frozenUntil(store models.Store, now time.Time) bool {
	return store.RiskLevel == enums.RiskLevelFrozen &&
		store.FreezeExpiresAt != nil &&
		store.FreezeExpiresAt.After(now)
}

func (s *Service) applyChange(ctx context.Context, store models.Store, decision Decision, now time.Time) error {
	primary, ok := PrimaryReason(decision.Reasons)
	if !ok {
		primary = Reason{Code: ReasonRecovered, Severity: enums.SeverityInfo}
	}
	if decision.HeldByFreeze {
		primary = Reason{Code: ReasonFreezeWindow, Severity: enums.SeverityInfo}
	}

	updates := map[string]any{
		"risk_level":        decision.NextLevel,
		"risk_score":        decision.Score,
		"payouts_frozen":    decision.NextLevel.FreezesPayouts(),
		"freeze_expires_at": nil,
		"updated_at":        now,
	}
	if decision.NextLevel == enums.RiskLevelFrozen {
		updates["freeze_expires_at"] = now.Add(s.freeze)
	}
	details, err := json.Marshal(map[string]any{
		"reasons": decision.Reasons,
		"signals": decision.Signals,
	})
	if err != nil {
		return fmt.Errorf("encode risk details: %w", err)
	}

	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&models.Store{}).
			Where("id = ? AND risk_level = ?", store.ID, decision.PrevLevel).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update store risk: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errStale
		}
		event := models.RiskEvent{
			StoreID:    store.ID,
			PrevLevel:  decision.PrevLevel,
			NextLevel:  decision.NextLevel,
			Severity:   primary.Severity,
			Score:      decision.Score,
			ScoreDelta: decision.Score - store.RiskScore,
			ReasonCode: primary.Code,
			Details:    details,
			CreatedAt:  now,
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("insert risk event: %w", err)
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventRiskLevelChanged,
			AggregateType: enums.AggregateStore,
			AggregateID:   store.ID,
			OccurredAt:    now,
			Data: payloads.RiskLevelChangedEvent{
				StoreID:       store.ID,
				PrevLevel:     decision.PrevLevel,
				NextLevel:     decision.NextLevel,
				Score:         decision.Score,
				ReasonCode:    primary.Code,
				PayoutsFrozen: decision.NextLevel.FreezesPayouts(),
			},
		})
	})
}

// Preview is a rate-limited dry run for admin callers. Each actor has its own
// fixed window and all actors share a second one, so rotating the actor name
// cannot lift the total. Both windows are shared by every instance.
func (s *Service) Preview(ctx context.Context, actor string, storeID uuid.UUID) (Decision, error) {
	if s.limiter != nil && s.previewLimit > 0 {
		actor = strings.TrimSpace(actor)
		if actor == "" {
			actor = "anonymous"
		}
		for _, bucket := range []struct {
			scope string
			limit int64
		}{
			{scope: "risk_preview:actor:" + actor, limit: s.previewLimit},
			{scope: "risk_preview:all", limit: s.previewGlobal},
		} {
			allowed, _, err := s.limiter.FixedWindowAllow(ctx, bucket.scope, bucket.limit, s.previewWindow)
			if err != nil {
				return Decision{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiter unavailable")
			}
			if !allowed {
				return Decision{}, pkgerrors.New(pkgerrors.CodeRateLimit, "risk preview rate limit exceeded")
			}
		}
	}
	return s.ComputeRiskLevel(ctx, storeID, Options{DryRun: true})
}

// SetRiskFlag sets or clears the manual admin flag that blocks payouts.
func (s *Service) SetRiskFlag(ctx context.Context, storeID uuid.UUID, flagged bool, note string) error {
	if storeID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "store id is required")
	}
	now := s.now()
	code, severity := ReasonManualUnflag, enums.SeverityInfo
	if flagged {
		code, severity = ReasonManualFlag, enums.SeverityWarning
	}
	details, err := json.Marshal(map[string]any{"note": note})
	if err != nil {
		return err
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var store models.Store
		if err := tx.Where("id = ?", storeID).Take(&store).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "store not found")
			}
			return fmt.Errorf("load store: %w", err)
		}
		if store.RiskFlag == flagged {
			return nil
		}
		res := tx.Model(&models.Store{}).
			Where("id = ? AND risk_flag = ?", storeID, store.RiskFlag).
			Updates(map[string]any{"risk_flag": flagged, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("update risk flag: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return pkgerrors.New(pkgerrors.CodeConflict, "risk flag changed concurrently")
		}
		event := models.RiskEvent{
			StoreID:    storeID,
			PrevLevel:  store.RiskLevel,
			NextLevel:  store.RiskLevel,
			Severity:   severity,
			Score:      store.RiskScore,
			ReasonCode: code,
			Details:    details,
			CreatedAt:  now,
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("insert risk event: %w", err)
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventRiskFlagChanged,
			AggregateType: enums.AggregateStore,
			AggregateID:   storeID,
			OccurredAt:    now,
			Data:          payloads.RiskFlagChangedEvent{StoreID: storeID, Flagged: flagged, Note: note},
		})
	})
	if err != nil {
		return err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{"store_id": storeID.String(), "flagged": flagged}), "risk flag updated")
	return nil
}
