package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
)

// Rules are the resolved thresholds and score deltas of the risk rules.
type Rules struct {
	RefundSpikeRate           float64 `json:"refund_spike_rate"`
	RefundSpikeDelta          int     `json:"refund_spike_delta"`
	RefundElevatedRate        float64 `json:"refund_elevated_rate"`
	RefundElevatedDelta       int     `json:"refund_elevated_delta"`
	RefundAfterReleaseRate    float64 `json:"refund_after_release_rate"`
	RefundAfterReleaseDelta   int     `json:"refund_after_release_delta"`
	ChargebackCount           int     `json:"chargeback_count"`
	ChargebackDelta           int     `json:"chargeback_delta"`
	PayoutPendingGrowthFactor float64 `json:"payout_pending_growth_factor"`
	PayoutPendingGrowthDelta  int     `json:"payout_pending_growth_delta"`
	PaymentVelocityPerHour    int     `json:"payment_velocity_per_hour"`
	PaymentVelocityDelta      int     `json:"payment_velocity_delta"`
	RapidPayoutCount          int     `json:"rapid_payout_count"`
	RapidPayoutDelta          int     `json:"rapid_payout_delta"`
	CriticalFloorScore        int     `json:"critical_floor_score"`
}

// DefaultRules are used for every threshold without an override.
func DefaultRules() Rules {
	return Rules{
		RefundSpikeRate:           0.15,
		RefundSpikeDelta:          40,
		RefundElevatedRate:        0.08,
		RefundElevatedDelta:       20,
		RefundAfterReleaseRate:    0.05,
		RefundAfterReleaseDelta:   35,
		ChargebackCount:           2,
		ChargebackDelta:           30,
		PayoutPendingGrowthFactor: 3,
		PayoutPendingGrowthDelta:  15,
		PaymentVelocityPerHour:    10,
		PaymentVelocityDelta:      10,
		RapidPayoutCount:          3,
		RapidPayoutDelta:          25,
		CriticalFloorScore:        50,
	}
}

// ResolveRules fills every nil override with its default. A nil row yields
// the defaults.
func ResolveRules(row *models.RiskRuleConfig) Rules {
	rules := DefaultRules()
	if row == nil {
		return rules
	}
	pickFloat(&rules.RefundSpikeRate, row.RefundSpikeRate)
	pickInt(&rules.RefundSpikeDelta, row.RefundSpikeDelta)
	pickFloat(&rules.RefundElevatedRate, row.RefundElevatedRate)
	pickInt(&rules.RefundElevatedDelta, row.RefundElevatedDelta)
	pickFloat(&rules.RefundAfterReleaseRate, row.RefundAfterReleaseRate)
	pickInt(&rules.RefundAfterReleaseDelta, row.RefundAfterReleaseDelta)
	pickInt(&rules.ChargebackCount, row.ChargebackCount)
	pickInt(&rules.ChargebackDelta, row.ChargebackDelta)
	pickFloat(&rules.PayoutPendingGrowthFactor, row.PayoutPendingGrowthFactor)
	pickInt(&rules.PayoutPendingGrowthDelta, row.PayoutPendingGrowthDelta)
	pickInt(&rules.PaymentVelocityPerHour, row.PaymentVelocityPerHour)
	pickInt(&rules.PaymentVelocityDelta, row.PaymentVelocityDelta)
	pickInt(&rules.RapidPayoutCount, row.RapidPayoutCount)
	pickInt(&rules.RapidPayoutDelta, row.RapidPayoutDelta)
	pickInt(&rules.CriticalFloorScore, row.CriticalFloorScore)
	return rules
}

func pickFloat(dst *float64, override *float64) {
	if override != nil {
		*dst = *override
	}
}

func pickInt(dst *int, override *int) {
	if override != nil {
		*dst = *override
	}
}

type rulesCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	CacheKey(parts ...string) string
}

// loadRules reads the resolved rules through the shared cache. Cache errors
// fall through to the database.
func (s *Service) loadRules(ctx context.Context) (Rules, error) {
	key := ""
	if s.cache != nil {
		key = s.cache.CacheKey("risk_rules", models.DefaultRiskRuleConfigID)
		var cached Rules
		found, err := s.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "risk rules cache read failed")
		}
		if found {
			return cached, nil
		}
	}

	var row models.RiskRuleConfig
	err := s.db.WithContext(ctx).Where("id = ?", models.DefaultRiskRuleConfigID).Take(&row).Error
	var rules Rules
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rules = DefaultRules()
	case err != nil:
		return Rules{}, fmt.Errorf("load risk rules: %w", err)
	default:
		rules = ResolveRules(&row)
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, rules, s.rulesTTL); err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "risk rules cache write failed")
		}
	}
	return rules, nil
}

// SaveRuleOverrides replaces the override row and drops the cached rules.
func (s *Service) SaveRuleOverrides(ctx context.Context, row models.RiskRuleConfig) (Rules, error) {
	row.ID = models.DefaultRiskRuleConfigID
	now := s.now()
	row.UpdatedAt = &now
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return Rules{}, fmt.Errorf("save risk rules: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Del(ctx, s.cache.CacheKey("risk_rules", models.DefaultRiskRuleConfigID)); err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "risk rules cache invalidation failed")
		}
	}
	return ResolveRules(&row), nil
}
