package trust

import (
	"math"

	"github.com/angelmondragon/sellerfin-backend/internal/signals"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

const (
	baseScore = 100

	cleanBonusShort     = 8
	cleanBonusLong      = 15
	cleanBonusCap       = 20
	cleanShortDays      = 30
	cleanLongDays       = 90
	cleanMinOrders30d   = 20
	cleanMaxRefundRate  = 0.03
	refundAfterCap      = 40
	rapidPayoutPerCount = 5
	rapidPayoutCap      = 25
	criticalPerEvent    = 10
	criticalCap         = 30
)

// Breakdown itemizes how a trust score was reached.
type Breakdown struct {
	Base                      int     `json:"base"`
	RefundPenalty             float64 `json:"refund_penalty"`
	RefundAfterReleasePenalty float64 `json:"refund_after_release_penalty"`
	ChargebackPenalty         float64 `json:"chargeback_penalty"`
	RapidPayoutPenalty        float64 `json:"rapid_payout_penalty"`
	CriticalRiskPenalty       float64 `json:"critical_risk_penalty"`
	CleanDays                 int     `json:"clean_days"`
	CleanBonus                float64 `json:"clean_bonus"`
	Score                     int     `json:"score"`
}

// ComputeTrustScore scores a signal snapshot in [0, 100].
func ComputeTrustScore(s signals.StoreSignals) Breakdown {
	b := Breakdown{
		Base:                      baseScore,
		RefundPenalty:             refundCurve(s.RefundRate7d() * 100),
		RefundAfterReleasePenalty: math.Min(2.5*s.RefundAfterReleaseRate30d()*100, refundAfterCap),
		ChargebackPenalty:         chargebackPenalty(s.Chargebacks30d),
		RapidPayoutPenalty:        math.Min(float64(rapidPayoutPerCount*s.RapidPayoutPattern7d), rapidPayoutCap),
		CriticalRiskPenalty:       math.Min(float64(criticalPerEvent*s.CriticalRiskEvents30d), criticalCap),
		CleanDays:                 s.CleanDays(),
	}
	if eligibleForCleanBonus(s) {
		b.CleanBonus = cleanBonus(b.CleanDays)
	}

	raw := float64(b.Base) -
		b.RefundPenalty -
		b.RefundAfterReleasePenalty -
		b.ChargebackPenalty -
		b.RapidPayoutPenalty -
		b.CriticalRiskPenalty +
		b.CleanBonus
	b.Score = int(math.Round(math.Max(0, math.Min(100, raw))))
	return b
}

func refundCurve(pct float64) float64 {
	switch {
	case pct <= 5:
		return 0
	case pct <= 10:
		return 0.8 * pct
	default:
		return 1.5 * pct
	}
}

func chargebackPenalty(count int) float64 {
	switch {
	case count <= 0:
		return 0
	case count == 1:
		return 12
	case count == 2:
		return 25
	default:
		return 40
	}
}

func eligibleForCleanBonus(s signals.StoreSignals) bool {
	return s.OrdersPaid30d >= cleanMinOrders30d &&
		s.RefundRate30d() < cleanMaxRefundRate &&
		s.Chargebacks30d == 0 &&
		s.CriticalRiskEvents30d == 0
}

func cleanBonus(days int) float64 {
	bonus := 0
	if days >= cleanShortDays {
		bonus += cleanBonusShort
	}
	if days >= cleanLongDays {
		bonus += cleanBonusLong
	}
	if bonus > cleanBonusCap {
		bonus = cleanBonusCap
	}
	return float64(bonus)
}

// TierFromScore maps a score onto a tier.
func TierFromScore(score int) enums.TrustTier {
	switch {
	case score >= 90:
		return enums.TrustTierElite
	case score >= 75:
		return enums.TrustTierTrusted
	case score >= 50:
		return enums.TrustTierStandard
	case score >= 30:
		return enums.TrustTierWatch
	default:
		return enums.TrustTierRestricted
	}
}

// Benefits are the seller privileges attached to a tier.
type Benefits struct {
	PayoutDelayHours   int     `json:"payout_delay_hours"`
	ListingBoostFactor float64 `json:"listing_boost_factor"`
}

var benefitsByTier = map[enums.TrustTier]Benefits{
	enums.TrustTierElite:      {PayoutDelayHours: 0, ListingBoostFactor: 1.25},
	enums.TrustTierTrusted:    {PayoutDelayHours: 24, ListingBoostFactor: 1.10},
	enums.TrustTierStandard:   {PayoutDelayHours: 48, ListingBoostFactor: 1.00},
	enums.TrustTierWatch:      {PayoutDelayHours: 96, ListingBoostFactor: 0.90},
	enums.TrustTierRestricted: {PayoutDelayHours: 168, ListingBoostFactor: 0.75},
}

// BenefitsFor returns the benefits of tier; unknown tiers get STANDARD.
func BenefitsFor(tier enums.TrustTier) Benefits {
	if b, ok := benefitsByTier[tier]; ok {
		return b
	}
	return benefitsByTier[enums.TrustTierStandard]
}
