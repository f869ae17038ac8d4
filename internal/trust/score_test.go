package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/sellerfin-backend/internal/signals"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

func TestComputeTrustScorePenalties(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b := ComputeTrustScore(signals.StoreSignals{
		ComputedAt:             now,
		StoreCreatedAt:         now.Add(-10 * signals.Day),
		OrdersPaid7d:           100,
		Refunds7d:              8,
		OrdersDelivered30d:     100,
		RefundsAfterRelease30d: 2,
		Chargebacks30d:         1,
		RapidPayoutPattern7d:   2,
		CriticalRiskEvents30d:  1,
	})

	assert.InDelta(t, 6.4, b.RefundPenalty, 1e-9)
	assert.InDelta(t, 5.0, b.RefundAfterReleasePenalty, 1e-9)
	assert.Equal(t, 12.0, b.ChargebackPenalty)
	assert.Equal(t, 10.0, b.RapidPayoutPenalty)
	assert.Equal(t, 10.0, b.CriticalRiskPenalty)
	assert.Zero(t, b.CleanBonus)
	assert.Equal(t, 57, b.Score)
}

func TestComputeTrustScoreRefundCurve(t *testing.T) {
	assert.Zero(t, refundCurve(5))
	assert.InDelta(t, 8.0, refundCurve(10), 1e-9)
	assert.InDelta(t, 30.0, refundCurve(20), 1e-9)
}

func TestComputeTrustScoreCaps(t *testing.T) {
	b := ComputeTrustScore(signals.StoreSignals{
		OrdersPaid7d:           10,
		Refunds7d:              10,
		OrdersDelivered30d:     10,
		RefundsAfterRelease30d: 10,
		Chargebacks30d:         7,
		RapidPayoutPattern7d:   9,
		CriticalRiskEvents30d:  9,
	})
	assert.Equal(t, 40.0, b.RefundAfterReleasePenalty)
	assert.Equal(t, 40.0, b.ChargebackPenalty)
	assert.Equal(t, 25.0, b.RapidPayoutPenalty)
	assert.Equal(t, 30.0, b.CriticalRiskPenalty)
	assert.Equal(t, 0, b.Score)
}

func TestComputeTrustScoreCleanBonus(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clean := signals.StoreSignals{
		ComputedAt:     now,
		StoreCreatedAt: now.Add(-40 * signals.Day),
		OrdersPaid7d:   10,
		OrdersPaid30d:  25,
	}
	b := ComputeTrustScore(clean)
	require.Equal(t, 40, b.CleanDays)
	assert.Equal(t, 8.0, b.CleanBonus)
	assert.Equal(t, 100, b.Score)

	clean.StoreCreatedAt = now.Add(-120 * signals.Day)
	assert.Equal(t, 20.0, ComputeTrustScore(clean).CleanBonus)

	incident := now.Add(-5 * signals.Day)
	clean.LastIncidentAt = &incident
	assert.Zero(t, ComputeTrustScore(clean).CleanBonus)

	clean.LastIncidentAt = nil
	clean.OrdersPaid30d = 19
	assert.Zero(t, ComputeTrustScore(clean).CleanBonus, "too few orders")
}

func TestTierFromScoreAndBenefits(t *testing.T) {
	cases := map[int]enums.TrustTier{
		100: enums.TrustTierElite,
		90:  enums.TrustTierElite,
		89:  enums.TrustTierTrusted,
		75:  enums.TrustTierTrusted,
		74:  enums.TrustTierStandard,
		50:  enums.TrustTierStandard,
		49:  enums.TrustTierWatch,
		30:  enums.TrustTierWatch,
		29:  enums.TrustTierRestricted,
	}
	for score, want := range cases {
		assert.Equal(t, want, TierFromScore(score), "score %d", score)
	}

	assert.Equal(t, Benefits{PayoutDelayHours: 0, ListingBoostFactor: 1.25}, BenefitsFor(enums.TrustTierElite))
	assert.Equal(t, Benefits{PayoutDelayHours: 168, ListingBoostFactor: 0.75}, BenefitsFor(enums.TrustTierRestricted))
	assert.Equal(t, BenefitsFor(enums.TrustTierStandard), BenefitsFor("bogus"))
}
