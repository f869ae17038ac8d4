package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/sellerfin-backend/internal/signals"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

func TestEvaluateCleanStore(t *testing.T) {
	got := Evaluate(DefaultRules(), signals.StoreSignals{OrdersPaid7d: 40, OrdersPaid30d: 120})
	assert.Equal(t, 0, got.Score)
	assert.Equal(t, enums.RiskLevelNormal, got.Level)
	assert.Empty(t, got.Reasons)
}

func TestEvaluateRefundSpikeHitsCriticalFloor(t *testing.T) {
	got := Evaluate(DefaultRules(), signals.StoreSignals{OrdersPaid7d: 100, Refunds7d: 16})

	require.Len(t, got.Reasons, 1)
	assert.Equal(t, ReasonRefundSpike, got.Reasons[0].Code)
	assert.Equal(t, enums.SeverityCritical, got.Reasons[0].Severity)
	assert.InDelta(t, 0.16, got.Reasons[0].Value, 1e-9)
	assert.Equal(t, 50, got.Score)
	assert.Equal(t, enums.RiskLevelHigh, got.Level)
}

func TestEvaluateElevatedRefundsOnlyWarn(t *testing.T) {
	got := Evaluate(DefaultRules(), signals.StoreSignals{OrdersPaid7d: 100, Refunds7d: 10})

	require.Len(t, got.Reasons, 1)
	assert.Equal(t, ReasonRefundElevated, got.Reasons[0].Code)
	assert.Equal(t, 20, got.Score)
	assert.Equal(t, enums.RiskLevelWatch, got.Level)
}

func TestEvaluateStacksAndClamps(t *testing.T) {
	got := Evaluate(DefaultRules(), signals.StoreSignals{
		OrdersPaid7d:           10,
		Refunds7d:              5,
		OrdersDelivered30d:     10,
		RefundsAfterRelease30d: 2,
		Chargebacks30d:         3,
		PaymentsLastHour:       25,
		RapidPayoutPattern7d:   4,
	})

	assert.Equal(t, 100, got.Score)
	assert.Equal(t, enums.RiskLevelFrozen, got.Level)
	codes := make([]string, 0, len(got.Reasons))
	for _, r := range got.Reasons {
		codes = append(codes, r.Code)
	}
	assert.Equal(t, []string{
		ReasonRefundSpike,
		ReasonRefundAfterRelease,
		ReasonChargebacks,
		ReasonPaymentVelocity,
		ReasonRapidPayoutPattern,
	}, codes)
}

func TestEvaluatePayoutPendingGrowth(t *testing.T) {
	rules := DefaultRules()

	got := Evaluate(rules, signals.StoreSignals{PayoutPendingCents: 30_000, AvgPayoutLock30dCents: 10_000})
	require.Len(t, got.Reasons, 1)
	assert.Equal(t, ReasonPayoutPendingGrowth, got.Reasons[0].Code)
	assert.Equal(t, 15, got.Score)

	got = Evaluate(rules, signals.StoreSignals{PayoutPendingCents: 29_999, AvgPayoutLock30dCents: 10_000})
	assert.Empty(t, got.Reasons)

	got = Evaluate(rules, signals.StoreSignals{})
	assert.Empty(t, got.Reasons, "nothing pending never triggers growth")
}

func TestLevelFromScoreBoundaries(t *testing.T) {
	cases := map[int]enums.RiskLevel{
		0:   enums.RiskLevelNormal,
		19:  enums.RiskLevelNormal,
		20:  enums.RiskLevelWatch,
		49:  enums.RiskLevelWatch,
		50:  enums.RiskLevelHigh,
		79:  enums.RiskLevelHigh,
		80:  enums.RiskLevelFrozen,
		100: enums.RiskLevelFrozen,
	}
	for score, want := range cases {
		assert.Equal(t, want, LevelFromScore(score), "score %d", score)
	}
}

func TestPrimaryReasonPrefersSeverity(t *testing.T) {
	reasons := []Reason{
		{Code: ReasonPaymentVelocity, Severity: enums.SeverityWarning},
		{Code: ReasonChargebacks, Severity: enums.SeverityCritical},
	}
	primary, ok := PrimaryReason(reasons)
	require.True(t, ok)
	assert.Equal(t, ReasonChargebacks, primary.Code)

	primary, ok = PrimaryReason(reasons[:1])
	require.True(t, ok)
	assert.Equal(t, ReasonPaymentVelocity, primary.Code)

	_, ok = PrimaryReason(nil)
	assert.False(t, ok)
}

func TestResolveRulesAppliesOverrides(t *testing.T) {
	rate := 0.3
	floor := 60
	rules := ResolveRules(&models.RiskRuleConfig{RefundSpikeRate: &rate, CriticalFloorScore: &floor})

	assert.Equal(t, 0.3, rules.RefundSpikeRate)
	assert.Equal(t, 60, rules.CriticalFloorScore)
	assert.Equal(t, DefaultRules().ChargebackDelta, rules.ChargebackDelta)
	assert.Equal(t, DefaultRules(), ResolveRules(nil))
}
