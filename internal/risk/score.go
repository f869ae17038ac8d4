package risk

import (
	"github.com/angelmondragon/sellerfin-backend/internal/signals"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

const (
	ReasonRefundSpike         = "REFUND_SPIKE"
	ReasonRefundElevated      = "REFUND_ELEVATED"
	ReasonRefundAfterRelease  = "REFUND_AFTER_RELEASE"
	ReasonChargebacks         = "CHARGEBACKS"
	ReasonPayoutPendingGrowth = "PAYOUT_PENDING_GROWTH"
	ReasonPaymentVelocity     = "PAYMENT_VELOCITY"
	ReasonRapidPayoutPattern  = "RAPID_PAYOUT_PATTERN"
	ReasonFreezeWindow        = "FREEZE_WINDOW"
	ReasonManualFlag          = "MANUAL_FLAG"
	ReasonManualUnflag        = "MANUAL_UNFLAG"
	ReasonRecovered           = "RECOVERED"
)

// Reason is one triggered rule.
type Reason struct {
	Code     string         `json:"code"`
	Severity enums.Severity `json:"severity"`
	Delta    int            `json:"delta"`
	Value    float64        `json:"value"`
}

// Assessment is the outcome of scoring one signal snapshot.
type Assessment struct {
	Score   int             `json:"score"`
	Level   enums.RiskLevel `json:"level"`
	Reasons []Reason        `json:"reasons"`
}

// Evaluate applies rules to the signals. Any CRITICAL reason lifts the score
// to the critical floor.
func Evaluate(rules Rules, s signals.StoreSignals) Assessment {
	var reasons []Reason
	add := func(code string, severity enums.Severity, delta int, value float64) {
		reasons = append(reasons, Reason{Code: code, Severity: severity, Delta: delta, Value: value})
	}

	if rate := s.RefundRate7d(); rate > rules.RefundSpikeRate {
		add(ReasonRefundSpike, enums.SeverityCritical, rules.RefundSpikeDelta, rate)
	} else if rate > rules.RefundElevatedRate {
		add(ReasonRefundElevated, enums.SeverityWarning, rules.RefundElevatedDelta, rate)
	}
	if rate := s.RefundAfterReleaseRate30d(); rate > rules.RefundAfterReleaseRate {
		add(ReasonRefundAfterRelease, enums.SeverityCritical, rules.RefundAfterReleaseDelta, rate)
	}
	if s.Chargebacks30d >= rules.ChargebackCount {
		add(ReasonChargebacks, enums.SeverityCritical, rules.ChargebackDelta, float64(s.Chargebacks30d))
	}
	if s.PayoutPendingCents > 0 &&
		float64(s.PayoutPendingCents) >= rules.PayoutPendingGrowthFactor*float64(s.AvgPayoutLock30dCents) {
		add(ReasonPayoutPendingGrowth, enums.SeverityWarning, rules.PayoutPendingGrowthDelta, float64(s.PayoutPendingCents))
	}
	if s.PaymentsLastHour > rules.PaymentVelocityPerHour {
		add(ReasonPaymentVelocity, enums.SeverityWarning, rules.PaymentVelocityDelta, float64(s.PaymentsLastHour))
	}
	if s.RapidPayoutPattern7d >= rules.RapidPayoutCount {
		add(ReasonRapidPayoutPattern, enums.SeverityCritical, rules.RapidPayoutDelta, float64(s.RapidPayoutPattern7d))
	}

	score := 0
	critical := false
	for _, r := range reasons {
		score += r.Delta
		critical = critical || r.Severity == enums.SeverityCritical
	}
	if critical && score < rules.CriticalFloorScore {
		score = rules.CriticalFloorScore
	}
	score = clamp(score, 0, 100)
	return Assessment{Score: score, Level: LevelFromScore(score), Reasons: reasons}
}

// LevelFromScore maps a score onto a risk level.
func LevelFromScore(score int) enums.RiskLevel {
	switch {
	case score >= 80:
		return enums.RiskLevelFrozen
	case score >= 50:
		return enums.RiskLevelHigh
	case score >= 20:
		return enums.RiskLevelWatch
	default:
		return enums.RiskLevelNormal
	}
}

// PrimaryReason picks the first CRITICAL reason, else the first WARNING, else
// the first reason at all.
func PrimaryReason(reasons []Reason) (Reason, bool) {
	for _, severity := range []enums.Severity{enums.SeverityCritical, enums.SeverityWarning} {
		for _, r := range reasons {
			if r.Severity == severity {
				return r, true
			}
		}
	}
	if len(reasons) > 0 {
		return reasons[0], true
	}
	return Reason{}, false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
