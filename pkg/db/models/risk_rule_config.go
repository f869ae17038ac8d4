package models

import "time"

// DefaultRiskRuleConfigID is the key of the single active override row.
const DefaultRiskRuleConfigID = "default"

// RiskRuleConfig holds optional overrides for the risk rule thresholds.
// A nil column falls back to the built-in default.
type RiskRuleConfig struct {
	ID                        string     `gorm:"column:id;primaryKey"`
	RefundSpikeRate           *float64   `gorm:"column:refund_spike_rate"`
	RefundSpikeDelta          *int       `gorm:"column:refund_spike_delta"`
	RefundElevatedRate        *float64   `gorm:"column:refund_elevated_rate"`
	RefundElevatedDelta       *int       `gorm:"column:refund_elevated_delta"`
	RefundAfterReleaseRate    *float64   `gorm:"column:refund_after_release_rate"`
	RefundAfterReleaseDelta   *int       `gorm:"column:refund_after_release_delta"`
	ChargebackCount           *int       `gorm:"column:chargeback_count"`
	ChargebackDelta           *int       `gorm:"column:chargeback_delta"`
	PayoutPendingGrowthFactor *float64   `gorm:"column:payout_pending_growth_factor"`
	PayoutPendingGrowthDelta  *int       `gorm:"column:payout_pending_growth_delta"`
	PaymentVelocityPerHour    *int       `gorm:"column:payment_velocity_per_hour"`
	PaymentVelocityDelta      *int       `gorm:"column:payment_velocity_delta"`
	RapidPayoutCount          *int       `gorm:"column:rapid_payout_count"`
	RapidPayoutDelta          *int       `gorm:"column:rapid_payout_delta"`
	CriticalFloorScore        *int       `gorm:"column:critical_floor_score"`
	UpdatedAt                 *time.Time `gorm:"column:updated_at"`
}
