package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

// Store is the seller projection carrying KYC, risk and trust state.
type Store struct {
	ID                    uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	Name                  string           `gorm:"column:name;not null"`
	KYCStatus             *enums.KYCStatus `gorm:"column:kyc_status"`
	RiskLevel             enums.RiskLevel  `gorm:"column:risk_level;not null;default:'NORMAL'"`
	RiskScore             int              `gorm:"column:risk_score;not null;default:0"`
	PayoutsFrozen         bool             `gorm:"column:payouts_frozen;not null;default:false"`
	RiskFlag              bool             `gorm:"column:risk_flag;not null;default:false"`
	FreezeExpiresAt       *time.Time       `gorm:"column:freeze_expires_at"`
	TrustScore            *int             `gorm:"column:trust_score"`
	TrustTier             enums.TrustTier  `gorm:"column:trust_tier;not null;default:'STANDARD'"`
	TrustPendingTier      *enums.TrustTier `gorm:"column:trust_pending_tier"`
	TrustScoreStableDays  int              `gorm:"column:trust_score_stable_days;not null;default:0"`
	TrustLastTierChangeAt *time.Time       `gorm:"column:trust_last_tier_change_at"`
	PayoutDelayHours      int              `gorm:"column:payout_delay_hours;not null;default:48"`
	ListingBoostFactor    float64          `gorm:"column:listing_boost_factor;not null;default:1"`
	CreatedAt             time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *Store) BeforeCreate(*gorm.DB) error {
	ensureID(&s.ID)
	return nil
}
