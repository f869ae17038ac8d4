package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

// TrustEvent records one realized trust tier change.
type TrustEvent struct {
	ID         uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	StoreID    uuid.UUID       `gorm:"column:store_id;type:uuid;not null"`
	PrevTier   enums.TrustTier `gorm:"column:prev_tier;not null"`
	NextTier   enums.TrustTier `gorm:"column:next_tier;not null"`
	Severity   enums.Severity  `gorm:"column:severity;not null"`
	Score      int             `gorm:"column:score;not null"`
	ScoreDelta int             `gorm:"column:score_delta;not null"`
	ReasonCode string          `gorm:"column:reason_code;not null"`
	Details    json.RawMessage `gorm:"column:details;type:jsonb"`
	CreatedAt  time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (TrustEvent) TableName() string { return "trust_events" }

func (e *TrustEvent) BeforeCreate(*gorm.DB) error {
	ensureID(&e.ID)
	return nil
}
