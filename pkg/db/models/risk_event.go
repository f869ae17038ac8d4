package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

// RiskEvent records one realized risk level change or manual flag action.
type RiskEvent struct {
	ID         uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	StoreID    uuid.UUID       `gorm:"column:store_id;type:uuid;not null"`
	PrevLevel  enums.RiskLevel `gorm:"column:prev_level;not null"`
	NextLevel  enums.RiskLevel `gorm:"column:next_level;not null"`
	Severity   enums.Severity  `gorm:"column:severity;not null"`
	Score      int             `gorm:"column:score;not null"`
	ScoreDelta int             `gorm:"column:score_delta;not null"`
	ReasonCode string          `gorm:"column:reason_code;not null"`
	Details    json.RawMessage `gorm:"column:details;type:jsonb"`
	CreatedAt  time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (RiskEvent) TableName() string { return "risk_events" }

func (e *RiskEvent) BeforeCreate(*gorm.DB) error {
	ensureID(&e.ID)
	return nil
}
