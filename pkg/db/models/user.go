package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

// User is the buyer projection that carries the marketing segment.
type User struct {
	ID               uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	Segment          enums.UserSegment `gorm:"column:segment;not null;default:'NEW'"`
	SegmentUpdatedAt *time.Time        `gorm:"column:segment_updated_at"`
	CreatedAt        time.Time         `gorm:"column:created_at;autoCreateTime"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	ensureID(&u.ID)
	return nil
}
