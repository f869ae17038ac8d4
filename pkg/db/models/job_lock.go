package models

import (
	"encoding/json"
	"time"
)

// JobLock is the lease row for a named scheduled job.
type JobLock struct {
	Key        string          `gorm:"column:key;primaryKey"`
	LockedBy   *string         `gorm:"column:locked_by"`
	LockedAt   *time.Time      `gorm:"column:locked_at"`
	ExpiresAt  time.Time       `gorm:"column:expires_at;not null"`
	LastReport json.RawMessage `gorm:"column:last_report;type:jsonb"`
}

func (JobLock) TableName() string { return "job_locks" }
