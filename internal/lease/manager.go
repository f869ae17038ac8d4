// Package lease provides database-backed job leases shared by every process
// instance. A lease is a row in job_locks; acquiring it is a compare-and-set on
// the observed expiry, so two instances can never hold the same key at once.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/sellerfin-backend/pkg/db"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
)

var (
	// ErrNotAcquired means another holder owns an unexpired lease.
	ErrNotAcquired = errors.New("lease not acquired")
	// ErrNotDue means the previous run started less than one cadence ago.
	ErrNotDue = errors.New("lease not due")
	// ErrLeaseLost means the lease expired and was taken over before release.
	ErrLeaseLost = errors.New("lease lost before release")
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Lease is a held job lock.
type Lease struct {
	Key        string
	HolderID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// ManagerParams configure the lease manager.
type ManagerParams struct {
	DB    txRunner
	Clock func() time.Time
}

// Manager acquires and releases job leases.
type Manager struct {
	db  txRunner
	now func() time.Time
}

// NewManager builds a lease manager.
func NewManager(params ManagerParams) (*Manager, error) {
	if params.DB == nil {
		return nil, errors.New("db required")
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{db: params.DB, now: clock}, nil
}

// Acquire takes the lease for key when it is absent or expired.
func (m *Manager) Acquire(ctx context.Context, key, holderID string, ttl time.Duration) (*Lease, error) {
	return m.acquire(ctx, key, holderID, ttl, 0)
}

// AcquireDue behaves like Acquire and additionally refuses with ErrNotDue while
// the previous acquisition is more recent than every.
func (m *Manager) AcquireDue(ctx context.Context, key, holderID string, ttl, every time.Duration) (*Lease, error) {
	return m.acquire(ctx, key, holderID, ttl, every)
}

func (m *Manager) acquire(ctx context.Context, key, holderID string, ttl, every time.Duration) (*Lease, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "lease key is required")
	}
	if strings.TrimSpace(holderID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "holder id is required")
	}
	if ttl <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "lease ttl must be positive")
	}

	now := m.now().UTC()
	expires := now.Add(ttl)
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		var row models.JobLock
		err := tx.Where("key = ?", key).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = models.JobLock{
				Key:       key,
				LockedBy:  &holderID,
				LockedAt:  &now,
				ExpiresAt: expires,
			}
			if err := tx.Create(&row).Error; err != nil {
				if dbpkg.IsUniqueViolation(err, "") {
					return ErrNotAcquired
				}
				return fmt.Errorf("insert lease: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("load lease: %w", err)
		}

		if row.ExpiresAt.After(now) {
			return ErrNotAcquired
		}
		if every > 0 && row.LockedAt != nil && now.Sub(*row.LockedAt) < every {
			return ErrNotDue
		}

		res := tx.Model(&models.JobLock{}).
			Where("key = ? AND expires_at = ?", key, row.ExpiresAt).
			Updates(map[string]any{
				"locked_by":  holderID,
				"locked_at":  now,
				"expires_at": expires,
			})
		if res.Error != nil {
			return fmt.Errorf("take over lease: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotAcquired
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Lease{Key: key, HolderID: holderID, AcquiredAt: now, ExpiresAt: expires}, nil
}

// Release ends the lease early and stores the run report. It returns
// ErrLeaseLost when another holder took the key over after expiry.
func (m *Manager) Release(ctx context.Context, lease *Lease, report any) error {
	if lease == nil {
		return errors.New("lease required")
	}
	var payload json.RawMessage
	if report != nil {
		encoded, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode lease report: %w", err)
		}
		payload = encoded
	}

	now := m.now().UTC()
	return m.db.WithTx(ctx, func(tx *gorm.DB) error {
		updates := map[string]any{
			"locked_by":  nil,
			"expires_at": now,
		}
		if payload != nil {
			updates["last_report"] = payload
		}
		res := tx.Model(&models.JobLock{}).
			Where("key = ? AND locked_by = ?", lease.Key, lease.HolderID).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("release lease: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}
		return nil
	})
}

// Status returns the current lock row for key.
func (m *Manager) Status(ctx context.Context, key string) (*models.JobLock, error) {
	var row models.JobLock
	err := m.db.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Where("key = ?", key).Take(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "job has never run").WithDetails(map[string]any{"job": key})
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Held reports whether row is currently owned at instant now.
func Held(row *models.JobLock, now time.Time) bool {
	return row != nil && row.LockedBy != nil && row.ExpiresAt.After(now)
}
