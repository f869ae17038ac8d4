package lease

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/internal/testdb"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	client, _ := testdb.Client(t)
	clock := &fakeClock{now: time.Date(2026, 2, 16, 3, 0, 0, 0, time.UTC)}
	manager, err := NewManager(ManagerParams{DB: client, Clock: clock.Now})
	require.NoError(t, err)
	return manager, clock
}

func TestAcquireRefusesUnexpiredHolderAndAllowsAfterExpiry(t *testing.T) {
	ctx := context.Background()
	manager, clock := newTestManager(t)

	first, err := manager.Acquire(ctx, "weekly-payout-batch", "worker-a", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", first.HolderID)

	_, err = manager.Acquire(ctx, "weekly-payout-batch", "worker-b", 10*time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	clock.Advance(10*time.Minute + time.Second)
	second, err := manager.Acquire(ctx, "weekly-payout-batch", "worker-b", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "worker-b", second.HolderID)

	row, err := manager.Status(ctx, "weekly-payout-batch")
	require.NoError(t, err)
	require.NotNil(t, row.LockedBy)
	assert.Equal(t, "worker-b", *row.LockedBy)
	assert.True(t, Held(row, clock.Now()))
}

func TestReleasePersistsReportAndFreesLease(t *testing.T) {
	ctx := context.Background()
	manager, clock := newTestManager(t)

	held, err := manager.Acquire(ctx, "daily-risk-eval", "worker-a", time.Hour)
	require.NoError(t, err)

	require.NoError(t, manager.Release(ctx, held, map[string]any{"processed": 12}))

	row, err := manager.Status(ctx, "daily-risk-eval")
	require.NoError(t, err)
	assert.Nil(t, row.LockedBy)
	assert.False(t, Held(row, clock.Now()))

	var report map[string]int
	require.NoError(t, json.Unmarshal(row.LastReport, &report))
	assert.Equal(t, 12, report["processed"])

	_, err = manager.Acquire(ctx, "daily-risk-eval", "worker-b", time.Hour)
	require.NoError(t, err)
}

func TestReleaseAfterTakeoverReportsLeaseLost(t *testing.T) {
	ctx := context.Background()
	manager, clock := newTestManager(t)

	stale, err := manager.Acquire(ctx, "daily-trust-recompute", "worker-a", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = manager.Acquire(ctx, "daily-trust-recompute", "worker-b", time.Minute)
	require.NoError(t, err)

	err = manager.Release(ctx, stale, nil)
	require.ErrorIs(t, err, ErrLeaseLost)

	row, err := manager.Status(ctx, "daily-trust-recompute")
	require.NoError(t, err)
	require.NotNil(t, row.LockedBy)
	assert.Equal(t, "worker-b", *row.LockedBy)
}

func TestAcquireDueEnforcesCadence(t *testing.T) {
	ctx := context.Background()
	manager, clock := newTestManager(t)

	held, err := manager.AcquireDue(ctx, "user-segment-recompute", "worker-a", 5*time.Minute, 24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, manager.Release(ctx, held, nil))

	clock.Advance(time.Hour)
	_, err = manager.AcquireDue(ctx, "user-segment-recompute", "worker-b", 5*time.Minute, 24*time.Hour)
	require.ErrorIs(t, err, ErrNotDue)

	clock.Advance(23 * time.Hour)
	_, err = manager.AcquireDue(ctx, "user-segment-recompute", "worker-b", 5*time.Minute, 24*time.Hour)
	require.NoError(t, err)
}

func TestConcurrentAcquireHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t)

	var (
		wg      sync.WaitGroup
		winners int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := manager.Acquire(ctx, "payment-redirect-reconcile", "worker-"+string(rune('a'+i)), time.Minute)
			if err == nil {
				atomic.AddInt32(&winners, 1)
				return
			}
			if !errors.Is(err, ErrNotAcquired) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

func TestAcquireLosingInsertRaceReportsNotAcquired(t *testing.T) {
	ctx := context.Background()
	client, conn := testdb.Client(t)
	clock := &fakeClock{now: time.Date(2026, 2, 16, 3, 0, 0, 0, time.UTC)}
	manager, err := NewManager(ManagerParams{DB: client, Clock: clock.Now})
	require.NoError(t, err)

	rival := "worker-b"
	testdb.AfterNextQuery(t, conn, "job_locks", func(tx *gorm.DB) error {
		return tx.Create(&models.JobLock{
			Key:       "daily-risk-eval",
			LockedBy:  &rival,
			ExpiresAt: clock.Now().Add(time.Minute),
		}).Error
	})

	_, err = manager.Acquire(ctx, "daily-risk-eval", "worker-a", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)

	// The failed attempt rolled back without leaving a row behind.
	lease, err := manager.Acquire(ctx, "daily-risk-eval", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", lease.HolderID)
}

func TestAcquireValidatesInput(t *testing.T) {
	manager, _ := newTestManager(t)

	_, err := manager.Acquire(context.Background(), " ", "worker-a", time.Minute)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = manager.Acquire(context.Background(), "job", "worker-a", 0)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestStatusUnknownJob(t *testing.T) {
	manager, _ := newTestManager(t)
	_, err := manager.Status(context.Background(), "never-ran")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}
