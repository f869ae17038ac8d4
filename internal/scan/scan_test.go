package scan

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberPager(total int) Pager[int] {
	return func(_ context.Context, cursor string, limit int) ([]int, string, error) {
		start := 0
		if cursor != "" {
			parsed, err := strconv.Atoi(cursor)
			if err != nil {
				return nil, "", err
			}
			start = parsed
		}
		keys := []int{}
		for i := start; i < total && len(keys) < limit; i++ {
			keys = append(keys, i)
		}
		next := ""
		if start+len(keys) < total {
			next = strconv.Itoa(start + len(keys))
		}
		return keys, next, nil
	}
}

func TestRunVisitsEveryKeyAcrossPages(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[int]bool{}
	)
	result, err := Run(context.Background(), Options{PageSize: 7}, numberPager(30), func(_ context.Context, key int) error {
		mu.Lock()
		defer mu.Unlock()
		seen[key] = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 30, result.Considered)
	assert.Len(t, seen, 30)
	assert.False(t, result.Truncated)
	assert.NoError(t, result.Err)
}

func TestRunIsolatesUnitFailures(t *testing.T) {
	result, err := Run(context.Background(), Options{PageSize: 10}, numberPager(10), func(_ context.Context, key int) error {
		if key%3 == 0 {
			return fmt.Errorf("unit %d failed", key)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, result.Considered)
	assert.Equal(t, 4, result.Failed)
	assert.Error(t, result.Err)
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	var active, peak int32
	_, err := Run(context.Background(), Options{Concurrency: 2, PageSize: 20}, numberPager(20), func(context.Context, int) error {
		current := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if current <= old || atomic.CompareAndSwapInt32(&peak, old, current) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak, int32(2))
}

func TestRunTruncatesWhenBudgetIsSpent(t *testing.T) {
	now := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	result, err := Run(context.Background(), Options{Concurrency: 1, PageSize: 5, Budget: 3 * time.Minute, Clock: clock}, numberPager(10),
		func(context.Context, int) error {
			mu.Lock()
			now = now.Add(time.Minute)
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.Less(t, result.Considered, 10)
}

func TestRunStopsOnPageError(t *testing.T) {
	pager := func(context.Context, string, int) ([]int, string, error) {
		return nil, "", errors.New("db down")
	}
	_, err := Run(context.Background(), Options{}, pager, func(context.Context, int) error { return nil })
	require.Error(t, err)
}

func TestItems(t *testing.T) {
	var count int32
	result, err := Items(context.Background(), Options{}, []string{"a", "b", "c"}, func(context.Context, string) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Considered)
	assert.Equal(t, int32(3), count)
}
