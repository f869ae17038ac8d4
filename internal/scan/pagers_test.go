package scan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/sellerfin-backend/internal/testdb"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
)

func TestStoresPagerWalksEveryStoreOnce(t *testing.T) {
	conn := testdb.Open(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	want := map[uuid.UUID]bool{}
	for i := 0; i < 7; i++ {
		store := testdb.Store(t, conn, func(s *models.Store) {
			// Two stores share each timestamp so the id tie-break is exercised.
			s.CreatedAt = base.Add(time.Duration(i/2) * time.Hour)
		})
		want[store.ID] = true
	}

	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
	)
	result, err := Run(context.Background(), Options{PageSize: 3}, Stores(conn), func(_ context.Context, id uuid.UUID) error {
		mu.Lock()
		defer mu.Unlock()
		seen[id]++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, result.Considered)
	for id := range want {
		assert.Equal(t, 1, seen[id], id.String())
	}
}

func TestBalancesPager(t *testing.T) {
	conn := testdb.Open(t)
	for i := 0; i < 5; i++ {
		store := testdb.Store(t, conn, nil)
		testdb.Balance(t, conn, store.ID, int64(i)*100, 0, 0)
	}

	var total int64
	var mu sync.Mutex
	result, err := Run(context.Background(), Options{PageSize: 2}, Balances(conn), func(_ context.Context, b models.SellerBalance) error {
		mu.Lock()
		defer mu.Unlock()
		total += b.AvailableCents
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Considered)
	assert.Equal(t, int64(1000), total)
}
