package scan

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/pagination"
)

// createdAtPager walks a table by (created_at, id) ascending.
func createdAtPager(db *gorm.DB, model any) Pager[uuid.UUID] {
	return func(ctx context.Context, cursor string, limit int) ([]uuid.UUID, string, error) {
		after, err := pagination.ParseCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		query := db.WithContext(ctx).Model(model).
			Select("id, created_at").
			Order("created_at ASC, id ASC").
			Limit(limit)
		if after != nil {
			query = query.Where("(created_at, id) > (?, ?)", after.CreatedAt, after.ID)
		}
		var rows []pagination.Cursor
		if err := query.Find(&rows).Error; err != nil {
			return nil, "", fmt.Errorf("page keys: %w", err)
		}
		ids := make([]uuid.UUID, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		next := ""
		if len(rows) == limit {
			next = pagination.EncodeCursor(rows[len(rows)-1])
		}
		return ids, next, nil
	}
}

// Stores pages store ids oldest first.
func Stores(db *gorm.DB) Pager[uuid.UUID] {
	return createdAtPager(db, &models.Store{})
}

// Users pages user ids oldest first.
func Users(db *gorm.DB) Pager[uuid.UUID] {
	return createdAtPager(db, &models.User{})
}

// Balances pages seller balance rows by store id.
func Balances(db *gorm.DB) Pager[models.SellerBalance] {
	return func(ctx context.Context, cursor string, limit int) ([]models.SellerBalance, string, error) {
		query := db.WithContext(ctx).Order("store_id ASC").Limit(limit)
		if cursor != "" {
			after, err := uuid.Parse(cursor)
			if err != nil {
				return nil, "", fmt.Errorf("invalid balance cursor: %w", err)
			}
			query = query.Where("store_id > ?", after)
		}
		var rows []models.SellerBalance
		if err := query.Find(&rows).Error; err != nil {
			return nil, "", fmt.Errorf("page balances: %w", err)
		}
		next := ""
		if len(rows) == limit {
			next = rows[len(rows)-1].StoreID.String()
		}
		return rows, next, nil
	}
}
