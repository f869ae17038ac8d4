package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	"github.com/angelmondragon/sellerfin-backend/pkg/pagination"
)

// Delta is a signed change to the three balance buckets.
type Delta struct {
	Available     int64
	Escrow        int64
	PayoutPending int64
}

// Repository persists ledger entries, balance projections and the order fields
// the ledger advances.
type Repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx binds the repository to tx.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	if tx == nil {
		return r
	}
	return &Repository{db: tx}
}

// EntryExists reports whether an entry of type already anchors scope for the store.
func (r *Repository) EntryExists(ctx context.Context, entryType enums.LedgerEntryType, storeID uuid.UUID, scope string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("type = ? AND store_id = ? AND scope_key = ?", entryType, storeID, scope).
		Count(&count).Error
	return count > 0, err
}

// InsertEntry appends an entry.
func (r *Repository) InsertEntry(ctx context.Context, entry *models.LedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// EntriesForOrder lists every entry anchored to the order, oldest first.
func (r *Repository) EntriesForOrder(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// ListEntries returns a store's entries newest first with keyset pagination.
func (r *Repository) ListEntries(ctx context.Context, storeID uuid.UUID, limit int, cursor *pagination.Cursor) ([]models.LedgerEntry, error) {
	query := r.db.WithContext(ctx).
		Where("store_id = ?", storeID).
		Order("created_at DESC, id DESC").
		Limit(limit)
	if cursor != nil {
		query = query.Where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}
	var entries []models.LedgerEntry
	err := query.Find(&entries).Error
	return entries, err
}

// TypeStatusTotal is one (type, status) sum.
type TypeStatusTotal struct {
	Type   enums.LedgerEntryType
	Status enums.LedgerEntryStatus
	Total  int64
}

// TotalsByTypeStatus sums entry amounts per (type, status) for a store.
func (r *Repository) TotalsByTypeStatus(ctx context.Context, storeID uuid.UUID) ([]TypeStatusTotal, error) {
	var rows []TypeStatusTotal
	err := r.db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Select("type, status, COALESCE(SUM(amount_cents), 0) AS total").
		Where("store_id = ?", storeID).
		Group("type, status").
		Scan(&rows).Error
	return rows, err
}

// ReleasedGross sums the escrow holds of orders whose escrow was released.
func (r *Repository) ReleasedGross(ctx context.Context, storeID uuid.UUID) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Raw(`
SELECT COALESCE(SUM(h.amount_cents), 0)
FROM ledger_entries h
JOIN ledger_entries rel
  ON rel.store_id = h.store_id
 AND rel.scope_key = h.scope_key
 AND rel.type = ?
WHERE h.store_id = ? AND h.type = ?`,
		enums.LedgerEntryTypeEscrowRelease, storeID, enums.LedgerEntryTypeEscrowHold,
	).Scan(&total).Error
	return total, err
}

// FindBalance returns the projection row or nil when the store has none yet.
func (r *Repository) FindBalance(ctx context.Context, storeID uuid.UUID) (*models.SellerBalance, error) {
	var balance models.SellerBalance
	err := r.db.WithContext(ctx).Where("store_id = ?", storeID).Take(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// EnsureBalance creates an empty projection row when missing.
func (r *Repository) EnsureBalance(ctx context.Context, storeID uuid.UUID, now time.Time) error {
	row := models.SellerBalance{StoreID: storeID, UpdatedAt: now}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "store_id"}}, DoNothing: true}).
		Create(&row).Error
}

// ApplyDelta changes the buckets in one conditional update. Every negative
// component is guarded so the row is left untouched, and false returned, when
// any bucket would drop below zero.
func (r *Repository) ApplyDelta(ctx context.Context, storeID uuid.UUID, delta Delta, now time.Time) (bool, error) {
	updates := map[string]any{"updated_at": now}
	query := r.db.WithContext(ctx).Model(&models.SellerBalance{}).Where("store_id = ?", storeID)
	for _, part := range []struct {
		column string
		amount int64
	}{
		{"available_cents", delta.Available},
		{"escrow_cents", delta.Escrow},
		{"payout_pending_cents", delta.PayoutPending},
	} {
		if part.amount == 0 {
			continue
		}
		updates[part.column] = gorm.Expr(part.column+" + ?", part.amount)
		if part.amount < 0 {
			query = query.Where(part.column+" >= ?", -part.amount)
		}
	}
	res := query.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// FindOrder loads an order, locking the row inside a transaction on Postgres.
func (r *Repository) FindOrder(ctx context.Context, orderID uuid.UUID, forUpdate bool) (*models.Order, error) {
	query := r.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var order models.Order
	if err := query.Where("id = ?", orderID).Take(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// AdvanceOrder updates the order only while its escrow status still equals from.
func (r *Repository) AdvanceOrder(ctx context.Context, orderID uuid.UUID, from enums.EscrowStatus, updates map[string]any) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ? AND escrow_status = ?", orderID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
