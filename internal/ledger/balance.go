package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	"github.com/angelmondragon/sellerfin-backend/pkg/pagination"
)

// Buckets are the three seller balance buckets in centimes.
type Buckets struct {
	AvailableCents     int64 `json:"available_cents"`
	EscrowCents        int64 `json:"escrow_cents"`
	PayoutPendingCents int64 `json:"payout_pending_cents"`
}

// Audit compares the stored projection with the buckets rebuilt from entries.
type Audit struct {
	StoreID    uuid.UUID `json:"store_id"`
	Projection Buckets   `json:"projection"`
	Derived    Buckets   `json:"derived"`
	Matches    bool      `json:"matches"`
}

// Balance returns the stored projection; a store without activity has zero buckets.
func (s *Service) Balance(ctx context.Context, storeID uuid.UUID) (Buckets, error) {
	row, err := s.repo.FindBalance(ctx, storeID)
	if err != nil {
		return Buckets{}, fmt.Errorf("load balance: %w", err)
	}
	return projection(row), nil
}

// DeriveBalance rebuilds the buckets from the store's ledger entries alone.
func (s *Service) DeriveBalance(ctx context.Context, storeID uuid.UUID) (Buckets, error) {
	totals, err := s.repo.TotalsByTypeStatus(ctx, storeID)
	if err != nil {
		return Buckets{}, fmt.Errorf("sum ledger entries: %w", err)
	}
	releasedGross, err := s.repo.ReleasedGross(ctx, storeID)
	if err != nil {
		return Buckets{}, fmt.Errorf("sum released escrow: %w", err)
	}
	return deriveBuckets(totals, releasedGross), nil
}

// deriveBuckets maps entry sums onto buckets. A release credits the net share
// while the whole gross hold leaves escrow, so releasedGross is subtracted from
// escrow separately.
func deriveBuckets(totals []TypeStatusTotal, releasedGross int64) Buckets {
	var b Buckets
	for _, t := range totals {
		switch t.Type {
		case enums.LedgerEntryTypeEscrowHold:
			b.EscrowCents += t.Total
		case enums.LedgerEntryTypeEscrowRelease:
			b.AvailableCents += t.Total
		case enums.LedgerEntryTypeRefund:
			if t.Status == enums.LedgerEntryStatusClawback {
				b.AvailableCents += t.Total
			} else {
				b.EscrowCents += t.Total
			}
		case enums.LedgerEntryTypePayoutLock:
			b.AvailableCents += t.Total
			b.PayoutPendingCents -= t.Total
		case enums.LedgerEntryTypePayoutRelease:
			b.AvailableCents += t.Total
			b.PayoutPendingCents -= t.Total
		case enums.LedgerEntryTypePayoutPaid:
			b.PayoutPendingCents += t.Total
		}
	}
	b.EscrowCents -= releasedGross
	return b
}

// VerifyBalance audits the projection against the ledger. Drift is logged as an
// invariant violation and reported, not raised.
func (s *Service) VerifyBalance(ctx context.Context, storeID uuid.UUID) (Audit, error) {
	stored, err := s.Balance(ctx, storeID)
	if err != nil {
		return Audit{}, err
	}
	derived, err := s.DeriveBalance(ctx, storeID)
	if err != nil {
		return Audit{}, err
	}
	audit := Audit{StoreID: storeID, Projection: stored, Derived: derived, Matches: stored == derived}
	if !audit.Matches {
		fields := map[string]any{
			"store_id":           storeID.String(),
			"projection":         stored,
			"derived":            derived,
			"available_drift":    stored.AvailableCents - derived.AvailableCents,
			"escrow_drift":       stored.EscrowCents - derived.EscrowCents,
			"payout_pending_gap": stored.PayoutPendingCents - derived.PayoutPendingCents,
		}
		s.logg.InvariantViolation(ctx, "verify_balance", fmt.Errorf("balance projection drifted from ledger"), fields)
		s.metrics.IncInvariantViolation("verify_balance")
	}
	return audit, nil
}

// ListEntries pages through a store's ledger newest first.
func (s *Service) ListEntries(ctx context.Context, storeID uuid.UUID, params pagination.Params) (pagination.Page[models.LedgerEntry], error) {
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return pagination.Page[models.LedgerEntry]{}, err
	}
	rows, err := s.repo.ListEntries(ctx, storeID, pagination.LimitWithBuffer(params.Limit), cursor)
	if err != nil {
		return pagination.Page[models.LedgerEntry]{}, fmt.Errorf("list ledger entries: %w", err)
	}
	return pagination.Trim(rows, params.Limit, func(e models.LedgerEntry) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	}), nil
}

// OrderEntries returns the entries anchored to one order.
func (s *Service) OrderEntries(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEntry, error) {
	return s.repo.EntriesForOrder(ctx, orderID)
}

func projection(row *models.SellerBalance) Buckets {
	if row == nil {
		return Buckets{}
	}
	return Buckets{
		AvailableCents:     row.AvailableCents,
		EscrowCents:        row.EscrowCents,
		PayoutPendingCents: row.PayoutPendingCents,
	}
}
