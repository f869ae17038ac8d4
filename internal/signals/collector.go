// Package signals gathers the rolling per-store aggregates that the risk and
// trust engines score. Every query reads committed data outside any
// transaction and takes its window bounds as parameters.
package signals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/sellerfin-backend/pkg/db"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

const (
	Day = 24 * time.Hour

	// RapidPayoutWindow bounds both hops of the rapid payout pattern: payment to
	// delivery, and delivery to payout request.
	RapidPayoutWindow = 24 * time.Hour
)

// StoreSignals is one snapshot of a store's rolling aggregates.
type StoreSignals struct {
	StoreID    uuid.UUID `json:"store_id"`
	ComputedAt time.Time `json:"computed_at"`

	OrdersPaid7d       int `json:"orders_paid_7d"`
	OrdersPaid30d      int `json:"orders_paid_30d"`
	OrdersDelivered7d  int `json:"orders_delivered_7d"`
	OrdersDelivered30d int `json:"orders_delivered_30d"`
	PaymentsLastHour   int `json:"payments_last_hour"`

	Refunds7d              int `json:"refunds_7d"`
	Refunds30d             int `json:"refunds_30d"`
	RefundsAfterRelease30d int `json:"refunds_after_release_30d"`
	Chargebacks30d         int `json:"chargebacks_30d"`

	PayoutPendingCents    int64 `json:"payout_pending_cents"`
	AvgPayoutLock30dCents int64 `json:"avg_payout_lock_30d_cents"`

	RapidPayoutPattern7d  int `json:"rapid_payout_pattern_7d"`
	CriticalRiskEvents30d int `json:"critical_risk_events_30d"`

	StoreCreatedAt time.Time  `json:"store_created_at"`
	LastIncidentAt *time.Time `json:"last_incident_at,omitempty"`
}

// RefundRate7d is refunds over paid orders in the last 7 days.
func (s StoreSignals) RefundRate7d() float64 {
	return ratio(s.Refunds7d, s.OrdersPaid7d)
}

// RefundRate30d is refunds over paid orders in the last 30 days.
func (s StoreSignals) RefundRate30d() float64 {
	return ratio(s.Refunds30d, s.OrdersPaid30d)
}

// RefundAfterReleaseRate30d is clawback refunds over delivered orders in 30 days.
func (s StoreSignals) RefundAfterReleaseRate30d() float64 {
	return ratio(s.RefundsAfterRelease30d, s.OrdersDelivered30d)
}

// CleanDays counts whole days since the last incident, or since the store
// opened when it never had one.
func (s StoreSignals) CleanDays() int {
	since := s.StoreCreatedAt
	if s.LastIncidentAt != nil && s.LastIncidentAt.After(since) {
		since = *s.LastIncidentAt
	}
	if since.IsZero() || s.ComputedAt.Before(since) {
		return 0
	}
	return int(s.ComputedAt.Sub(since) / Day)
}

func ratio(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Collector runs the aggregate queries.
type Collector struct {
	db  *gorm.DB
	now func() time.Time
}

// NewCollector binds a collector to db. A nil clock uses UTC wall time.
func NewCollector(db *gorm.DB, clock func() time.Time) (*Collector, error) {
	if db == nil {
		return nil, errors.New("db required")
	}
	if clock == nil {
		clock = dbpkg.NowUTC
	}
	return &Collector{db: db, now: clock}, nil
}

// Collect gathers every signal for the store in parallel.
func (c *Collector) Collect(ctx context.Context, storeID uuid.UUID) (StoreSignals, error) {
	now := c.now().UTC()
	out := StoreSignals{StoreID: storeID, ComputedAt: now}

	var (
		orders   orderCounts
		entries  entryCounts
		rapid    int
		critical int
		incident *time.Time
		store    models.Store
		pending  int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		orders, err = c.orderCounts(gctx, storeID, now)
		return err
	})
	g.Go(func() (err error) {
		entries, err = c.entryCounts(gctx, storeID, now)
		return err
	})
	g.Go(func() (err error) {
		rapid, err = c.rapidPayoutPattern(gctx, storeID, now)
		return err
	})
	g.Go(func() (err error) {
		critical, err = c.criticalRiskEvents(gctx, storeID, now.Add(-30*Day))
		return err
	})
	g.Go(func() (err error) {
		incident, err = c.lastIncident(gctx, storeID)
		return err
	})
	g.Go(func() error {
		err := c.db.WithContext(gctx).Select("id, created_at").Where("id = ?", storeID).Take(&store).Error
		if err != nil {
			return fmt.Errorf("load store: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var rows []int64
		err := c.db.WithContext(gctx).Model(&models.SellerBalance{}).
			Where("store_id = ?", storeID).
			Pluck("payout_pending_cents", &rows).Error
		if err != nil {
			return fmt.Errorf("load payout pending: %w", err)
		}
		if len(rows) > 0 {
			pending = rows[0]
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return StoreSignals{}, err
	}

	out.OrdersPaid7d = int(orders.Paid7d)
	out.OrdersPaid30d = int(orders.Paid30d)
	out.OrdersDelivered7d = int(orders.Delivered7d)
	out.OrdersDelivered30d = int(orders.Delivered30d)
	out.PaymentsLastHour = int(orders.PaidLastHour)
	out.Refunds7d = int(entries.Refunds7d)
	out.Refunds30d = int(entries.Refunds30d)
	out.RefundsAfterRelease30d = int(entries.Clawbacks30d)
	out.Chargebacks30d = int(entries.Chargebacks30d)
	if entries.PayoutLocks30d > 0 {
		out.AvgPayoutLock30dCents = entries.PayoutLocked30d / entries.PayoutLocks30d
	}
	out.PayoutPendingCents = pending
	out.RapidPayoutPattern7d = rapid
	out.CriticalRiskEvents30d = critical
	out.LastIncidentAt = incident
	out.StoreCreatedAt = store.CreatedAt.UTC()
	return out, nil
}

type orderCounts struct {
	Paid7d       int64 `gorm:"column:paid_7d"`
	Paid30d      int64 `gorm:"column:paid_30d"`
	Delivered7d  int64 `gorm:"column:delivered_7d"`
	Delivered30d int64 `gorm:"column:delivered_30d"`
	PaidLastHour int64 `gorm:"column:paid_last_hour"`
}

func (c *Collector) orderCounts(ctx context.Context, storeID uuid.UUID, now time.Time) (orderCounts, error) {
	d7, d30, h1 := now.Add(-7*Day), now.Add(-30*Day), now.Add(-time.Hour)
	var out orderCounts
	err := c.db.WithContext(ctx).Raw(`
SELECT
  COALESCE(SUM(CASE WHEN paid_at >= ? THEN 1 ELSE 0 END), 0) AS paid_7d,
  COALESCE(SUM(CASE WHEN paid_at >= ? THEN 1 ELSE 0 END), 0) AS paid_30d,
  COALESCE(SUM(CASE WHEN delivered_at >= ? THEN 1 ELSE 0 END), 0) AS delivered_7d,
  COALESCE(SUM(CASE WHEN delivered_at >= ? THEN 1 ELSE 0 END), 0) AS delivered_30d,
  COALESCE(SUM(CASE WHEN paid_at >= ? THEN 1 ELSE 0 END), 0) AS paid_last_hour
FROM orders
WHERE store_id = ? AND paid_at IS NOT NULL AND paid_at >= ?`,
		d7, d30, d7, d30, h1, storeID, d30,
	).Scan(&out).Error
	if err != nil {
		return orderCounts{}, fmt.Errorf("count orders: %w", err)
	}
	return out, nil
}

type entryCounts struct {
	Refunds7d       int64 `gorm:"column:refunds_7d"`
	Refunds30d      int64 `gorm:"column:refunds_30d"`
	Clawbacks30d    int64 `gorm:"column:clawbacks_30d"`
	Chargebacks30d  int64 `gorm:"column:chargebacks_30d"`
	PayoutLocked30d int64 `gorm:"column:payout_locked_30d"`
	PayoutLocks30d  int64 `gorm:"column:payout_locks_30d"`
}

func (c *Collector) entryCounts(ctx context.Context, storeID uuid.UUID, now time.Time) (entryCounts, error) {
	refund := enums.LedgerEntryTypeRefund
	var out entryCounts
	err := c.db.WithContext(ctx).Raw(`
SELECT
  COALESCE(SUM(CASE WHEN type = ? AND created_at >= ? THEN 1 ELSE 0 END), 0) AS refunds_7d,
  COALESCE(SUM(CASE WHEN type = ? THEN 1 ELSE 0 END), 0) AS refunds_30d,
  COALESCE(SUM(CASE WHEN type = ? AND status = ? THEN 1 ELSE 0 END), 0) AS clawbacks_30d,
  COALESCE(SUM(CASE WHEN type = ? AND status = ? THEN 1 ELSE 0 END), 0) AS chargebacks_30d,
  COALESCE(SUM(CASE WHEN type = ? THEN -amount_cents ELSE 0 END), 0) AS payout_locked_30d,
  COALESCE(SUM(CASE WHEN type = ? THEN 1 ELSE 0 END), 0) AS payout_locks_30d
FROM ledger_entries
WHERE store_id = ? AND created_at >= ?`,
		refund, now.Add(-7*Day),
		refund,
		refund, enums.LedgerEntryStatusClawback,
		enums.LedgerEntryTypeReversal, enums.LedgerEntryStatusChargeback,
		enums.LedgerEntryTypePayoutLock,
		enums.LedgerEntryTypePayoutLock,
		storeID, now.Add(-30*Day),
	).Scan(&out).Error
	if err != nil {
		return entryCounts{}, fmt.Errorf("count ledger entries: %w", err)
	}
	return out, nil
}

// Delivery is the payment and delivery instant of one order.
type Delivery struct {
	PaidAt      time.Time
	DeliveredAt time.Time
}

// rapidPayoutPattern counts orders delivered in the last 7 days within 24h of
// payment and followed by a payout request within 24h of delivery.
func (c *Collector) rapidPayoutPattern(ctx context.Context, storeID uuid.UUID, now time.Time) (int, error) {
	since := now.Add(-7 * Day)
	var delivered []Delivery
	err := c.db.WithContext(ctx).Model(&models.Order{}).
		Select("paid_at, delivered_at").
		Where("store_id = ? AND paid_at IS NOT NULL AND delivered_at >= ?", storeID, since).
		Order("delivered_at ASC").
		Find(&delivered).Error
	if err != nil {
		return 0, fmt.Errorf("load deliveries: %w", err)
	}
	if len(delivered) == 0 {
		return 0, nil
	}
	var requested []time.Time
	err = c.db.WithContext(ctx).Model(&models.PayoutRequest{}).
		Where("store_id = ? AND created_at >= ?", storeID, since).
		Order("created_at ASC").
		Pluck("created_at", &requested).Error
	if err != nil {
		return 0, fmt.Errorf("load payout requests: %w", err)
	}
	return CountRapidPayouts(delivered, requested), nil
}

// CountRapidPayouts applies the two 24h hops to already loaded timestamps.
func CountRapidPayouts(delivered []Delivery, requested []time.Time) int {
	count := 0
	for _, d := range delivered {
		if d.DeliveredAt.Before(d.PaidAt) || d.DeliveredAt.Sub(d.PaidAt) > RapidPayoutWindow {
			continue
		}
		for _, r := range requested {
			if !r.Before(d.DeliveredAt) && r.Sub(d.DeliveredAt) <= RapidPayoutWindow {
				count++
				break
			}
		}
	}
	return count
}

func (c *Collector) criticalRiskEvents(ctx context.Context, storeID uuid.UUID, since time.Time) (int, error) {
	var count int64
	err := c.db.WithContext(ctx).Model(&models.RiskEvent{}).
		Where("store_id = ? AND severity = ? AND created_at >= ?", storeID, enums.SeverityCritical, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count critical risk events: %w", err)
	}
	return int(count), nil
}

// lastIncident is the newest clawback refund, chargeback or critical risk event.
func (c *Collector) lastIncident(ctx context.Context, storeID uuid.UUID) (*time.Time, error) {
	var latest *time.Time
	consider := func(times []time.Time) {
		if len(times) > 0 && (latest == nil || times[0].After(*latest)) {
			t := times[0].UTC()
			latest = &t
		}
	}

	var ledgerTimes []time.Time
	err := c.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("store_id = ? AND ((type = ? AND status = ?) OR (type = ? AND status = ?))",
			storeID,
			enums.LedgerEntryTypeRefund, enums.LedgerEntryStatusClawback,
			enums.LedgerEntryTypeReversal, enums.LedgerEntryStatusChargeback).
		Order("created_at DESC").
		Limit(1).
		Pluck("created_at", &ledgerTimes).Error
	if err != nil {
		return nil, fmt.Errorf("load last ledger incident: %w", err)
	}
	consider(ledgerTimes)

	var riskTimes []time.Time
	err = c.db.WithContext(ctx).Model(&models.RiskEvent{}).
		Where("store_id = ? AND severity = ?", storeID, enums.SeverityCritical).
		Order("created_at DESC").
		Limit(1).
		Pluck("created_at", &riskTimes).Error
	if err != nil {
		return nil, fmt.Errorf("load last risk incident: %w", err)
	}
	consider(riskTimes)
	return latest, nil
}
