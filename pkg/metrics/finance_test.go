package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestFinanceMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewFinanceMetrics(reg)

	m.IncLedgerEntry("ESCROW_HOLD")
	m.IncLedgerEntry("ESCROW_HOLD")
	m.IncInvariantViolation("refund")
	m.AddPayoutsCreated(3)
	m.AddPayoutsSkipped("BELOW_THRESHOLD", 2)
	m.AddPayoutsSkipped("NO_KYC", 0)
	m.IncPayoutAlert()
	m.IncRiskLevelChange("FROZEN")
	m.IncTrustTierChange("")
	m.IncWebhook("stripe", "confirmed")
	m.AddReconciled("confirmed", 4)
	m.IncSegmentChange("VIP")

	if got := testutil.ToFloat64(m.ledgerEntries.WithLabelValues("ESCROW_HOLD")); got != 2 {
		t.Fatalf("expected 2 escrow holds, got %f", got)
	}
	if got := testutil.ToFloat64(m.invariants.WithLabelValues("refund")); got != 1 {
		t.Fatalf("expected 1 invariant violation, got %f", got)
	}
	if got := testutil.ToFloat64(m.payoutsCreated); got != 3 {
		t.Fatalf("expected 3 payouts created, got %f", got)
	}
	if got := testutil.ToFloat64(m.payoutsSkipped.WithLabelValues("BELOW_THRESHOLD")); got != 2 {
		t.Fatalf("expected 2 threshold skips, got %f", got)
	}
	if got := testutil.CollectAndCount(m.payoutsSkipped); got != 1 {
		t.Fatalf("zero-count skips must not create a series, got %d", got)
	}
	if got := testutil.ToFloat64(m.trustChanges.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("expected empty tier label to normalize, got %f", got)
	}
	if got := testutil.ToFloat64(m.webhooks.WithLabelValues("stripe", "confirmed")); got != 1 {
		t.Fatalf("expected 1 stripe webhook, got %f", got)
	}
	if got := testutil.ToFloat64(m.reconciled.WithLabelValues("confirmed")); got != 4 {
		t.Fatalf("expected 4 reconciled, got %f", got)
	}
	if got := testutil.ToFloat64(m.segmentChanges.WithLabelValues("VIP")); got != 1 {
		t.Fatalf("expected 1 segment change, got %f", got)
	}
}

func TestFinanceMetricsNilSafe(t *testing.T) {
	var m *FinanceMetrics
	m.IncLedgerEntry("REFUND")
	m.IncPayoutAlert()

	noop := NewFinanceMetrics(nil)
	noop.IncRiskLevelChange("HIGH")
	noop.AddPayoutsCreated(1)
}
