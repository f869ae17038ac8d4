package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOutboxMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)

	m.ObservePublished("payout.requested", 2*time.Second)
	m.ObservePublished("payout.requested", 0)
	m.IncRetried("risk.level_changed")
	m.IncDeadLettered("max_attempts")
	m.IncDeadLettered("")

	if got := testutil.ToFloat64(m.published.WithLabelValues("payout.requested")); got != 2 {
		t.Fatalf("expected 2 published, got %f", got)
	}
	if got := testutil.ToFloat64(m.retried.WithLabelValues("risk.level_changed")); got != 1 {
		t.Fatalf("expected 1 retry, got %f", got)
	}
	if got := testutil.ToFloat64(m.deadLettered.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("empty reason should be normalized, got %f", got)
	}
	if got := testutil.CollectAndCount(m.lag); got != 1 {
		t.Fatalf("expected lag histogram series, got %d", got)
	}
}

func TestOutboxMetricsNilSafe(t *testing.T) {
	var m *OutboxMetrics
	m.ObservePublished("x", time.Second)
	m.IncRetried("x")
	m.IncDeadLettered("x")

	unregistered := NewOutboxMetrics(nil)
	unregistered.ObservePublished("x", time.Second)
	unregistered.IncDeadLettered("x")
}
