package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FinanceMetrics tracks money movement, governance transitions and batch outcomes.
type FinanceMetrics struct {
	ledgerEntries  *prometheus.CounterVec
	invariants     *prometheus.CounterVec
	payoutsCreated prometheus.Counter
	payoutsSkipped *prometheus.CounterVec
	payoutAlerts   prometheus.Counter
	riskChanges    *prometheus.CounterVec
	trustChanges   *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
	reconciled     *prometheus.CounterVec
	segmentChanges *prometheus.CounterVec
}

// NewFinanceMetrics registers the finance metrics on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewFinanceMetrics(reg prometheus.Registerer) *FinanceMetrics {
	if reg == nil {
		return &FinanceMetrics{}
	}
	m := &FinanceMetrics{
		ledgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finance_ledger_entries_total",
			Help: "Ledger entries written, by entry type.",
		}, []string{"type"}),
		invariants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finance_invariant_violations_total",
			Help: "Rejected operations that would have broken a money invariant.",
		}, []string{"op"}),
		payoutsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payout_batch_created_total",
			Help: "Payout requests created by the weekly batch.",
		}),
		payoutsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_batch_skipped_total",
			Help: "Stores skipped by the weekly batch, by reason.",
		}, []string{"reason"}),
		payoutAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payout_batch_alerts_total",
			Help: "Weekly batch runs whose skip ratio crossed the alert threshold.",
		}),
		riskChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_level_changes_total",
			Help: "Realized store risk level changes, by new level.",
		}, []string{"level"}),
		trustChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trust_tier_changes_total",
			Help: "Realized store trust tier changes, by new tier.",
		}, []string{"tier"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_webhooks_total",
			Help: "Provider webhooks handled, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_reconcile_candidates_total",
			Help: "Redirect reconcile candidates, by outcome.",
		}, []string{"outcome"}),
		segmentChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "user_segment_changes_total",
			Help: "Buyer segment changes, by new segment.",
		}, []string{"segment"}),
	}
	reg.MustRegister(
		m.ledgerEntries,
		m.invariants,
		m.payoutsCreated,
		m.payoutsSkipped,
		m.payoutAlerts,
		m.riskChanges,
		m.trustChanges,
		m.webhooks,
		m.reconciled,
		m.segmentChanges,
	)
	return m
}

func (m *FinanceMetrics) IncLedgerEntry(entryType string) {
	if m == nil || m.ledgerEntries == nil {
		return
	}
	m.ledgerEntries.WithLabelValues(normalizeLabel(entryType)).Inc()
}

func (m *FinanceMetrics) IncInvariantViolation(op string) {
	if m == nil || m.invariants == nil {
		return
	}
	m.invariants.WithLabelValues(normalizeLabel(op)).Inc()
}

func (m *FinanceMetrics) AddPayoutsCreated(n int) {
	if m == nil || m.payoutsCreated == nil || n <= 0 {
		return
	}
	m.payoutsCreated.Add(float64(n))
}

func (m *FinanceMetrics) AddPayoutsSkipped(reason string, n int) {
	if m == nil || m.payoutsSkipped == nil || n <= 0 {
		return
	}
	m.payoutsSkipped.WithLabelValues(normalizeLabel(reason)).Add(float64(n))
}

func (m *FinanceMetrics) IncPayoutAlert() {
	if m == nil || m.payoutAlerts == nil {
		return
	}
	m.payoutAlerts.Inc()
}

func (m *FinanceMetrics) IncRiskLevelChange(level string) {
	if m == nil || m.riskChanges == nil {
		return
	}
	m.riskChanges.WithLabelValues(normalizeLabel(level)).Inc()
}

func (m *FinanceMetrics) IncTrustTierChange(tier string) {
	if m == nil || m.trustChanges == nil {
		return
	}
	m.trustChanges.WithLabelValues(normalizeLabel(tier)).Inc()
}

func (m *FinanceMetrics) IncWebhook(provider, outcome string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(normalizeLabel(provider), normalizeLabel(outcome)).Inc()
}

func (m *FinanceMetrics) AddReconciled(outcome string, n int) {
	if m == nil || m.reconciled == nil || n <= 0 {
		return
	}
	m.reconciled.WithLabelValues(normalizeLabel(outcome)).Add(float64(n))
}

func (m *FinanceMetrics) IncSegmentChange(segment string) {
	if m == nil || m.segmentChanges == nil {
		return
	}
	m.segmentChanges.WithLabelValues(normalizeLabel(segment)).Inc()
}
