package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/pkg/config"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
	"github.com/angelmondragon/sellerfin-backend/pkg/metrics"
	"github.com/angelmondragon/sellerfin-backend/pkg/outbox"
	"github.com/angelmondragon/sellerfin-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/sellerfin-backend/pkg/outbox/registry"
)

func TestRelayDrainOnceRetriesAndContinues(t *testing.T) {
	first := payoutRequestedRow(t, 0)
	second := payoutRequestedRow(t, 0)
	repo := &fakeRepo{events: []models.OutboxEvent{first, second}}
	sink := &fakeSink{errs: []error{errors.New("unavailable"), nil}}
	h := newRelayHarness(t, repo, sink, config.OutboxConfig{MaxAttempts: 5})

	claimed, err := h.relay.drainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if claimed != 2 {
		t.Fatalf("expected 2 claimed rows, got %d", claimed)
	}
	if len(repo.failed) != 1 || repo.failed[0] != first.ID {
		t.Fatalf("expected first row marked failed, got %v", repo.failed)
	}
	if len(repo.published) != 1 || repo.published[0] != second.ID {
		t.Fatalf("expected second row published, got %v", repo.published)
	}
	if len(h.dlq.entries) != 0 {
		t.Fatalf("transient failure must not dead-letter")
	}
	if got := counterValue(t, h.reg, "outbox_publish_retries_total"); got != 1 {
		t.Fatalf("expected 1 retry counted, got %f", got)
	}
	if got := counterValue(t, h.reg, "outbox_events_published_total"); got != 1 {
		t.Fatalf("expected 1 publish counted, got %f", got)
	}
}

func TestRelayMessageCarriesOrderingKeyAndAttributes(t *testing.T) {
	row := payoutRequestedRow(t, 0)
	repo := &fakeRepo{events: []models.OutboxEvent{row}}
	sink := &fakeSink{}
	h := newRelayHarness(t, repo, sink, config.OutboxConfig{})

	if _, err := h.relay.drainOnce(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sink.sent))
	}
	msg := sink.sent[0]
	if want := "payout_request:" + row.AggregateID.String(); msg.OrderingKey != want {
		t.Fatalf("expected ordering key %q, got %q", want, msg.OrderingKey)
	}
	if msg.Attributes["event_type"] != string(enums.EventPayoutRequested) {
		t.Fatalf("unexpected event_type %q", msg.Attributes["event_type"])
	}
	if msg.Attributes["schema_version"] != "1" {
		t.Fatalf("unexpected schema_version %q", msg.Attributes["schema_version"])
	}
	if msg.Attributes["event_id"] != "evt-"+row.ID.String() {
		t.Fatalf("unexpected event_id %q", msg.Attributes["event_id"])
	}
	if string(msg.Data) != string(row.Payload) {
		t.Fatalf("message data should be the stored envelope")
	}
}

func TestRelayDeadLettersUnresolvableRow(t *testing.T) {
	row := payoutRequestedRow(t, 0)
	row.AggregateType = enums.AggregateStore
	repo := &fakeRepo{events: []models.OutboxEvent{row}}
	sink := &fakeSink{}
	h := newRelayHarness(t, repo, sink, config.OutboxConfig{MaxAttempts: 4})

	if _, err := h.relay.drainOnce(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Fatalf("unresolvable row must not be sent")
	}
	if len(h.dlq.entries) != 1 {
		t.Fatalf("expected dlq entry, got %d", len(h.dlq.entries))
	}
	entry := h.dlq.entries[0]
	if entry.EventID != row.ID || entry.ErrorReason != enums.OutboxDLQReasonNonRetryable {
		t.Fatalf("unexpected dlq entry %+v", entry)
	}
	if string(entry.Payload) != string(row.Payload) {
		t.Fatalf("dlq must keep the payload for replay")
	}
	if got := repo.terminal[row.ID]; got != 4 {
		t.Fatalf("expected attempts pinned at 4, got %d", got)
	}
	if got := counterValue(t, h.reg, "outbox_events_dead_lettered_total"); got != 1 {
		t.Fatalf("expected dead letter counted, got %f", got)
	}
}

func TestRelayDeadLettersAfterMaxAttempts(t *testing.T) {
	row := payoutRequestedRow(t, 1)
	repo := &fakeRepo{events: []models.OutboxEvent{row}}
	sink := &fakeSink{errs: []error{errors.New("deadline exceeded")}}
	h := newRelayHarness(t, repo, sink, config.OutboxConfig{MaxAttempts: 2})

	if _, err := h.relay.drainOnce(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if len(h.dlq.entries) != 1 {
		t.Fatalf("expected dlq entry, got %d", len(h.dlq.entries))
	}
	entry := h.dlq.entries[0]
	if entry.ErrorReason != enums.OutboxDLQReasonMaxAttempts {
		t.Fatalf("unexpected reason %s", entry.ErrorReason)
	}
	if entry.ErrorMessage == nil || !strings.Contains(*entry.ErrorMessage, "max publish attempts") {
		t.Fatalf("unexpected message %v", entry.ErrorMessage)
	}
	if len(repo.failed) != 0 {
		t.Fatalf("dead-lettered row must not also be marked failed")
	}
}

func TestRelayDeadLettersBrokerRejection(t *testing.T) {
	row := payoutRequestedRow(t, 0)
	repo := &fakeRepo{events: []models.OutboxEvent{row}}
	sink := &fakeSink{errs: []error{classifyPublishErr(status.Error(codes.InvalidArgument, "message too large"))}}
	h := newRelayHarness(t, repo, sink, config.OutboxConfig{MaxAttempts: 10})

	if _, err := h.relay.drainOnce(context.Background()); err != nil {
		t.Fatalf("drain returned error: %v", err)
	}
	if len(h.dlq.entries) != 1 || h.dlq.entries[0].ErrorReason != enums.OutboxDLQReasonNonRetryable {
		t.Fatalf("expected non-retryable dead letter, got %+v", h.dlq.entries)
	}
}

func TestRelayDrainOnceSurfacesClaimError(t *testing.T) {
	repo := &fakeRepo{fetchErr: errors.New("connection reset")}
	h := newRelayHarness(t, repo, &fakeSink{}, config.OutboxConfig{})

	if _, err := h.relay.drainOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "claim outbox rows") {
		t.Fatalf("expected claim error, got %v", err)
	}
}

func TestClassifyPublishErr(t *testing.T) {
	if classifyPublishErr(nil) != nil {
		t.Fatalf("nil stays nil")
	}
	var nonRetry registry.NonRetryableError
	if errors.As(classifyPublishErr(status.Error(codes.Unavailable, "retry me")), &nonRetry) {
		t.Fatalf("unavailable must stay retryable")
	}
	for _, code := range []codes.Code{codes.InvalidArgument, codes.PermissionDenied, codes.NotFound} {
		if !errors.As(classifyPublishErr(status.Error(code, "no")), &nonRetry) {
			t.Fatalf("%s must be non-retryable", code)
		}
	}
}

func TestRelayRunFailsWhenDependencyDown(t *testing.T) {
	h := newRelayHarness(t, &fakeRepo{}, &fakeSink{}, config.OutboxConfig{})
	h.relay.checks = []dependency{
		{Name: "database", Ping: func(context.Context) error { return nil }},
		{Name: "pubsub", Ping: func(context.Context) error { return errors.New("topic missing") }},
	}

	err := h.relay.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "pubsub ping failed") {
		t.Fatalf("expected pubsub ping failure, got %v", err)
	}
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	h := newRelayHarness(t, &fakeRepo{}, &fakeSink{}, config.OutboxConfig{PollIntervalMS: 5})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := h.relay.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBackoffDoublesCapsAndResets(t *testing.T) {
	b := newBackoff(100*time.Millisecond, 350*time.Millisecond)
	b.jitter = func(int64) int64 { return 0 }

	if got := b.fail(); got != 200*time.Millisecond {
		t.Fatalf("expected 200ms, got %s", got)
	}
	if got := b.fail(); got != 350*time.Millisecond {
		t.Fatalf("expected cap 350ms, got %s", got)
	}
	if got := b.fail(); got != 350*time.Millisecond {
		t.Fatalf("expected cap to hold, got %s", got)
	}
	b.reset()
	if got := b.idle(); got != 100*time.Millisecond {
		t.Fatalf("expected base after reset, got %s", got)
	}

	b.jitter = func(n int64) int64 { return n - 1 }
	if got := b.idle(); got >= 100*time.Millisecond+jitterWindow {
		t.Fatalf("jitter must stay inside the window, got %s", got)
	}
}

type relayHarness struct {
	relay *Relay
	dlq   *fakeDLQRepo
	reg   *prometheus.Registry
}

func newRelayHarness(t *testing.T, repo *fakeRepo, sink *fakeSink, cfg config.OutboxConfig) relayHarness {
	t.Helper()
	eventRegistry, err := registry.NewEventRegistry(config.PubSubConfig{FinanceTopic: "finance-topic"})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	reg := prometheus.NewRegistry()
	dlq := &fakeDLQRepo{}
	relay, err := NewRelay(RelayParams{
		Outbox:     cfg,
		Logger:     logger.New(logger.Options{ServiceName: "outbox-publisher-test", Output: io.Discard}),
		DB:         fakeDB{},
		Repository: repo,
		Registry:   eventRegistry,
		DLQ:        dlq,
		Sink:       sink,
		Metrics:    metrics.NewOutboxMetrics(reg),
		Clock:      func() time.Time { return time.Date(2026, 2, 16, 3, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("build relay: %v", err)
	}
	return relayHarness{relay: relay, dlq: dlq, reg: reg}
}

func payoutRequestedRow(t *testing.T, attempts int) models.OutboxEvent {
	t.Helper()
	id := uuid.New()
	storeID := uuid.New()
	data, err := json.Marshal(payloads.PayoutRequestedEvent{
		PayoutRequestID: uuid.New(),
		StoreID:         storeID,
		AmountCents:     75000,
		WeekStart:       "2026-02-16",
		BatchKey:        "payout:" + storeID.String() + ":2026-02-16",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	envelope, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    "evt-" + id.String(),
		OccurredAt: time.Date(2026, 2, 16, 2, 0, 0, 0, time.UTC),
		Data:       data,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return models.OutboxEvent{
		ID:            id,
		EventType:     enums.EventPayoutRequested,
		AggregateType: enums.AggregatePayoutRequest,
		AggregateID:   uuid.New(),
		Payload:       envelope,
		CreatedAt:     time.Date(2026, 2, 16, 2, 0, 0, 0, time.UTC),
		AttemptCount:  attempts,
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

type fakeRepo struct {
	events    []models.OutboxEvent
	fetchErr  error
	fetched   bool
	published []uuid.UUID
	failed    []uuid.UUID
	terminal  map[uuid.UUID]int
}

func (f *fakeRepo) FetchUnpublishedForPublish(*gorm.DB, int, int) ([]models.OutboxEvent, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if f.fetched {
		return nil, nil
	}
	f.fetched = true
	return f.events, nil
}

func (f *fakeRepo) MarkPublishedTx(_ *gorm.DB, id uuid.UUID) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeRepo) MarkFailedTx(_ *gorm.DB, id uuid.UUID, _ error) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeRepo) MarkTerminalTx(_ *gorm.DB, id uuid.UUID, _ error, attempts int) error {
	if f.terminal == nil {
		f.terminal = map[uuid.UUID]int{}
	}
	f.terminal[id] = attempts
	return nil
}

type fakeDB struct{}

func (fakeDB) WithTx(_ context.Context, fn func(*gorm.DB) error) error {
	return fn(nil)
}

type fakeSink struct {
	errs []error
	sent []*gcppubsub.Message
}

func (f *fakeSink) Topic() string { return "finance-topic" }

func (f *fakeSink) Send(_ context.Context, msg *gcppubsub.Message) error {
	f.sent = append(f.sent, msg)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

type fakeDLQRepo struct {
	entries []models.OutboxDLQ
}

func (f *fakeDLQRepo) InsertTx(_ *gorm.DB, entry models.OutboxDLQ) error {
	f.entries = append(f.entries, entry)
	return nil
}
