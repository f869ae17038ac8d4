package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/pkg/config"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
	"github.com/angelmondragon/sellerfin-backend/pkg/metrics"
	"github.com/angelmondragon/sellerfin-backend/pkg/outbox"
	"github.com/angelmondragon/sellerfin-backend/pkg/outbox/registry"
)

const (
	defaultBatchSize   = 50
	defaultPoll        = 500 * time.Millisecond
	defaultMaxAttempts = 10
	maxBackoff         = 10 * time.Second
)

type txRunner interface {
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type outboxRepository interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type dlqRepository interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type registryResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
}

// eventSink delivers one message and blocks until the broker acknowledges it.
type eventSink interface {
	Send(ctx context.Context, msg *gcppubsub.Message) error
	Topic() string
}

// dependency is checked once before the relay starts claiming rows.
type dependency struct {
	Name string
	Ping func(context.Context) error
}

type RelayParams struct {
	Outbox     config.OutboxConfig
	Logger     *logger.Logger
	DB         txRunner
	Repository outboxRepository
	Registry   registryResolver
	DLQ        dlqRepository
	Sink       eventSink
	Metrics    *metrics.OutboxMetrics
	Checks     []dependency
	Clock      func() time.Time
}

// Relay moves committed finance events from the outbox table to the finance
// topic. Rows are claimed with SKIP LOCKED so several relays can run at once.
type Relay struct {
	logg        *logger.Logger
	db          txRunner
	repo        outboxRepository
	registry    registryResolver
	dlq         dlqRepository
	sink        eventSink
	metrics     *metrics.OutboxMetrics
	checks      []dependency
	batchSize   int
	maxAttempts int
	poll        time.Duration
	now         func() time.Time
}

func NewRelay(params RelayParams) (*Relay, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger required")
	case params.DB == nil:
		return nil, errors.New("db runner required")
	case params.Repository == nil:
		return nil, errors.New("outbox repository required")
	case params.Registry == nil:
		return nil, errors.New("event registry required")
	case params.DLQ == nil:
		return nil, errors.New("dlq repository required")
	case params.Sink == nil:
		return nil, errors.New("event sink required")
	}

	r := &Relay{
		logg:        params.Logger,
		db:          params.DB,
		repo:        params.Repository,
		registry:    params.Registry,
		dlq:         params.DLQ,
		sink:        params.Sink,
		metrics:     params.Metrics,
		checks:      params.Checks,
		batchSize:   params.Outbox.BatchSize,
		maxAttempts: params.Outbox.MaxAttempts,
		poll:        time.Duration(params.Outbox.PollIntervalMS) * time.Millisecond,
		now:         params.Clock,
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.poll <= 0 {
		r.poll = defaultPoll
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r, nil
}

// Run drains the outbox until ctx is canceled. An empty batch waits one poll
// interval; a failed batch backs off exponentially.
func (r *Relay) Run(ctx context.Context) error {
	for _, dep := range r.checks {
		if err := dep.Ping(ctx); err != nil {
			r.logg.Error(ctx, dep.Name+" ping failed", err)
			return fmt.Errorf("%s ping failed: %w", dep.Name, err)
		}
	}

	delay := newBackoff(r.poll, maxBackoff)
	for {
		if err := ctx.Err(); err != nil {
			r.logg.Info(ctx, "outbox relay stopping")
			return err
		}

		claimed, err := r.drainOnce(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			r.logg.Error(ctx, "outbox relay batch failed", err)
			wait = delay.fail()
		case claimed > 0:
			delay.reset()
			continue
		default:
			delay.reset()
			wait = delay.idle()
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// drainOnce claims one batch and settles every row in the same transaction.
func (r *Relay) drainOnce(ctx context.Context) (int, error) {
	claimed := 0
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := r.repo.FetchUnpublishedForPublish(tx, r.batchSize, r.maxAttempts)
		if err != nil {
			return fmt.Errorf("claim outbox rows: %w", err)
		}
		claimed = len(rows)
		for _, row := range rows {
			if err := r.relayOne(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	return claimed, err
}

type outcome int

const (
	outcomePublished outcome = iota
	outcomeRetry
	outcomeDeadLetter
)

// classify decides the fate of a row after one publish attempt.
func classify(err error, attempt, maxAttempts int) (outcome, enums.OutboxDLQErrorReason) {
	if err == nil {
		return outcomePublished, ""
	}
	var nonRetry registry.NonRetryableError
	if errors.As(err, &nonRetry) {
		return outcomeDeadLetter, enums.OutboxDLQReasonNonRetryable
	}
	if attempt >= maxAttempts {
		return outcomeDeadLetter, enums.OutboxDLQReasonMaxAttempts
	}
	return outcomeRetry, ""
}

func (r *Relay) relayOne(ctx context.Context, tx *gorm.DB, row models.OutboxEvent) error {
	logCtx := r.logg.WithFields(ctx, rowFields(row))

	resolved, err := r.registry.Resolve(row)
	if err != nil {
		return r.deadLetter(logCtx, tx, row, enums.OutboxDLQReasonNonRetryable, err)
	}
	logCtx = r.logg.WithFields(logCtx, map[string]any{
		"event_id":    resolved.Envelope.EventID,
		"occurred_at": resolved.Envelope.OccurredAt.Format(time.RFC3339Nano),
		"topic":       r.sink.Topic(),
	})

	sendErr := r.sink.Send(ctx, financeMessage(row, resolved.Envelope))
	attempt := row.AttemptCount + 1
	result, reason := classify(sendErr, attempt, r.maxAttempts)
	switch result {
	case outcomePublished:
		if err := r.repo.MarkPublishedTx(tx, row.ID); err != nil {
			return fmt.Errorf("mark published %s: %w", row.ID, err)
		}
		r.metrics.ObservePublished(string(row.EventType), r.now().Sub(row.CreatedAt))
		r.logg.Info(logCtx, "outbox event published")
	case outcomeRetry:
		if err := r.repo.MarkFailedTx(tx, row.ID, sendErr); err != nil {
			return fmt.Errorf("mark failure %s: %w", row.ID, err)
		}
		r.metrics.IncRetried(string(row.EventType))
		warnCtx := r.logg.WithFields(logCtx, map[string]any{"attempt_count": attempt, "error": sendErr.Error()})
		r.logg.Warn(warnCtx, "outbox publish failed")
	case outcomeDeadLetter:
		if reason == enums.OutboxDLQReasonMaxAttempts {
			sendErr = fmt.Errorf("max publish attempts reached: %w", sendErr)
		}
		return r.deadLetter(logCtx, tx, row, reason, sendErr)
	}
	return nil
}

// deadLetter copies the row into outbox_dlq and pins its attempt count at the
// ceiling so it is never claimed again.
func (r *Relay) deadLetter(ctx context.Context, tx *gorm.DB, row models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error) error {
	msg := cause.Error()
	entry := models.OutboxDLQ{
		EventID:       row.ID,
		EventType:     row.EventType,
		AggregateType: row.AggregateType,
		AggregateID:   row.AggregateID,
		Payload:       row.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  row.AttemptCount,
		FailedAt:      r.now(),
	}
	if err := r.dlq.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("insert dlq %s: %w", row.ID, err)
	}
	if err := r.repo.MarkTerminalTx(tx, row.ID, cause, r.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", row.ID, err)
	}
	r.metrics.IncDeadLettered(string(reason))
	warnCtx := r.logg.WithFields(ctx, map[string]any{"error_reason": reason, "error": msg})
	r.logg.Warn(warnCtx, "outbox event dead-lettered")
	return nil
}

// financeMessage carries the stored envelope untouched. The ordering key keeps
// every event of one order, store, payout or buyer in commit order.
func financeMessage(row models.OutboxEvent, envelope outbox.PayloadEnvelope) *gcppubsub.Message {
	return &gcppubsub.Message{
		Data:        row.Payload,
		OrderingKey: orderingKey(row),
		Attributes: map[string]string{
			"event_id":       envelope.EventID,
			"event_type":     string(row.EventType),
			"aggregate_type": string(row.AggregateType),
			"aggregate_id":   row.AggregateID.String(),
			"schema_version": strconv.Itoa(envelope.Version),
			"created_at":     row.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

func orderingKey(row models.OutboxEvent) string {
	return string(row.AggregateType) + ":" + row.AggregateID.String()
}

func rowFields(row models.OutboxEvent) map[string]any {
	fields := map[string]any{
		"outbox_id":      row.ID.String(),
		"event_type":     row.EventType,
		"aggregate_type": row.AggregateType,
		"aggregate_id":   row.AggregateID.String(),
		"attempt_count":  row.AttemptCount,
	}
	if row.LastError != nil {
		fields["last_error"] = *row.LastError
	}
	return fields
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
