package cron

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/internal/payouts"
	"github.com/angelmondragon/sellerfin-backend/internal/reconcile"
	"github.com/angelmondragon/sellerfin-backend/internal/risk"
	"github.com/angelmondragon/sellerfin-backend/internal/scan"
	"github.com/angelmondragon/sellerfin-backend/internal/segments"
	"github.com/angelmondragon/sellerfin-backend/internal/testdb"
	"github.com/angelmondragon/sellerfin-backend/internal/trust"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
	"github.com/angelmondragon/sellerfin-backend/pkg/outbox"
)

type financeStub struct {
	scanOpts scan.Options
	dryRuns  []bool
}

func (f *financeStub) RunDailyRiskEval(_ context.Context, scanOpts scan.Options, opts risk.Options) (risk.EvalReport, error) {
	f.scanOpts = scanOpts
	f.dryRuns = append(f.dryRuns, opts.DryRun)
	return risk.EvalReport{Considered: 3, DryRun: opts.DryRun}, nil
}

func (f *financeStub) RunDailyTrustRecompute(_ context.Context, scanOpts scan.Options, opts trust.Options) (trust.RecomputeReport, error) {
	f.scanOpts = scanOpts
	f.dryRuns = append(f.dryRuns, opts.DryRun)
	return trust.RecomputeReport{Considered: 2}, nil
}

func (f *financeStub) RunWeeklyPayoutBatch(_ context.Context, scanOpts scan.Options, opts payouts.Options) (payouts.BatchReport, error) {
	f.scanOpts = scanOpts
	f.dryRuns = append(f.dryRuns, opts.DryRun)
	return payouts.BatchReport{}, errors.New("batch failed")
}

func (f *financeStub) RunPaymentRedirectReconcile(_ context.Context, opts reconcile.Options) (reconcile.Report, error) {
	f.dryRuns = append(f.dryRuns, opts.DryRun)
	return reconcile.Report{Candidates: 4}, nil
}

func (f *financeStub) RunSegmentRecompute(_ context.Context, scanOpts scan.Options, opts segments.Options) (segments.RecomputeReport, error) {
	f.scanOpts = scanOpts
	f.dryRuns = append(f.dryRuns, opts.DryRun)
	return segments.RecomputeReport{Considered: 5}, nil
}

func TestFinanceJobsDelegateWithDryRunAndCadence(t *testing.T) {
	stub := &financeStub{}
	scanOpts := scan.Options{Concurrency: 3, PageSize: 50}
	jobs := []Job{
		DailyRiskEvalJob(stub, scanOpts),
		DailyTrustRecomputeJob(stub, scanOpts),
		WeeklyPayoutBatchJob(stub, scanOpts),
		PaymentReconcileJob(stub),
		SegmentRecomputeJob(stub, scanOpts),
	}
	cadence := map[string]time.Duration{
		JobDailyRiskEval:       24 * time.Hour,
		JobDailyTrustRecompute: 24 * time.Hour,
		JobWeeklyPayoutBatch:   7 * 24 * time.Hour,
		JobPaymentReconcile:    15 * time.Minute,
		JobSegmentRecompute:    24 * time.Hour,
	}

	registry := NewRegistry()
	for _, job := range jobs {
		require.NoError(t, registry.Register(job))
		assert.Equal(t, cadence[job.Name], job.Every, job.Name)
	}
	assert.Len(t, registry.Jobs(), 5)

	ctx := context.Background()
	report, err := jobs[0].Run(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, risk.EvalReport{Considered: 3, DryRun: true}, report)
	assert.Equal(t, scanOpts, stub.scanOpts)

	_, err = jobs[2].Run(ctx, false)
	assert.EqualError(t, err, "batch failed")

	report, err = jobs[3].Run(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 4, report.(reconcile.Report).Candidates)

	_, err = jobs[1].Run(ctx, false)
	require.NoError(t, err)
	_, err = jobs[4].Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, false, false}, stub.dryRuns)
}

func TestOutboxRetentionJobDeletesOnlyOldPublishedRows(t *testing.T) {
	client, conn := testdb.Client(t)
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	old := now.Add(-40 * 24 * time.Hour)
	recent := now.Add(-2 * 24 * time.Hour)

	oldPublished := insertOutboxRow(t, conn, &old, old)
	insertOutboxRow(t, conn, &recent, recent)
	insertOutboxRow(t, conn, nil, old)

	job, err := OutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     logger.New(logger.Options{ServiceName: "test"}),
		DB:         client,
		Repository: outbox.NewRepository(conn),
		Clock:      func() time.Time { return now },
	})
	require.NoError(t, err)
	assert.Equal(t, JobOutboxRetention, job.Name)

	preview, err := job.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), preview.(OutboxRetentionReport).Deleted)
	assertOutboxRows(t, conn, 3)

	report, err := job.Run(context.Background(), false)
	require.NoError(t, err)
	got := report.(OutboxRetentionReport)
	assert.Equal(t, int64(1), got.Deleted)
	assert.Equal(t, now.Add(-outboxRetentionDays*24*time.Hour), got.Cutoff)
	assertOutboxRows(t, conn, 2)

	var remaining int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Where("id = ?", oldPublished).Count(&remaining).Error)
	assert.Zero(t, remaining)
}

func TestOutboxRetentionJobPropagatesError(t *testing.T) {
	job, err := OutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     logger.New(logger.Options{ServiceName: "test"}),
		DB:         passthroughTx{},
		Repository: failingRetentionRepo{},
	})
	require.NoError(t, err)

	_, err = job.Run(context.Background(), false)
	assert.ErrorContains(t, err, "outbox retention")
}

func TestOutboxRetentionJobRequiresCollaborators(t *testing.T) {
	_, err := OutboxRetentionJob(OutboxRetentionJobParams{})
	assert.Error(t, err)
}

func insertOutboxRow(t *testing.T, conn *gorm.DB, publishedAt *time.Time, createdAt time.Time) uuid.UUID {
	t.Helper()
	row := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventPayoutRequested,
		AggregateType: enums.AggregatePayoutRequest,
		AggregateID:   uuid.New(),
		Payload:       json.RawMessage(`{}`),
		CreatedAt:     createdAt,
		PublishedAt:   publishedAt,
	}
	require.NoError(t, conn.Create(&row).Error)
	return row.ID
}

func assertOutboxRows(t *testing.T, conn *gorm.DB, want int64) {
	t.Helper()
	var count int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Equal(t, want, count)
}

type passthroughTx struct{}

func (passthroughTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type failingRetentionRepo struct{}

func (failingRetentionRepo) DeletePublishedBefore(*gorm.DB, time.Time) (int64, error) {
	return 0, errors.New("boom")
}

func (failingRetentionRepo) CountPublishedBefore(*gorm.DB, time.Time) (int64, error) {
	return 0, errors.New("boom")
}
