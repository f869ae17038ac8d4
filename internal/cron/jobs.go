package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/internal/payouts"
	"github.com/angelmondragon/sellerfin-backend/internal/reconcile"
	"github.com/angelmondragon/sellerfin-backend/internal/risk"
	"github.com/angelmondragon/sellerfin-backend/internal/scan"
	"github.com/angelmondragon/sellerfin-backend/internal/segments"
	"github.com/angelmondragon/sellerfin-backend/internal/trust"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
)

// Job names double as lease keys.
const (
	JobDailyRiskEval       = "daily-risk-eval"
	JobDailyTrustRecompute = "daily-trust-recompute"
	JobWeeklyPayoutBatch   = "weekly-payout-batch"
	JobPaymentReconcile    = "payment-redirect-reconcile"
	JobSegmentRecompute    = "user-segment-recompute"
	JobOutboxRetention     = "outbox-retention"
)

const (
	day                 = 24 * time.Hour
	outboxRetentionDays = 30
)

type riskRunner interface {
	RunDailyRiskEval(ctx context.Context, scanOpts scan.Options, opts risk.Options) (risk.EvalReport, error)
}

type trustRunner interface {
	RunDailyTrustRecompute(ctx context.Context, scanOpts scan.Options, opts trust.Options) (trust.RecomputeReport, error)
}

type payoutRunner interface {
	RunWeeklyPayoutBatch(ctx context.Context, scanOpts scan.Options, opts payouts.Options) (payouts.BatchReport, error)
}

type reconcileRunner interface {
	RunPaymentRedirectReconcile(ctx context.Context, opts reconcile.Options) (reconcile.Report, error)
}

type segmentRunner interface {
	RunSegmentRecompute(ctx context.Context, scanOpts scan.Options, opts segments.Options) (segments.RecomputeReport, error)
}

// DailyRiskEvalJob re-scores every store once a day.
func DailyRiskEvalJob(svc riskRunner, scanOpts scan.Options) Job {
	return Job{
		Name:  JobDailyRiskEval,
		Every: day,
		Run: func(ctx context.Context, dryRun bool) (any, error) {
			return svc.RunDailyRiskEval(ctx, scanOpts, risk.Options{DryRun: dryRun})
		},
	}
}

// DailyTrustRecomputeJob re-tiers every store once a day.
func DailyTrustRecomputeJob(svc trustRunner, scanOpts scan.Options) Job {
	return Job{
		Name:  JobDailyTrustRecompute,
		Every: day,
		Run: func(ctx context.Context, dryRun bool) (any, error) {
			return svc.RunDailyTrustRecompute(ctx, scanOpts, trust.Options{DryRun: dryRun})
		},
	}
}

// WeeklyPayoutBatchJob creates the week's payout requests. The batch is
// idempotent per store and week, so the cadence only bounds the work done.
func WeeklyPayoutBatchJob(svc payoutRunner, scanOpts scan.Options) Job {
	return Job{
		Name:  JobWeeklyPayoutBatch,
		Every: 7 * day,
		Run: func(ctx context.Context, dryRun bool) (any, error) {
			return svc.RunWeeklyPayoutBatch(ctx, scanOpts, payouts.Options{DryRun: dryRun})
		},
	}
}

// PaymentReconcileJob confirms payments whose redirect was never confirmed.
func PaymentReconcileJob(svc reconcileRunner) Job {
	return Job{
		Name:  JobPaymentReconcile,
		Every: 15 * time.Minute,
		Run: func(ctx context.Context, dryRun bool) (any, error) {
			return svc.RunPaymentRedirectReconcile(ctx, reconcile.Options{DryRun: dryRun})
		},
	}
}

// SegmentRecomputeJob reclassifies every buyer once a day.
func SegmentRecomputeJob(svc segmentRunner, scanOpts scan.Options) Job {
	return Job{
		Name:  JobSegmentRecompute,
		Every: day,
		Run: func(ctx context.Context, dryRun bool) (any, error) {
			return svc.RunSegmentRecompute(ctx, scanOpts, segments.Options{DryRun: dryRun})
		},
	}
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxRetentionRepo interface {
	DeletePublishedBefore(tx *gorm.DB, cutoff time.Time) (int64, error)
	CountPublishedBefore(tx *gorm.DB, cutoff time.Time) (int64, error)
}

type OutboxRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository outboxRetentionRepo
	Retention  int
	Clock      func() time.Time
}

// OutboxRetentionReport summarizes one cleanup.
type OutboxRetentionReport struct {
	Cutoff        time.Time `json:"cutoff"`
	RetentionDays int       `json:"retention_days"`
	Deleted       int64     `json:"deleted"`
	DryRun        bool      `json:"dry_run"`
}

// OutboxRetentionJob prunes published outbox rows past the retention window.
func OutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return Job{}, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return Job{}, fmt.Errorf("db runner required")
	}
	if params.Repository == nil {
		return Job{}, fmt.Errorf("outbox repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = outboxRetentionDays
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	logg, db, repo := params.Logger, params.DB, params.Repository

	return Job{
		Name:  JobOutboxRetention,
		Every: day,
		Run: func(ctx context.Context, dryRun bool) (any, error) {
			report := OutboxRetentionReport{
				Cutoff:        clock().UTC().Add(-time.Duration(retention) * day),
				RetentionDays: retention,
				DryRun:        dryRun,
			}
			err := db.WithTx(ctx, func(tx *gorm.DB) error {
				var err error
				if dryRun {
					report.Deleted, err = repo.CountPublishedBefore(tx, report.Cutoff)
				} else {
					report.Deleted, err = repo.DeletePublishedBefore(tx, report.Cutoff)
				}
				return err
			})
			if err != nil {
				return report, fmt.Errorf("outbox retention: %w", err)
			}
			logCtx := logg.WithFields(ctx, map[string]any{
				"cutoff":         report.Cutoff,
				"retention_days": retention,
				"rows_deleted":   report.Deleted,
			})
			logg.Info(logCtx, "outbox retention cleanup complete")
			return report, nil
		},
	}, nil
}
