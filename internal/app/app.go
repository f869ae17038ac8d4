// Package app assembles the finance services shared by the api and
// cron-worker binaries.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/sellerfin-backend/internal/cron"
	"github.com/angelmondragon/sellerfin-backend/internal/lease"
	"github.com/angelmondragon/sellerfin-backend/internal/ledger"
	"github.com/angelmondragon/sellerfin-backend/internal/payments"
	"github.com/angelmondragon/sellerfin-backend/internal/payouts"
	"github.com/angelmondragon/sellerfin-backend/internal/reconcile"
	"github.com/angelmondragon/sellerfin-backend/internal/risk"
	"github.com/angelmondragon/sellerfin-backend/internal/scan"
	"github.com/angelmondragon/sellerfin-backend/internal/segments"
	"github.com/angelmondragon/sellerfin-backend/internal/signals"
	"github.com/angelmondragon/sellerfin-backend/internal/trust"
	"github.com/angelmondragon/sellerfin-backend/pkg/config"
	"github.com/angelmondragon/sellerfin-backend/pkg/db"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
	"github.com/angelmondragon/sellerfin-backend/pkg/metrics"
	"github.com/angelmondragon/sellerfin-backend/pkg/moncash"
	"github.com/angelmondragon/sellerfin-backend/pkg/outbox"
	"github.com/angelmondragon/sellerfin-backend/pkg/redis"
	"github.com/angelmondragon/sellerfin-backend/pkg/square"
	"github.com/angelmondragon/sellerfin-backend/pkg/stripe"
)

const webhookScope = "payment-webhook"

// Infra holds the connections the services run on. Redis is optional; without
// it the rules cache, preview rate limit and webhook replay guard are off.
type Infra struct {
	DB    *db.Client
	Redis *redis.Client
}

// Options tune assembly.
type Options struct {
	// HolderID names this process on job leases.
	HolderID string
	// Registerer receives every collector; nil skips metrics.
	Registerer prometheus.Registerer
	// Sink receives finished job runs.
	Sink cron.ReportSink
	// Providers overrides the provider registry built from config.
	Providers *payments.Registry
	Clock     func() time.Time
}

// Application ties the finance services together.
type Application struct {
	Ledger    *ledger.Service
	Risk      *risk.Service
	Trust     *trust.Service
	Payouts   *payouts.Service
	Segments  *segments.Service
	Payments  *payments.Service
	Reconcile *reconcile.Service
	Leases    *lease.Manager
	Jobs      *cron.Registry
	Cron      *cron.Service

	FinanceMetrics *metrics.FinanceMetrics
	CronMetrics    *metrics.CronJobMetrics
}

// New builds every service and registers the scheduled jobs.
func New(ctx context.Context, cfg *config.Config, logg *logger.Logger, infra Infra, opts Options) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if infra.DB == nil {
		return nil, fmt.Errorf("db client required")
	}
	if opts.HolderID == "" {
		return nil, fmt.Errorf("holder id required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = db.NowUTC
	}

	var (
		financeMetrics *metrics.FinanceMetrics
		cronMetrics    *metrics.CronJobMetrics
	)
	if opts.Registerer != nil {
		financeMetrics = metrics.NewFinanceMetrics(opts.Registerer)
		cronMetrics = metrics.NewCronJobMetrics(opts.Registerer)
	}

	conn := infra.DB.DB()
	emitter := outbox.NewService(outbox.NewRepository(conn), logg)

	commission, err := cfg.Finance.Commission()
	if err != nil {
		return nil, err
	}
	ledgerSvc, err := ledger.NewService(ledger.ServiceParams{
		DB:             infra.DB,
		Repo:           ledger.NewRepository(conn),
		Outbox:         emitter,
		Logger:         logg,
		Metrics:        financeMetrics,
		CommissionRate: commission,
		Clock:          clock,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger service: %w", err)
	}

	collector, err := signals.NewCollector(conn, clock)
	if err != nil {
		return nil, fmt.Errorf("signal collector: %w", err)
	}

	riskParams := risk.ServiceParams{
		DB:                     infra.DB,
		Conn:                   conn,
		Signals:                collector,
		Outbox:                 emitter,
		Logger:                 logg,
		Metrics:                financeMetrics,
		FreezeDuration:         cfg.Risk.FreezeDuration,
		RulesCacheTTL:          cfg.Risk.RulesCacheTTL,
		PreviewRateLimit:       cfg.Risk.PreviewRateLimit,
		PreviewGlobalRateLimit: cfg.Risk.PreviewGlobalRateLimit,
		PreviewRateWindow:      cfg.Risk.PreviewRateWindow,
		Clock:                  clock,
	}
	if infra.Redis != nil {
		riskParams.Cache = infra.Redis
		riskParams.RateLimiter = infra.Redis
	}
	riskSvc, err := risk.NewService(riskParams)
	if err != nil {
		return nil, fmt.Errorf("risk service: %w", err)
	}

	trustSvc, err := trust.NewService(trust.ServiceParams{
		DB:                infra.DB,
		Conn:              conn,
		Signals:           collector,
		Outbox:            emitter,
		Logger:            logg,
		Metrics:           financeMetrics,
		UpgradeStableDays: cfg.Trust.UpgradeStableDays,
		Clock:             clock,
	})
	if err != nil {
		return nil, fmt.Errorf("trust service: %w", err)
	}

	payoutSvc, err := payouts.NewService(payouts.ServiceParams{
		DB:                    infra.DB,
		Conn:                  conn,
		Repo:                  payouts.NewRepository(conn),
		Ledger:                ledgerSvc,
		Outbox:                emitter,
		Logger:                logg,
		Metrics:               financeMetrics,
		MinimumThresholdCents: cfg.Payout.MinimumThresholdCents,
		AlertSkipRatio:        cfg.Payout.AlertSkipRatio,
		Clock:                 clock,
	})
	if err != nil {
		return nil, fmt.Errorf("payout service: %w", err)
	}

	segmentSvc, err := segments.NewService(segments.ServiceParams{
		DB:            infra.DB,
		Conn:          conn,
		Outbox:        emitter,
		Logger:        logg,
		Metrics:       financeMetrics,
		VIPSpendCents: cfg.Segments.VIPSpendCents,
		Clock:         clock,
	})
	if err != nil {
		return nil, fmt.Errorf("segment service: %w", err)
	}
	ledgerSvc.AddConfirmHook(segmentSvc.ConfirmHook)

	providers := opts.Providers
	if providers == nil {
		providers, err = ProvidersFromConfig(ctx, cfg, logg)
		if err != nil {
			return nil, err
		}
	}
	paymentParams := payments.ServiceParams{
		DB:       infra.DB,
		Conn:     conn,
		Ledger:   ledgerSvc,
		Registry: providers,
		Logger:   logg,
		Metrics:  financeMetrics,
		Clock:    clock,
	}
	if infra.Redis != nil {
		guard, err := payments.NewWebhookGuard(infra.Redis, cfg.Payments.WebhookDedupeTTL, webhookScope)
		if err != nil {
			return nil, fmt.Errorf("webhook guard: %w", err)
		}
		paymentParams.Guard = guard
	}
	paymentSvc, err := payments.NewService(paymentParams)
	if err != nil {
		return nil, fmt.Errorf("payment service: %w", err)
	}

	reconcileSvc, err := reconcile.NewService(reconcile.ServiceParams{
		Conn:        conn,
		Payments:    paymentSvc,
		Logger:      logg,
		Metrics:     financeMetrics,
		Lookback:    cfg.Reconcile.Lookback,
		MinAge:      cfg.Reconcile.MinAge,
		Concurrency: cfg.Reconcile.Concurrency,
		Budget:      cfg.Reconcile.Budget,
		Limit:       cfg.Reconcile.Limit,
		Clock:       clock,
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile service: %w", err)
	}

	leases, err := lease.NewManager(lease.ManagerParams{DB: infra.DB, Clock: clock})
	if err != nil {
		return nil, fmt.Errorf("lease manager: %w", err)
	}

	jobs := cron.NewRegistry()
	scanOpts := scan.Options{
		Concurrency: cfg.Jobs.FanOut,
		PageSize:    cfg.Jobs.PageSize,
		Budget:      cfg.Jobs.Budget,
	}
	retention, err := cron.OutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         infra.DB,
		Repository: outbox.NewRepository(conn),
		Retention:  cfg.Outbox.RetentionDays,
		Clock:      clock,
	})
	if err != nil {
		return nil, fmt.Errorf("outbox retention job: %w", err)
	}
	for _, job := range []cron.Job{
		cron.DailyRiskEvalJob(riskSvc, scanOpts),
		cron.DailyTrustRecomputeJob(trustSvc, scanOpts),
		cron.WeeklyPayoutBatchJob(payoutSvc, scanOpts),
		cron.PaymentReconcileJob(reconcileSvc),
		cron.SegmentRecomputeJob(segmentSvc, scanOpts),
		retention,
	} {
		if err := jobs.Register(job); err != nil {
			return nil, fmt.Errorf("register job: %w", err)
		}
	}

	cronSvc, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: jobs,
		Leases:   leases,
		HolderID: opts.HolderID,
		Metrics:  cronMetrics,
		Sink:     opts.Sink,
		Tick:     cfg.Jobs.TickInterval,
		LeaseTTL: cfg.Jobs.LeaseTTL,
		Clock:    clock,
	})
	if err != nil {
		return nil, fmt.Errorf("cron service: %w", err)
	}

	return &Application{
		Ledger:         ledgerSvc,
		Risk:           riskSvc,
		Trust:          trustSvc,
		Payouts:        payoutSvc,
		Segments:       segmentSvc,
		Payments:       paymentSvc,
		Reconcile:      reconcileSvc,
		Leases:         leases,
		Jobs:           jobs,
		Cron:           cronSvc,
		FinanceMetrics: financeMetrics,
		CronMetrics:    cronMetrics,
	}, nil
}

// ProvidersFromConfig registers every gateway with credentials configured.
// A gateway without credentials is left out; its webhooks answer 404 and its
// orders are skipped by reconciliation.
func ProvidersFromConfig(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*payments.Registry, error) {
	registry := payments.NewRegistry()
	rps, burst := cfg.Payments.ProviderRPS, cfg.Payments.ProviderBurst

	if strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		client, err := stripe.NewClient(ctx, cfg.Stripe, logg)
		if err != nil {
			return nil, fmt.Errorf("stripe client: %w", err)
		}
		provider, err := payments.NewStripeProvider(client)
		if err != nil {
			return nil, err
		}
		registry.Register(payments.Throttle(provider, rps, burst))
	} else {
		logg.Warn(ctx, "stripe not configured; provider disabled")
	}

	if strings.TrimSpace(cfg.Square.AccessToken) != "" {
		client, err := square.NewClient(ctx, cfg.Square, logg)
		if err != nil {
			return nil, fmt.Errorf("square client: %w", err)
		}
		provider, err := payments.NewSquareProvider(client)
		if err != nil {
			return nil, err
		}
		registry.Register(payments.Throttle(provider, rps, burst))
	} else {
		logg.Warn(ctx, "square not configured; provider disabled")
	}

	if strings.TrimSpace(cfg.MonCash.ClientID) != "" {
		client, err := moncash.NewClient(cfg.MonCash, logg)
		if err != nil {
			return nil, fmt.Errorf("moncash client: %w", err)
		}
		provider, err := payments.NewMonCashProvider(client)
		if err != nil {
			return nil, err
		}
		registry.Register(payments.Throttle(provider, rps, burst))
	} else {
		logg.Warn(ctx, "moncash not configured; provider disabled")
	}

	return registry, nil
}
