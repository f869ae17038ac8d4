package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/angelmondragon/sellerfin-backend/internal/lease"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
	"github.com/angelmondragon/sellerfin-backend/pkg/metrics"
)

const (
	defaultTick     = time.Minute
	defaultLeaseTTL = 30 * time.Minute

	skipHeld   = "held"
	skipNotDue = "not_due"
)

type leaser interface {
	Acquire(ctx context.Context, key, holderID string, ttl time.Duration) (*lease.Lease, error)
	AcquireDue(ctx context.Context, key, holderID string, ttl, every time.Duration) (*lease.Lease, error)
	Release(ctx context.Context, l *lease.Lease, report any) error
	Status(ctx context.Context, key string) (*models.JobLock, error)
}

// ReportSink receives the envelope of every finished run.
type ReportSink interface {
	Record(ctx context.Context, run Run) error
}

// Run is the envelope of one job execution.
type Run struct {
	Job        string    `json:"job"`
	HolderID   string    `json:"holder_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	DryRun     bool      `json:"dry_run"`
	Skipped    string    `json:"skipped,omitempty"`
	Report     any       `json:"report,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Leases   leaser
	HolderID string
	Metrics  *metrics.CronJobMetrics
	Sink     ReportSink
	Tick     time.Duration
	LeaseTTL time.Duration
	Clock    func() time.Time
}

// Service executes registered jobs. Every instance ticks; the job lease
// decides which instance actually runs a due job.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	leases   leaser
	holder   string
	metrics  *metrics.CronJobMetrics
	sink     ReportSink
	tick     time.Duration
	leaseTTL time.Duration
	now      func() time.Time
}

// NewService builds a cron service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Leases == nil {
		return nil, fmt.Errorf("lease manager required")
	}
	if params.HolderID == "" {
		return nil, fmt.Errorf("holder id required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	tick := params.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	ttl := params.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	clock := params.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		leases:   params.Leases,
		holder:   params.HolderID,
		metrics:  params.Metrics,
		sink:     params.Sink,
		tick:     tick,
		leaseTTL: ttl,
		now:      clock,
	}, nil
}

// Registry exposes the registered jobs.
func (s *Service) Registry() *Registry { return s.registry }

// Run schedules every job and blocks until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	scheduler := robfigcron.New(
		robfigcron.WithLocation(time.UTC),
		robfigcron.WithChain(robfigcron.SkipIfStillRunning(schedulerLogger{ctx: ctx, logg: s.logg})),
	)
	for _, job := range s.registry.Jobs() {
		job := job
		spec := job.Schedule
		if spec == "" {
			spec = "@every " + s.tick.String()
		}
		if _, err := scheduler.AddFunc(spec, func() { s.runScheduled(ctx, job) }); err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}

	s.RunDue(ctx)
	scheduler.Start()
	s.logg.Info(ctx, "cron scheduler started")

	<-ctx.Done()
	stopped := scheduler.Stop()
	<-stopped.Done()
	s.logg.Info(ctx, "cron service context canceled")
	return ctx.Err()
}

// RunDue gives every registered job one scheduled attempt.
func (s *Service) RunDue(ctx context.Context) []Run {
	runs := make([]Run, 0, len(s.registry.Jobs()))
	for _, job := range s.registry.Jobs() {
		runs = append(runs, s.runScheduled(ctx, job))
	}
	return runs
}

// RunNow runs the named job immediately, bypassing its cadence. A dry run
// takes no lease and writes nothing.
func (s *Service) RunNow(ctx context.Context, name string, dryRun bool) (Run, error) {
	job, ok := s.registry.Lookup(name)
	if !ok {
		return Run{}, pkgerrors.New(pkgerrors.CodeNotFound, "unknown job").WithDetails(map[string]any{"job": name})
	}
	if dryRun {
		return s.execute(ctx, job, nil, true), nil
	}
	held, err := s.leases.Acquire(ctx, job.Name, s.holder, s.ttlFor(job))
	if errors.Is(err, lease.ErrNotAcquired) {
		return Run{}, pkgerrors.New(pkgerrors.CodeLeaseHeld, "job is already running").WithDetails(map[string]any{"job": name})
	}
	if err != nil {
		return Run{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "acquire job lease")
	}
	return s.execute(ctx, job, held, false), nil
}

// Status returns the lease row of the named job, including its last report.
func (s *Service) Status(ctx context.Context, name string) (*models.JobLock, error) {
	if _, ok := s.registry.Lookup(name); !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "unknown job").WithDetails(map[string]any{"job": name})
	}
	return s.leases.Status(ctx, name)
}

func (s *Service) runScheduled(ctx context.Context, job Job) Run {
	held, err := s.leases.AcquireDue(ctx, job.Name, s.holder, s.ttlFor(job), job.Every)
	switch {
	case errors.Is(err, lease.ErrNotAcquired):
		s.metrics.IncSkipped(job.Name, skipHeld)
		return Run{Job: job.Name, Skipped: skipHeld}
	case errors.Is(err, lease.ErrNotDue):
		s.metrics.IncSkipped(job.Name, skipNotDue)
		return Run{Job: job.Name, Skipped: skipNotDue}
	case err != nil:
		s.logg.Error(s.logg.WithJob(ctx, job.Name), "acquire job lease failed", err)
		s.metrics.IncFailure(job.Name)
		return Run{Job: job.Name, Error: err.Error()}
	}
	return s.execute(ctx, job, held, false)
}

func (s *Service) execute(ctx context.Context, job Job, held *lease.Lease, dryRun bool) Run {
	jobCtx := s.logg.WithJob(ctx, job.Name)
	jobCtx = s.logg.WithFields(jobCtx, map[string]any{"event": "cron.job", "dry_run": dryRun})
	s.logg.Info(jobCtx, "job start")

	run := Run{Job: job.Name, StartedAt: s.now().UTC(), DryRun: dryRun}
	if held != nil {
		run.HolderID = held.HolderID
	}
	start := time.Now()
	report, err := job.Run(jobCtx, dryRun)
	duration := time.Since(start)
	run.FinishedAt = s.now().UTC()
	run.DurationMS = duration.Milliseconds()
	run.Report = report
	s.metrics.ObserveDuration(job.Name, duration)

	jobCtx = s.logg.WithFields(jobCtx, map[string]any{"duration_ms": run.DurationMS, "report": report})
	if err != nil {
		run.Error = err.Error()
		s.logg.Error(jobCtx, "job failed", err)
		s.metrics.IncFailure(job.Name)
	} else {
		s.logg.Info(jobCtx, "job completed")
		s.metrics.IncSuccess(job.Name)
	}

	if held != nil {
		if relErr := s.leases.Release(ctx, held, run); relErr != nil {
			s.logg.Error(jobCtx, "failed to release job lease", relErr)
		}
	}
	if s.sink != nil && !dryRun {
		if sinkErr := s.sink.Record(ctx, run); sinkErr != nil {
			s.logg.Warn(s.logg.WithField(jobCtx, "sink_error", sinkErr.Error()), "job report sink failed")
		}
	}
	return run
}

func (s *Service) ttlFor(job Job) time.Duration {
	if job.LeaseTTL > 0 {
		return job.LeaseTTL
	}
	return s.leaseTTL
}

// schedulerLogger routes robfig/cron diagnostics into the service logger.
type schedulerLogger struct {
	ctx  context.Context
	logg *logger.Logger
}

func (l schedulerLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logg.Info(l.logg.WithFields(l.ctx, pairs(keysAndValues)), msg)
}

func (l schedulerLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logg.Error(l.logg.WithFields(l.ctx, pairs(keysAndValues)), msg, err)
}

func pairs(keysAndValues []interface{}) map[string]any {
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
