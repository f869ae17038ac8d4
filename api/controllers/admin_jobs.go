package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/sellerfin-backend/api/responses"
	"github.com/angelmondragon/sellerfin-backend/api/validators"
	"github.com/angelmondragon/sellerfin-backend/internal/cron"
	"github.com/angelmondragon/sellerfin-backend/internal/lease"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
)

// JobRunner runs and inspects scheduled jobs on demand.
type JobRunner interface {
	RunNow(ctx context.Context, name string, dryRun bool) (cron.Run, error)
	Status(ctx context.Context, name string) (*models.JobLock, error)
}

type jobStatus struct {
	Job        string          `json:"job"`
	Running    bool            `json:"running"`
	LockedBy   *string         `json:"locked_by,omitempty"`
	LockedAt   *time.Time      `json:"locked_at,omitempty"`
	ExpiresAt  time.Time       `json:"expires_at"`
	LastReport json.RawMessage `json:"last_report,omitempty"`
}

func jobName(r *http.Request) (string, error) {
	name := strings.TrimSpace(chi.URLParam(r, "job"))
	if name == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "job name is required")
	}
	return name, nil
}

// AdminJobRun runs a job immediately under its lease; a dry run takes no
// lease and writes nothing. A failing job still answers 200 with the error in
// the run envelope.
func AdminJobRun(runner JobRunner, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name, err := jobName(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		dryRun, err := validators.ParseQueryBool(r, "dryRun", false)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		run, err := runner.RunNow(ctx, name, dryRun)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, run)
	}
}

// AdminJobStatus returns the job's lease row and its last stored report.
func AdminJobStatus(runner JobRunner, clock func() time.Time, logg *logger.Logger) http.HandlerFunc {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		name, err := jobName(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		row, err := runner.Status(ctx, name)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, jobStatus{
			Job:        row.Key,
			Running:    lease.Held(row, clock()),
			LockedBy:   row.LockedBy,
			LockedAt:   row.LockedAt,
			ExpiresAt:  row.ExpiresAt,
			LastReport: row.LastReport,
		})
	}
}
