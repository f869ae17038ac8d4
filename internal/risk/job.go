package risk

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/angelmondragon/sellerfin-backend/internal/scan"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
)

// EvalReport summarizes one daily risk evaluation.
type EvalReport struct {
	Considered int    `json:"considered"`
	Changed    int64  `json:"changed"`
	Frozen     int64  `json:"frozen"`
	Failed     int    `json:"failed"`
	Truncated  bool   `json:"truncated"`
	DryRun     bool   `json:"dry_run"`
	Errors     string `json:"errors,omitempty"`
}

// RunDailyRiskEval recomputes every store with bounded fan-out. A failing store
// is counted and the walk continues.
func (s *Service) RunDailyRiskEval(ctx context.Context, scanOpts scan.Options, opts Options) (EvalReport, error) {
	ctx = s.logg.WithJob(ctx, "daily_risk_eval")
	var changed, frozen atomic.Int64
	result, err := scan.Run(ctx, scanOpts, scan.Stores(s.db), func(ctx context.Context, storeID uuid.UUID) error {
		decision, err := s.ComputeRiskLevel(ctx, storeID, opts)
		if err != nil {
			return err
		}
		if decision.Changed {
			changed.Add(1)
			if decision.NextLevel == enums.RiskLevelFrozen {
				frozen.Add(1)
			}
		}
		return nil
	})
	report := EvalReport{
		Considered: result.Considered,
		Changed:    changed.Load(),
		Frozen:     frozen.Load(),
		Failed:     result.Failed,
		Truncated:  result.Truncated,
		DryRun:     opts.DryRun,
	}
	if result.Err != nil {
		report.Errors = result.Err.Error()
		s.logg.Error(ctx, "risk evaluation had failing stores", result.Err)
	}
	if err != nil {
		return report, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"considered": report.Considered,
		"changed":    report.Changed,
		"failed":     report.Failed,
		"truncated":  report.Truncated,
	}), "daily risk evaluation finished")
	return report, nil
}
