package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/sellerfin-backend/api/middleware"
	"github.com/angelmondragon/sellerfin-backend/api/responses"
	"github.com/angelmondragon/sellerfin-backend/api/validators"
	"github.com/angelmondragon/sellerfin-backend/internal/risk"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
)

const maxNoteLen = 500

// RiskService is the risk engine surface used by admin routes.
type RiskService interface {
	ComputeRiskLevel(ctx context.Context, storeID uuid.UUID, opts risk.Options) (risk.Decision, error)
	Preview(ctx context.Context, actor string, storeID uuid.UUID) (risk.Decision, error)
	SetRiskFlag(ctx context.Context, storeID uuid.UUID, flagged bool, note string) error
	Rules(ctx context.Context) (risk.Rules, error)
	SaveRuleOverrides(ctx context.Context, row models.RiskRuleConfig) (risk.Rules, error)
}

// AdminRiskCompute scores one store. A dry run is a rate-limited preview per
// admin actor.
func AdminRiskCompute(svc RiskService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		storeID, err := validators.ParseUUIDParam(r, "storeID")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		dryRun, err := validators.ParseQueryBool(r, "dryRun", false)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var decision risk.Decision
		if dryRun {
			decision, err = svc.Preview(ctx, middleware.ActorFromContext(ctx), storeID)
		} else {
			decision, err = svc.ComputeRiskLevel(ctx, storeID, risk.Options{})
		}
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, decision)
	}
}

type riskFlagRequest struct {
	Flagged *bool  `json:"flagged" validate:"required"`
	Note    string `json:"note" validate:"max=500"`
}

// AdminRiskFlag sets or clears the manual payout-blocking flag.
func AdminRiskFlag(svc RiskService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		storeID, err := validators.ParseUUIDParam(r, "storeID")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var body riskFlagRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		note := validators.SanitizeString(body.Note, maxNoteLen)
		if err := svc.SetRiskFlag(ctx, storeID, *body.Flagged, note); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"store_id": storeID, "flagged": *body.Flagged})
	}
}

// AdminRiskRules returns the effective thresholds.
func AdminRiskRules(svc RiskService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rules, err := svc.Rules(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load risk rules"))
			return
		}
		responses.WriteSuccess(w, rules)
	}
}

// riskRulesRequest carries optional overrides; an omitted field falls back
// to its default.
type riskRulesRequest struct {
	RefundSpikeRate           *float64 `json:"refund_spike_rate" validate:"omitempty,gt=0,lte=1"`
	RefundSpikeDelta          *int     `json:"refund_spike_delta" validate:"omitempty,min=0,max=100"`
	RefundElevatedRate        *float64 `json:"refund_elevated_rate" validate:"omitempty,gt=0,lte=1"`
	RefundElevatedDelta       *int     `json:"refund_elevated_delta" validate:"omitempty,min=0,max=100"`
	RefundAfterReleaseRate    *float64 `json:"refund_after_release_rate" validate:"omitempty,gt=0,lte=1"`
	RefundAfterReleaseDelta   *int     `json:"refund_after_release_delta" validate:"omitempty,min=0,max=100"`
	ChargebackCount           *int     `json:"chargeback_count" validate:"omitempty,min=1"`
	ChargebackDelta           *int     `json:"chargeback_delta" validate:"omitempty,min=0,max=100"`
	PayoutPendingGrowthFactor *float64 `json:"payout_pending_growth_factor" validate:"omitempty,gt=1"`
	PayoutPendingGrowthDelta  *int     `json:"payout_pending_growth_delta" validate:"omitempty,min=0,max=100"`
	PaymentVelocityPerHour    *int     `json:"payment_velocity_per_hour" validate:"omitempty,min=1"`
	PaymentVelocityDelta      *int     `json:"payment_velocity_delta" validate:"omitempty,min=0,max=100"`
	RapidPayoutCount          *int     `json:"rapid_payout_count" validate:"omitempty,min=1"`
	RapidPayoutDelta          *int     `json:"rapid_payout_delta" validate:"omitempty,min=0,max=100"`
	CriticalFloorScore        *int     `json:"critical_floor_score" validate:"omitempty,min=0,max=100"`
}

func (b riskRulesRequest) model() models.RiskRuleConfig {
	return models.RiskRuleConfig{
		RefundSpikeRate:           b.RefundSpikeRate,
		RefundSpikeDelta:          b.RefundSpikeDelta,
		RefundElevatedRate:        b.RefundElevatedRate,
		RefundElevatedDelta:       b.RefundElevatedDelta,
		RefundAfterReleaseRate:    b.RefundAfterReleaseRate,
		RefundAfterReleaseDelta:   b.RefundAfterReleaseDelta,
		ChargebackCount:           b.ChargebackCount,
		ChargebackDelta:           b.ChargebackDelta,
		PayoutPendingGrowthFactor: b.PayoutPendingGrowthFactor,
		PayoutPendingGrowthDelta:  b.PayoutPendingGrowthDelta,
		PaymentVelocityPerHour:    b.PaymentVelocityPerHour,
		PaymentVelocityDelta:      b.PaymentVelocityDelta,
		RapidPayoutCount:          b.RapidPayoutCount,
		RapidPayoutDelta:          b.RapidPayoutDelta,
		CriticalFloorScore:        b.CriticalFloorScore,
	}
}

// AdminRiskRulesUpdate replaces the override row.
func AdminRiskRulesUpdate(svc RiskService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var body riskRulesRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		rules, err := svc.SaveRuleOverrides(ctx, body.model())
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save risk rules"))
			return
		}
		responses.WriteSuccess(w, rules)
	}
}
