package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/sellerfin-backend/api/responses"
	"github.com/angelmondragon/sellerfin-backend/api/validators"
	"github.com/angelmondragon/sellerfin-backend/internal/trust"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
)

// TrustService recomputes one store's tier.
type TrustService interface {
	RecomputeTrustForStore(ctx context.Context, storeID uuid.UUID, opts trust.Options) (trust.Result, error)
}

func AdminTrustRecompute(svc TrustService, logg *logger.Logger) http.HandlerFunc {
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
		result, err := svc.RecomputeTrustForStore(ctx, storeID, trust.Options{DryRun: dryRun})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
