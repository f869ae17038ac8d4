package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/sellerfin-backend/api/responses"
	"github.com/angelmondragon/sellerfin-backend/api/validators"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
)

// PayoutService decides payout requests.
type PayoutService interface {
	Get(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error)
	ListForStore(ctx context.Context, storeID uuid.UUID, limit int) ([]models.PayoutRequest, error)
	Approve(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error)
	Reject(ctx context.Context, id uuid.UUID, note string) (*models.PayoutRequest, error)
	MarkPaid(ctx context.Context, id uuid.UUID, reference string) (*models.PayoutRequest, error)
}

type payoutRejectRequest struct {
	Note string `json:"note" validate:"required,max=500"`
}

type payoutPaidRequest struct {
	Reference string `json:"reference" validate:"required,max=128"`
}

func AdminPayoutGet(svc PayoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "payoutID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		req, err := svc.Get(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, req)
	}
}

func AdminStorePayouts(svc PayoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storeID, err := validators.ParseUUIDParam(r, "storeID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", 20, 1, 100)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, err := svc.ListForStore(r.Context(), storeID, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, rows)
	}
}

func AdminPayoutApprove(svc PayoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "payoutID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		req, err := svc.Approve(r.Context(), id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, req)
	}
}

// AdminPayoutReject returns the locked amount to the store's available balance.
func AdminPayoutReject(svc PayoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "payoutID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body payoutRejectRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		req, err := svc.Reject(r.Context(), id, validators.SanitizeString(body.Note, maxNoteLen))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, req)
	}
}

func AdminPayoutPaid(svc PayoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := validators.ParseUUIDParam(r, "payoutID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body payoutPaidRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		req, err := svc.MarkPaid(r.Context(), id, validators.SanitizeString(body.Reference, 128))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, req)
	}
}
