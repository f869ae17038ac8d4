package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/sellerfin-backend/api/responses"
	"github.com/angelmondragon/sellerfin-backend/api/validators"
	"github.com/angelmondragon/sellerfin-backend/internal/ledger"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
	"github.com/angelmondragon/sellerfin-backend/pkg/pagination"
)

// LedgerService is the ledger surface used by admin routes.
type LedgerService interface {
	Balance(ctx context.Context, storeID uuid.UUID) (ledger.Buckets, error)
	VerifyBalance(ctx context.Context, storeID uuid.UUID) (ledger.Audit, error)
	ListEntries(ctx context.Context, storeID uuid.UUID, params pagination.Params) (pagination.Page[models.LedgerEntry], error)
	OrderEntries(ctx context.Context, orderID uuid.UUID) ([]models.LedgerEntry, error)
	MarkDelivered(ctx context.Context, orderID uuid.UUID) (ledger.Result, error)
	Refund(ctx context.Context, input ledger.RefundInput) (ledger.Result, error)
}

// AdminStoreBalance returns the balance projection. With verify=true it also
// rebuilds the buckets from the ledger and reports drift.
func AdminStoreBalance(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		storeID, err := validators.ParseUUIDParam(r, "storeID")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		verify, err := validators.ParseQueryBool(r, "verify", false)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if verify {
			audit, err := svc.VerifyBalance(ctx, storeID)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "verify balance"))
				return
			}
			responses.WriteSuccess(w, audit)
			return
		}
		buckets, err := svc.Balance(ctx, storeID)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load balance"))
			return
		}
		responses.WriteSuccess(w, map[string]any{"store_id": storeID, "balance": buckets})
	}
}

// AdminStoreLedger pages through a store's entries newest first.
func AdminStoreLedger(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		storeID, err := validators.ParseUUIDParam(r, "storeID")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
		if _, err := pagination.ParseCursor(cursor); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor"))
			return
		}
		page, err := svc.ListEntries(ctx, storeID, pagination.Params{Limit: limit, Cursor: cursor})
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list ledger entries"))
			return
		}
		responses.WriteSuccess(w, page)
	}
}
