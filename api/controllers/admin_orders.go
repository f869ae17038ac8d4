package controllers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/sellerfin-backend/api/responses"
	"github.com/angelmondragon/sellerfin-backend/api/validators"
	"github.com/angelmondragon/sellerfin-backend/internal/ledger"
	"github.com/angelmondragon/sellerfin-backend/internal/payments"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
)

// PaymentLookup re-checks an order's payment with its provider.
type PaymentLookup interface {
	ResolveOrder(ctx context.Context, ref payments.OrderRef) (*models.Order, error)
	Lookup(ctx context.Context, order models.Order) (payments.Confirmation, error)
	Confirm(ctx context.Context, orderID uuid.UUID, c payments.Confirmation) (ledger.Result, error)
}

type refundRequest struct {
	Reason string `json:"reason" validate:"required,oneof=BUYER_REQUEST CHARGEBACK ADMIN"`
}

// AdminOrderDeliver releases the order's escrow.
func AdminOrderDeliver(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orderID, err := validators.ParseUUIDParam(r, "orderID")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			ctx = logg.WithOrderID(ctx, orderID.String())
		}
		result, err := svc.MarkDelivered(ctx, orderID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// AdminOrderRefund refunds the order from escrow or, after release, from the
// seller's available balance.
func AdminOrderRefund(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orderID, err := validators.ParseUUIDParam(r, "orderID")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var body refundRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		reason, err := enums.ParseRefundReason(body.Reason)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid refund reason"))
			return
		}
		if logg != nil {
			ctx = logg.WithOrderID(ctx, orderID.String())
		}
		result, err := svc.Refund(ctx, ledger.RefundInput{OrderID: orderID, Reason: reason})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// AdminOrderLedger lists the entries anchored to one order.
func AdminOrderLedger(svc LedgerService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := validators.ParseUUIDParam(r, "orderID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		entries, err := svc.OrderEntries(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, entries)
	}
}

type orderReconcileResult struct {
	OrderID      uuid.UUID             `json:"order_id"`
	Confirmation payments.Confirmation `json:"confirmation"`
	Ledger       *ledger.Result        `json:"ledger,omitempty"`
}

// AdminOrderReconcile asks the order's provider for the payment state and
// confirms the order when the provider reports it paid.
func AdminOrderReconcile(svc PaymentLookup, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orderID, err := validators.ParseUUIDParam(r, "orderID")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		order, err := svc.ResolveOrder(ctx, payments.OrderRef{OrderID: orderID.String()})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		confirmation, err := svc.Lookup(ctx, *order)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		out := orderReconcileResult{OrderID: order.ID, Confirmation: confirmation}
		if confirmation.Confirmed() {
			result, err := svc.Confirm(ctx, order.ID, confirmation)
			if err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}
			out.Ledger = &result
		}
		responses.WriteSuccess(w, out)
	}
}
