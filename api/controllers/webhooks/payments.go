package webhooks

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/sellerfin-backend/api/responses"
	"github.com/angelmondragon/sellerfin-backend/internal/payments"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
)

const maxWebhookBody = 1 << 20

// PaymentWebhookService verifies and applies provider notifications.
type PaymentWebhookService interface {
	HandleWebhook(ctx context.Context, provider enums.PaymentProvider, body []byte, header http.Header) (payments.WebhookResult, error)
}

// PaymentWebhook receives Stripe, Square and MonCash notifications on
// /webhooks/{provider}. Duplicates and irrelevant events answer 200 so the
// provider stops retrying.
func PaymentWebhook(svc PaymentWebhookService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		provider, err := enums.ParsePaymentProvider(strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider"))))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "unknown payment provider"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		result, err := svc.HandleWebhook(ctx, provider, payload, r.Header)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
