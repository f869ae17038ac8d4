package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	stripeclient "github.com/angelmondragon/sellerfin-backend/pkg/stripe"
)

const (
	stripeSignatureHeader = "Stripe-Signature"

	stripeEventSucceeded stripe.EventType = "payment_intent.succeeded"
	stripeEventFailed    stripe.EventType = "payment_intent.payment_failed"
	stripeEventCanceled  stripe.EventType = "payment_intent.canceled"
)

type stripeAPI interface {
	PaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	PaymentIntentForOrder(ctx context.Context, orderID string) (*stripe.PaymentIntent, error)
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
}

// StripeProvider reads card payments from Stripe payment intents.
type StripeProvider struct {
	api stripeAPI
}

func NewStripeProvider(api stripeAPI) (*StripeProvider, error) {
	if api == nil {
		return nil, fmt.Errorf("stripe client required")
	}
	return &StripeProvider{api: api}, nil
}

func (p *StripeProvider) Name() enums.PaymentProvider { return enums.PaymentProviderStripe }

func (p *StripeProvider) GetPaymentStatus(ctx context.Context, reference string) (Confirmation, error) {
	pi, err := p.api.PaymentIntent(ctx, reference)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return p.pending(), nil
	}
	if err != nil {
		return Confirmation{}, err
	}
	return p.fromIntent(pi), nil
}

func (p *StripeProvider) GetPaymentByOrderID(ctx context.Context, orderID string) (Confirmation, error) {
	pi, err := p.api.PaymentIntentForOrder(ctx, orderID)
	if err != nil {
		return Confirmation{}, err
	}
	if pi == nil {
		return p.pending(), nil
	}
	return p.fromIntent(pi), nil
}

func (p *StripeProvider) ParseWebhook(body []byte, header http.Header) (WebhookEvent, error) {
	event, err := p.api.ConstructEvent(body, header.Get(stripeSignatureHeader))
	if err != nil {
		return WebhookEvent{}, err
	}
	out := WebhookEvent{ID: event.ID, Type: string(event.Type)}
	switch event.Type {
	case stripeEventSucceeded, stripeEventFailed, stripeEventCanceled:
	default:
		return out, nil
	}
	if event.Data == nil {
		return WebhookEvent{}, pkgerrors.New(pkgerrors.CodeValidation, "stripe event missing data")
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return WebhookEvent{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode stripe payment intent")
	}
	out.Relevant = true
	out.Confirmation = p.fromIntent(&pi)
	out.Order = OrderRef{OrderID: pi.Metadata[stripeclient.OrderMetadataKey], Reference: pi.ID}
	return out, nil
}

func (p *StripeProvider) pending() Confirmation {
	return Confirmation{Provider: p.Name(), Status: StatusPending}
}

func (p *StripeProvider) fromIntent(pi *stripe.PaymentIntent) Confirmation {
	status := StatusPending
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusConfirmed
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}
	return Confirmation{
		Provider:              p.Name(),
		Status:                status,
		ProviderTransactionID: pi.ID,
		AmountCents:           pi.Amount,
	}
}
