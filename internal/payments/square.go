package payments

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	squareclient "github.com/angelmondragon/sellerfin-backend/pkg/square"
)

const squareSignatureHeader = "X-Square-Hmacsha256-Signature"

type squareAPI interface {
	GetPayment(ctx context.Context, paymentID string) (*squareclient.Payment, error)
	VerifySignature(body []byte, signature string) error
}

// SquareProvider reads card payments from the Square Payments API. Payments
// carry our order id in reference_id.
type SquareProvider struct {
	api squareAPI
}

func NewSquareProvider(api squareAPI) (*SquareProvider, error) {
	if api == nil {
		return nil, fmt.Errorf("square client required")
	}
	return &SquareProvider{api: api}, nil
}

func (p *SquareProvider) Name() enums.PaymentProvider { return enums.PaymentProviderSquare }

func (p *SquareProvider) GetPaymentStatus(ctx context.Context, reference string) (Confirmation, error) {
	payment, err := p.api.GetPayment(ctx, reference)
	if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
		return Confirmation{Provider: p.Name(), Status: StatusPending}, nil
	}
	if err != nil {
		return Confirmation{}, err
	}
	return p.fromPayment(payment.ID, payment.Status, payment.AmountCents), nil
}

// GetPaymentByOrderID is not offered by the Payments API without a location
// scoped search, so callers fall back to the stored provider reference.
func (p *SquareProvider) GetPaymentByOrderID(context.Context, string) (Confirmation, error) {
	return Confirmation{}, ErrLookupUnsupported
}

func (p *SquareProvider) ParseWebhook(body []byte, header http.Header) (WebhookEvent, error) {
	if err := p.api.VerifySignature(body, header.Get(squareSignatureHeader)); err != nil {
		return WebhookEvent{}, err
	}
	if !gjson.ValidBytes(body) {
		return WebhookEvent{}, pkgerrors.New(pkgerrors.CodeValidation, "square notification is not json")
	}
	doc := gjson.ParseBytes(body)
	out := WebhookEvent{
		ID:   doc.Get("event_id").String(),
		Type: doc.Get("type").String(),
	}
	if out.ID == "" {
		return WebhookEvent{}, pkgerrors.New(pkgerrors.CodeValidation, "square notification missing event_id")
	}
	if !strings.HasPrefix(out.Type, "payment.") {
		return out, nil
	}
	payment := doc.Get("data.object.payment")
	if !payment.Exists() {
		return out, nil
	}
	out.Relevant = true
	out.Confirmation = p.fromPayment(
		payment.Get("id").String(),
		payment.Get("status").String(),
		payment.Get("amount_money.amount").Int(),
	)
	out.Order = OrderRef{
		OrderID:   payment.Get("reference_id").String(),
		Reference: payment.Get("id").String(),
	}
	return out, nil
}

func (p *SquareProvider) fromPayment(id, status string, amount int64) Confirmation {
	out := Confirmation{Provider: p.Name(), Status: StatusPending, ProviderTransactionID: id, AmountCents: amount}
	switch strings.ToUpper(status) {
	case "COMPLETED":
		out.Status = StatusConfirmed
	case "CANCELED", "FAILED":
		out.Status = StatusFailed
	}
	return out
}
