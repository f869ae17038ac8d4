package payments

import (
	"context"
	"fmt"
	"net/http"

	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	moncashclient "github.com/angelmondragon/sellerfin-backend/pkg/moncash"
)

const moncashSignatureHeader = "X-MonCash-Signature"

type moncashAPI interface {
	RetrieveTransactionPayment(ctx context.Context, transactionID string) (*moncashclient.Payment, error)
	RetrieveOrderPayment(ctx context.Context, orderID string) (*moncashclient.Payment, error)
	ParseNotification(body []byte, signature string) (moncashclient.Notification, error)
}

// MonCashProvider reads mobile money payments from MonCash. The merchant
// order id sent at checkout is our order id.
type MonCashProvider struct {
	api moncashAPI
}

func NewMonCashProvider(api moncashAPI) (*MonCashProvider, error) {
	if api == nil {
		return nil, fmt.Errorf("moncash client required")
	}
	return &MonCashProvider{api: api}, nil
}

func (p *MonCashProvider) Name() enums.PaymentProvider { return enums.PaymentProviderMonCash }

func (p *MonCashProvider) GetPaymentStatus(ctx context.Context, reference string) (Confirmation, error) {
	payment, err := p.api.RetrieveTransactionPayment(ctx, reference)
	if err != nil {
		return Confirmation{}, err
	}
	return p.fromPayment(payment), nil
}

func (p *MonCashProvider) GetPaymentByOrderID(ctx context.Context, orderID string) (Confirmation, error) {
	payment, err := p.api.RetrieveOrderPayment(ctx, orderID)
	if err != nil {
		return Confirmation{}, err
	}
	return p.fromPayment(payment), nil
}

// ParseWebhook verifies the notification. The outcome is always re-read from
// MonCash by transaction id before it is trusted.
func (p *MonCashProvider) ParseWebhook(body []byte, header http.Header) (WebhookEvent, error) {
	n, err := p.api.ParseNotification(body, header.Get(moncashSignatureHeader))
	if err != nil {
		return WebhookEvent{}, err
	}
	return WebhookEvent{
		ID:       n.TransactionID,
		Type:     "payment",
		Relevant: true,
		Verify:   true,
		Order:    OrderRef{OrderID: n.OrderID, Reference: n.TransactionID},
		Confirmation: Confirmation{
			Provider:              p.Name(),
			Status:                StatusPending,
			ProviderTransactionID: n.TransactionID,
		},
	}, nil
}

func (p *MonCashProvider) fromPayment(payment *moncashclient.Payment) Confirmation {
	if payment == nil {
		return Confirmation{Provider: p.Name(), Status: StatusPending}
	}
	out := Confirmation{
		Provider:              p.Name(),
		Status:                StatusPending,
		ProviderTransactionID: payment.TransactionID,
		AmountCents:           payment.CostCents,
	}
	if payment.Successful() {
		out.Status = StatusConfirmed
	}
	return out
}
