// Package payments asks payment providers about payment state and feeds
// confirmed payments into the ledger. Webhooks and the redirect reconciler
// share one confirmation path.
package payments

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
)

// Status is the normalized provider payment state.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// ErrLookupUnsupported is returned by providers that cannot find a payment
// from the merchant order id alone.
var ErrLookupUnsupported = errors.New("provider cannot look payments up by order id")

// Confirmation is what a provider reports about one payment.
type Confirmation struct {
	Provider              enums.PaymentProvider `json:"provider"`
	Status                Status                `json:"status"`
	ProviderTransactionID string                `json:"provider_transaction_id,omitempty"`
	AmountCents           int64                 `json:"amount_cents,omitempty"`
}

// Confirmed reports whether the provider settled the payment.
func (c Confirmation) Confirmed() bool { return c.Status == StatusConfirmed }

// Provider looks payments up at a gateway. Both lookups return a pending
// confirmation when the provider has no matching payment yet.
type Provider interface {
	Name() enums.PaymentProvider
	GetPaymentStatus(ctx context.Context, reference string) (Confirmation, error)
	GetPaymentByOrderID(ctx context.Context, orderID string) (Confirmation, error)
}

// OrderRef carries whatever a provider told us about the order a payment
// belongs to. Resolution tries each field in declaration order.
type OrderRef struct {
	OrderID     string
	OrderNumber string
	Reference   string
}

// WebhookEvent is a verified, decoded provider notification.
type WebhookEvent struct {
	ID           string
	Type         string
	Order        OrderRef
	Confirmation Confirmation
	// Relevant is false for notification types that carry no payment outcome.
	Relevant bool
	// Verify asks for the outcome to be re-read with GetPaymentStatus.
	Verify bool
}

// WebhookVerifier authenticates and decodes a provider notification.
type WebhookVerifier interface {
	ParseWebhook(body []byte, header http.Header) (WebhookEvent, error)
}

// Registry resolves providers and webhook verifiers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[enums.PaymentProvider]Provider
	verifiers map[enums.PaymentProvider]WebhookVerifier
}

func NewRegistry() *Registry {
	return &Registry{
		providers: map[enums.PaymentProvider]Provider{},
		verifiers: map[enums.PaymentProvider]WebhookVerifier{},
	}
}

// Register adds p. When p also verifies webhooks it is registered for that too.
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if v, ok := p.(WebhookVerifier); ok {
		r.verifiers[p.Name()] = v
	}
}

// RegisterVerifier adds a webhook verifier under name.
func (r *Registry) RegisterVerifier(name enums.PaymentProvider, v WebhookVerifier) {
	if v == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[name] = v
}

func (r *Registry) Provider(name enums.PaymentProvider) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment provider not configured").
			WithDetails(map[string]any{"provider": name})
	}
	return p, nil
}

func (r *Registry) Verifier(name enums.PaymentProvider) (WebhookVerifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.verifiers[name]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment provider not configured").
			WithDetails(map[string]any{"provider": name})
	}
	return v, nil
}

// Names lists the registered providers.
func (r *Registry) Names() []enums.PaymentProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]enums.PaymentProvider, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}
