package payments

import (
	"context"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
)

// throttled bounds the outbound call rate of one provider within a process.
// Reconcile fan-out would otherwise burst a gateway's rate limit.
type throttled struct {
	next    Provider
	limiter *rate.Limiter
}

// Throttle wraps p with a token bucket of rps calls per second. A
// non-positive rps returns p unchanged.
func Throttle(p Provider, rps float64, burst int) Provider {
	if p == nil || rps <= 0 {
		return p
	}
	if burst <= 0 {
		burst = 1
	}
	t := &throttled{next: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
	if v, ok := p.(WebhookVerifier); ok {
		return &throttledVerifier{throttled: t, verifier: v}
	}
	return t
}

func (t *throttled) Name() enums.PaymentProvider { return t.next.Name() }

func (t *throttled) GetPaymentStatus(ctx context.Context, reference string) (Confirmation, error) {
	if err := t.wait(ctx); err != nil {
		return Confirmation{}, err
	}
	return t.next.GetPaymentStatus(ctx, reference)
}

func (t *throttled) GetPaymentByOrderID(ctx context.Context, orderID string) (Confirmation, error) {
	if err := t.wait(ctx); err != nil {
		return Confirmation{}, err
	}
	return t.next.GetPaymentByOrderID(ctx, orderID)
}

func (t *throttled) wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeRateLimit, err, "provider call budget exhausted")
	}
	return nil
}

// throttledVerifier keeps webhook verification reachable through the wrapper.
// Verification is local and not throttled.
type throttledVerifier struct {
	*throttled
	verifier WebhookVerifier
}

func (t *throttledVerifier) ParseWebhook(body []byte, header http.Header) (WebhookEvent, error) {
	return t.verifier.ParseWebhook(body, header)
}
