package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sellerfin-backend/internal/ledger"
	dbpkg "github.com/angelmondragon/sellerfin-backend/pkg/db"
	"github.com/angelmondragon/sellerfin-backend/pkg/db/models"
	"github.com/angelmondragon/sellerfin-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sellerfin-backend/pkg/errors"
	"github.com/angelmondragon/sellerfin-backend/pkg/logger"
	"github.com/angelmondragon/sellerfin-backend/pkg/metrics"
)

// WebhookOutcome is what HandleWebhook did with a notification.
type WebhookOutcome string

const (
	WebhookIgnored   WebhookOutcome = "ignored"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookConfirmed WebhookOutcome = "confirmed"
	WebhookFailed    WebhookOutcome = "failed"
	WebhookPending   WebhookOutcome = "pending"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type ledgerConfirmer interface {
	ConfirmPayment(ctx context.Context, input ledger.ConfirmPaymentInput) (ledger.Result, error)
}

type webhookGuard interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Delete(ctx context.Context, eventID string) error
}

// WebhookResult reports one handled notification.
type WebhookResult struct {
	Provider enums.PaymentProvider `json:"provider"`
	EventID  string                `json:"event_id,omitempty"`
	Outcome  WebhookOutcome        `json:"outcome"`
	OrderID  *uuid.UUID            `json:"order_id,omitempty"`
	Ledger   ledger.Outcome        `json:"ledger_outcome,omitempty"`
}

// ServiceParams wires the payments service.
type ServiceParams struct {
	DB       txRunner
	Conn     *gorm.DB
	Ledger   ledgerConfirmer
	Registry *Registry
	Guard    webhookGuard
	Logger   *logger.Logger
	Metrics  *metrics.FinanceMetrics
	Clock    func() time.Time
}

// Service confirms provider payments into the ledger.
type Service struct {
	tx       txRunner
	db       *gorm.DB
	ledger   ledgerConfirmer
	registry *Registry
	guard    webhookGuard
	logg     *logger.Logger
	metrics  *metrics.FinanceMetrics
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Conn == nil {
		return nil, fmt.Errorf("db connection required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}
	if params.Registry == nil {
		return nil, fmt.Errorf("provider registry required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	clock := params.Clock
	if clock == nil {
		clock = dbpkg.NowUTC
	}
	return &Service{
		tx:       params.DB,
		db:       params.Conn,
		ledger:   params.Ledger,
		registry: params.Registry,
		guard:    params.Guard,
		logg:     params.Logger,
		metrics:  params.Metrics,
		now:      func() time.Time { return clock().UTC() },
	}, nil
}

// Confirm books a provider-confirmed payment through the ledger and records
// the CONFIRMED checkout event. Repeated calls are no-ops in the ledger.
func (s *Service) Confirm(ctx context.Context, orderID uuid.UUID, c Confirmation) (ledger.Result, error) {
	if !c.Confirmed() {
		return ledger.Result{}, pkgerrors.New(pkgerrors.CodeValidation, "payment is not confirmed").
			WithDetails(map[string]any{"status": c.Status})
	}
	result, err := s.ledger.ConfirmPayment(ctx, ledger.ConfirmPaymentInput{
		OrderID:           orderID,
		Provider:          c.Provider,
		ProviderReference: c.ProviderTransactionID,
	})
	if err != nil {
		return ledger.Result{}, err
	}
	if err := s.recordConfirmed(ctx, orderID, c.Provider); err != nil {
		// The ledger is already right; reconcile will retry the marker.
		s.logg.Error(s.logg.WithOrderID(ctx, orderID.String()), "record confirmed checkout event", err)
	}
	return result, nil
}

// recordConfirmed writes one CONFIRMED event carrying every key a redirect
// event may have been recorded under.
func (s *Service) recordConfirmed(ctx context.Context, orderID uuid.UUID, provider enums.PaymentProvider) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.WithContext(ctx).Where("id = ?", orderID).Take(&order).Error; err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		var existing int64
		if err := tx.WithContext(ctx).Model(&models.CheckoutEvent{}).
			Where("type = ? AND order_id = ?", enums.CheckoutEventConfirmed, orderID).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("check confirmed event: %w", err)
		}
		if existing > 0 {
			return nil
		}
		if provider == "" {
			provider = order.Provider
		}
		number := order.OrderNumber
		event := models.CheckoutEvent{
			Type:        enums.CheckoutEventConfirmed,
			OrderID:     &order.ID,
			OrderNumber: &number,
			SessionID:   order.CheckoutSessionID,
			Provider:    provider,
			CreatedAt:   s.now(),
		}
		return tx.WithContext(ctx).Create(&event).Error
	})
}

// HandleWebhook verifies a provider notification and applies its outcome.
// Replayed event ids are acknowledged without side effects; a failed
// application forgets the event id so the provider retry is processed.
func (s *Service) HandleWebhook(ctx context.Context, provider enums.PaymentProvider, body []byte, header http.Header) (WebhookResult, error) {
	result := WebhookResult{Provider: provider}
	verifier, err := s.registry.Verifier(provider)
	if err != nil {
		return result, err
	}
	event, err := verifier.ParseWebhook(body, header)
	if err != nil {
		s.metrics.IncWebhook(string(provider), "rejected")
		return result, err
	}
	result.EventID = event.ID
	ctx = s.logg.WithFields(ctx, map[string]any{"provider": provider, "event_id": event.ID, "event_type": event.Type})

	if !event.Relevant {
		result.Outcome = WebhookIgnored
		s.metrics.IncWebhook(string(provider), string(result.Outcome))
		return result, nil
	}

	dedupeKey := string(provider) + ":" + event.ID
	if s.guard != nil && event.ID != "" {
		seen, err := s.guard.CheckAndMark(ctx, dedupeKey)
		if err != nil {
			return result, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "webhook dedupe unavailable")
		}
		if seen {
			result.Outcome = WebhookDuplicate
			s.metrics.IncWebhook(string(provider), string(result.Outcome))
			s.logg.Info(ctx, "duplicate webhook acknowledged")
			return result, nil
		}
	}

	result, err = s.applyWebhook(ctx, provider, event, result)
	if err != nil {
		if s.guard != nil && event.ID != "" {
			if delErr := s.guard.Delete(ctx, dedupeKey); delErr != nil {
				s.logg.Error(ctx, "forget webhook event id", delErr)
			}
		}
		s.metrics.IncWebhook(string(provider), "error")
		return result, err
	}
	s.metrics.IncWebhook(string(provider), string(result.Outcome))
	s.logg.Info(ctx, "webhook handled")
	return result, nil
}

func (s *Service) applyWebhook(ctx context.Context, provider enums.PaymentProvider, event WebhookEvent, result WebhookResult) (WebhookResult, error) {
	confirmation := event.Confirmation
	if event.Verify {
		p, err := s.registry.Provider(provider)
		if err != nil {
			return result, err
		}
		confirmation, err = p.GetPaymentStatus(ctx, event.Order.Reference)
		if err != nil {
			return result, err
		}
	}
	if confirmation.Provider == "" {
		confirmation.Provider = provider
	}

	order, err := s.ResolveOrder(ctx, event.Order)
	if err != nil {
		return result, err
	}
	result.OrderID = &order.ID
	if order.Provider != provider {
		return result, pkgerrors.New(pkgerrors.CodeConflict, "webhook provider does not match order").
			WithDetails(map[string]any{"order_provider": order.Provider, "provider": provider})
	}

	switch confirmation.Status {
	case StatusConfirmed:
		res, err := s.Confirm(ctx, order.ID, confirmation)
		if err != nil {
			return result, err
		}
		result.Outcome = WebhookConfirmed
		result.Ledger = res.Outcome
	case StatusFailed:
		if err := s.markFailed(ctx, order.ID); err != nil {
			return result, err
		}
		result.Outcome = WebhookFailed
	default:
		result.Outcome = WebhookPending
	}
	return result, nil
}

// markFailed records a provider-declined payment on an order that was never paid.
func (s *Service) markFailed(ctx context.Context, orderID uuid.UUID) error {
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.WithContext(ctx).Model(&models.Order{}).
			Where("id = ? AND escrow_status = ? AND payment_status IN ?", orderID, enums.EscrowStatusNone,
				[]enums.PaymentStatus{enums.PaymentStatusUnpaid, enums.PaymentStatusPending}).
			Updates(map[string]any{
				"payment_status": enums.PaymentStatusFailed,
				"updated_at":     s.now(),
			}).Error
	})
}

// ResolveOrder finds the order a provider reference points at: by id, then by
// order number, then by provider reference or checkout session.
func (s *Service) ResolveOrder(ctx context.Context, ref OrderRef) (*models.Order, error) {
	query := func(where string, args ...any) (*models.Order, error) {
		var order models.Order
		err := s.db.WithContext(ctx).Where(where, args...).Order("created_at DESC").Take(&order).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolve order: %w", err)
		}
		return &order, nil
	}

	var candidates []func() (*models.Order, error)
	if raw := strings.TrimSpace(ref.OrderID); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			candidates = append(candidates, func() (*models.Order, error) { return query("id = ?", id) })
		} else {
			candidates = append(candidates, func() (*models.Order, error) { return query("order_number = ?", raw) })
		}
	}
	if raw := strings.TrimSpace(ref.OrderNumber); raw != "" {
		candidates = append(candidates, func() (*models.Order, error) { return query("order_number = ?", raw) })
	}
	if raw := strings.TrimSpace(ref.Reference); raw != "" {
		candidates = append(candidates, func() (*models.Order, error) {
			return query("provider_reference = ? OR checkout_session_id = ?", raw, raw)
		})
	}
	for _, find := range candidates {
		order, err := find()
		if err != nil {
			return nil, err
		}
		if order != nil {
			return order, nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found for payment").
		WithDetails(map[string]any{"order_id": ref.OrderID, "order_number": ref.OrderNumber, "reference": ref.Reference})
}

// Lookup asks the order's provider for the payment state: by order id first,
// then by the stored provider reference when the provider cannot search by
// order or has nothing yet.
func (s *Service) Lookup(ctx context.Context, order models.Order) (Confirmation, error) {
	p, err := s.registry.Provider(order.Provider)
	if err != nil {
		return Confirmation{}, err
	}
	confirmation, err := p.GetPaymentByOrderID(ctx, order.ID.String())
	switch {
	case errors.Is(err, ErrLookupUnsupported):
		confirmation = Confirmation{Provider: order.Provider, Status: StatusPending}
	case err != nil:
		return Confirmation{}, err
	}
	if confirmation.Status == StatusPending && order.ProviderReference != nil && *order.ProviderReference != "" {
		confirmation, err = p.GetPaymentStatus(ctx, *order.ProviderReference)
		if err != nil {
			return Confirmation{}, err
		}
	}
	if confirmation.Provider == "" {
		confirmation.Provider = order.Provider
	}
	return confirmation, nil
}
