package payment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kamau-dev/backend-duka/internal/obs"
	"github.com/kamau-dev/backend-duka/internal/order"
)

// Repo captures the persistence methods the intent service needs.
type Repo interface {
	Create(ctx context.Context, p Payment) (Payment, error)
	LatestByOrder(ctx context.Context, orderID uuid.UUID) (Payment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, payload []byte) error
	InsertEvent(ctx context.Context, paymentID uuid.UUID, status string, payload []byte) error
}

// OrderGetter loads the order an intent is opened against.
type OrderGetter interface {
	Get(ctx context.Context, id uuid.UUID) (order.Order, error)
}

var (
	// ErrOrderNotFound covers both a missing order and one owned by someone else.
	ErrOrderNotFound = errors.New("payment: order not found")
	// ErrAlreadyPaid rejects new intents for settled orders.
	ErrAlreadyPaid = errors.New("payment: order already paid")
	// ErrNotPayable rejects intents for cancelled or fulfilled orders.
	ErrNotPayable = errors.New("payment: order status does not allow payment")
)

// Service coordinates payment intents and status retrieval.
type Service struct {
	Payments  Repo
	Orders    OrderGetter
	Provider  Provider
	IntentTTL time.Duration
	Currency  string
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CreateIntent creates, or reuses, a payment intent for the caller's order.
// A pending intent that has not expired is returned as-is so a double click
// on "pay" never opens two provider sessions.
func (s *Service) CreateIntent(ctx context.Context, orderID, userID uuid.UUID) (Payment, error) {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreateIntent")
	defer span.End()

	providerName := s.Provider.Name()
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.provider", providerName),
			attribute.String("payment.intent.result", result),
		)
		if obs.PaymentIntentTotal != nil {
			obs.PaymentIntentTotal.WithLabelValues(providerName, result).Inc()
		}
	}()
	span.SetAttributes(attribute.String("order.id", orderID.String()))

	o, err := s.Orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return Payment{}, ErrOrderNotFound
		}
		return Payment{}, err
	}
	if o.UserID != userID {
		return Payment{}, ErrOrderNotFound
	}
	switch o.Status {
	case order.StatusPendingPayment:
	case order.StatusPaid:
		return Payment{}, ErrAlreadyPaid
	default:
		return Payment{}, ErrNotPayable
	}

	existing, err := s.Payments.LatestByOrder(ctx, orderID)
	switch {
	case err == nil:
		if existing.Status == StatusPaid {
			return Payment{}, ErrAlreadyPaid
		}
		if existing.Status == StatusPending &&
			(existing.ExpiresAt == nil || existing.ExpiresAt.After(s.now())) {
			providerName = existing.Provider
			result = "reused"
			return existing, nil
		}
	case errors.Is(err, ErrNotFound):
	default:
		return Payment{}, err
	}

	ttl := s.IntentTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	resp, err := s.Provider.CreateIntent(ctx, IntentRequest{
		OrderID:   orderID.String(),
		Amount:    o.Total,
		Currency:  s.Currency,
		ExpiresIn: ttl,
	})
	if err != nil {
		span.RecordError(err)
		return Payment{}, err
	}

	expiresAt := resp.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(ttl)
	}
	payload, _ := json.Marshal(map[string]any{
		"provider":  resp.Provider,
		"reference": resp.Reference,
	})
	p := Payment{
		OrderID:   orderID,
		Provider:  resp.Provider,
		Status:    StatusPending,
		Amount:    o.Total,
		Payload:   payload,
		ExpiresAt: &expiresAt,
	}
	if resp.Reference != "" {
		p.IntentRef = &resp.Reference
	}
	if resp.RedirectURL != "" {
		p.RedirectURL = &resp.RedirectURL
	}
	created, err := s.Payments.Create(ctx, p)
	if err != nil {
		return Payment{}, err
	}
	_ = s.Payments.InsertEvent(ctx, created.ID, StatusPending, payload)
	result = "created"
	return created, nil
}

// ConsolidatedStatus returns the best-known payment status for an order. When
// no payment row exists yet the order status is mapped instead, so the
// storefront can always render something.
func (s *Service) ConsolidatedStatus(ctx context.Context, orderID, userID uuid.UUID) (string, error) {
	o, err := s.Orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return "", ErrOrderNotFound
		}
		return "", err
	}
	if o.UserID != userID {
		return "", ErrOrderNotFound
	}
	p, err := s.Payments.LatestByOrder(ctx, orderID)
	if err == nil {
		return p.Status, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	switch o.Status {
	case order.StatusPaid, order.StatusFulfilled:
		return StatusPaid, nil
	case order.StatusCanceled:
		return StatusFailed, nil
	case order.StatusRefunded:
		return StatusRefunded, nil
	default:
		return StatusPending, nil
	}
}
