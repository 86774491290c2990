package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kamau-dev/backend-duka/internal/catalog"
	"github.com/kamau-dev/backend-duka/internal/common"
	"github.com/kamau-dev/backend-duka/internal/events"
	"github.com/kamau-dev/backend-duka/internal/lock"
	"github.com/kamau-dev/backend-duka/internal/obs"
	"github.com/kamau-dev/backend-duka/internal/order"
)

// Settlement errors surfaced to the webhook handler.
var (
	ErrSettlePaymentMissing = errors.New("payment: no payment for order")
	ErrSettleAmountMismatch = errors.New("payment: provider amount mismatch")
)

// OrderRepo captures the order persistence needed during settlement.
type OrderRepo interface {
	Get(ctx context.Context, id uuid.UUID) (order.Order, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

// StockRepo decrements product stock once an order is paid.
type StockRepo interface {
	DecrementStock(ctx context.Context, productID uuid.UUID, qty int32) error
}

// SettleOutcome reports what a processed callback did.
type SettleOutcome struct {
	PaymentID     uuid.UUID
	OrderID       uuid.UUID
	PaymentStatus string
	OrderStatus   string
}

// settle applies one verified callback: record the payment status, append the
// event trail, and move the order. A PAID callback settles the order and
// burns stock exactly once; FAILED and EXPIRED cancel an order still waiting
// for payment.
func settle(ctx context.Context, payments Repo, orders OrderRepo, stock StockRepo, orderID uuid.UUID, result WebhookResult) (SettleOutcome, error) {
	p, err := payments.LatestByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return SettleOutcome{}, ErrSettlePaymentMissing
		}
		return SettleOutcome{}, err
	}
	if result.Amount > 0 && p.Amount > 0 && p.Amount != result.Amount {
		return SettleOutcome{}, fmt.Errorf("%w: got %d expected %d", ErrSettleAmountMismatch, result.Amount, p.Amount)
	}

	newStatus := NormalizeStatus(result.Status)
	firstPaid := newStatus == StatusPaid && p.Status != StatusPaid
	if err := payments.UpdateStatus(ctx, p.ID, newStatus, result.Payload); err != nil {
		return SettleOutcome{}, err
	}
	_ = payments.InsertEvent(ctx, p.ID, newStatus, result.Payload)

	o, err := orders.Get(ctx, p.OrderID)
	if err != nil {
		return SettleOutcome{}, err
	}
	switch newStatus {
	case StatusPaid:
		if firstPaid && order.CanTransition(o.Status, order.StatusPaid) {
			if err := orders.UpdateStatus(ctx, o.ID, order.StatusPaid); err != nil {
				return SettleOutcome{}, err
			}
			o.Status = order.StatusPaid
			if stock != nil {
				for _, it := range o.Items {
					if err := stock.DecrementStock(ctx, it.ProductID, it.Qty); err != nil {
						return SettleOutcome{}, err
					}
				}
			}
		}
	case StatusFailed, StatusExpired:
		if o.Status == order.StatusPendingPayment {
			if err := orders.UpdateStatus(ctx, o.ID, order.StatusCanceled); err != nil {
				return SettleOutcome{}, err
			}
			o.Status = order.StatusCanceled
		}
	}

	return SettleOutcome{
		PaymentID:     p.ID,
		OrderID:       o.ID,
		PaymentStatus: newStatus,
		OrderStatus:   o.Status,
	}, nil
}

// Settler applies a verified webhook result.
type Settler interface {
	Settle(ctx context.Context, orderID uuid.UUID, result WebhookResult) (SettleOutcome, error)
}

// TxSettler runs settlement inside a single database transaction so the
// payment row, event trail, order status and stock all move together.
type TxSettler struct {
	Pool *pgxpool.Pool
}

func (t TxSettler) Settle(ctx context.Context, orderID uuid.UUID, result WebhookResult) (SettleOutcome, error) {
	tx, err := t.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return SettleOutcome{}, fmt.Errorf("begin settlement: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out, err := settle(ctx, &Store{DB: tx}, &order.Store{DB: tx}, &catalog.Store{DB: tx}, orderID, result)
	if err != nil {
		return SettleOutcome{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return SettleOutcome{}, fmt.Errorf("commit settlement: %w", err)
	}
	return out, nil
}

// Webhook handles provider callbacks: signature verification, replay
// suppression, then settlement.
type Webhook struct {
	Providers map[string]Provider
	Settler   Settler
	Replay    *redis.Client
	ReplayTTL time.Duration
	// Lock serialises settlement per order when configured. Two providers
	// callbacks racing on one order would otherwise both read the same
	// pre-settlement payment row.
	Lock    lock.Locker
	LockTTL time.Duration
	Events  *events.Bus
	Log     zerolog.Logger
}

func (h Webhook) observe(provider, result string) {
	if obs.PaymentWebhookTotal != nil {
		obs.PaymentWebhookTotal.WithLabelValues(provider, result).Inc()
	}
}

// Handle processes POST /api/v1/payments/webhook/{provider}.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	providerKey := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	provider, ok := h.Providers[providerKey]
	if !ok {
		common.JSONError(w, http.StatusNotFound, "PROVIDER_NOT_SUPPORTED", "unknown provider", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	result, err := provider.VerifyWebhook(r, body)
	if err != nil {
		h.observe(providerKey, "invalid")
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}
	if !result.Valid {
		h.observe(providerKey, "invalid_signature")
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		return
	}
	orderID, err := uuid.Parse(strings.TrimSpace(result.OrderID))
	if err != nil {
		h.observe(providerKey, "invalid")
		common.JSONError(w, http.StatusBadRequest, "INVALID_ORDER_ID", "invalid order identifier", nil)
		return
	}
	if h.Replay != nil && h.ReplayTTL > 0 {
		key := fmt.Sprintf("wh:%s:%s", providerKey, common.Sha256Hex(string(body)))
		fresh, err := h.Replay.SetNX(r.Context(), key, "1", h.ReplayTTL).Result()
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "REPLAY_STORE_ERROR", err.Error(), nil)
			return
		}
		if !fresh {
			h.observe(providerKey, "replay")
			common.JSONError(w, http.StatusConflict, "REPLAY", "duplicate webhook", nil)
			return
		}
	}
	if result.Payload == nil {
		result.Payload = body
	}

	out, err := h.settleLocked(r.Context(), orderID, result)
	if err != nil {
		switch {
		case errors.Is(err, ErrSettlePaymentMissing):
			h.observe(providerKey, "not_found")
			common.JSONError(w, http.StatusNotFound, "PAYMENT_NOT_FOUND", "payment not found", nil)
		case errors.Is(err, ErrSettleAmountMismatch):
			h.observe(providerKey, "amount_mismatch")
			common.JSONError(w, http.StatusBadRequest, "AMOUNT_MISMATCH", "provider amount mismatch", nil)
		default:
			h.observe(providerKey, "error")
			h.Log.Error().Err(err).Str("provider", providerKey).Str("order_id", orderID.String()).Msg("webhook settlement failed")
			common.JSONError(w, http.StatusInternalServerError, "SETTLEMENT_ERROR", "settlement failed", nil)
		}
		return
	}

	h.observe(providerKey, strings.ToLower(out.PaymentStatus))
	h.emit(r.Context(), providerKey, out)
	h.Log.Info().
		Str("provider", providerKey).
		Str("order_id", out.OrderID.String()).
		Str("payment_status", out.PaymentStatus).
		Str("order_status", out.OrderStatus).
		Msg("payment webhook processed")
	w.WriteHeader(http.StatusNoContent)
}

func (h Webhook) settleLocked(ctx context.Context, orderID uuid.UUID, result WebhookResult) (SettleOutcome, error) {
	if h.Lock.R == nil {
		return h.Settler.Settle(ctx, orderID, result)
	}
	ttl := h.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	var out SettleOutcome
	err := h.Lock.WithLock(ctx, "lock:settle:"+orderID.String(), ttl, func(ctx context.Context) error {
		var settleErr error
		out, settleErr = h.Settler.Settle(ctx, orderID, result)
		return settleErr
	})
	return out, err
}

// emit publishes the settlement outcome on the event bus. Failures are logged;
// the webhook already settled and must still acknowledge the provider.
func (h Webhook) emit(ctx context.Context, provider string, out SettleOutcome) {
	if h.Events == nil {
		return
	}
	var topic string
	switch out.PaymentStatus {
	case StatusPaid:
		topic = events.TopicOrderPaid
	case StatusFailed:
		topic = events.TopicPaymentFailed
	case StatusExpired:
		topic = events.TopicPaymentExpired
	default:
		return
	}
	payload := map[string]string{
		"orderId":       out.OrderID.String(),
		"paymentId":     out.PaymentID.String(),
		"provider":      provider,
		"paymentStatus": out.PaymentStatus,
		"orderStatus":   out.OrderStatus,
	}
	if _, err := h.Events.Emit(ctx, topic, out.OrderID, payload); err != nil {
		h.Log.Warn().Err(err).Str("topic", topic).Str("order_id", out.OrderID.String()).Msg("settlement event emit failed")
	}
	if out.OrderStatus == order.StatusCanceled && topic != events.TopicOrderPaid {
		if _, err := h.Events.Emit(ctx, events.TopicOrderCanceled, out.OrderID, payload); err != nil {
			h.Log.Warn().Err(err).Str("order_id", out.OrderID.String()).Msg("cancel event emit failed")
		}
	}
}
