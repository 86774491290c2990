package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/kamau-dev/backend-duka/internal/cart"
	"github.com/kamau-dev/backend-duka/internal/events"
	"github.com/kamau-dev/backend-duka/internal/order"
	"github.com/kamau-dev/backend-duka/internal/payment"
)

// ErrEmptyCart rejects checkout of a cart with no lines.
var ErrEmptyCart = errors.New("checkout: cart is empty")

// Input is the checkout request body.
type Input struct {
	Notes *string `json:"notes"`
}

// Result is what a successful checkout returns. Payment is nil when opening
// the intent failed; the order still exists and the client can retry through
// the payment endpoint.
type Result struct {
	Order   order.Order      `json:"order"`
	Payment *payment.Payment `json:"payment,omitempty"`
}

// CartQuoter prices and clears the user's cart.
type CartQuoter interface {
	QuoteCart(ctx context.Context, owner string, region *string) (cart.Quote, error)
	Clear(ctx context.Context, owner string) error
}

// OrderCreator persists an order header with its frozen lines.
type OrderCreator interface {
	Create(ctx context.Context, o order.Order, items []order.Item) (order.Order, error)
}

// IntentOpener opens a payment intent for a freshly created order.
type IntentOpener interface {
	CreateIntent(ctx context.Context, orderID, userID uuid.UUID) (payment.Payment, error)
}

// TxOrderCreator writes the order header and all line items in one
// transaction.
type TxOrderCreator struct {
	Pool *pgxpool.Pool
}

func (t TxOrderCreator) Create(ctx context.Context, o order.Order, items []order.Item) (order.Order, error) {
	tx, err := t.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return order.Order{}, fmt.Errorf("begin checkout: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	store := (&order.Store{}).WithTx(tx)
	created, err := store.Create(ctx, o)
	if err != nil {
		return order.Order{}, err
	}
	for _, it := range items {
		it.OrderID = created.ID
		if err := store.CreateItem(ctx, it); err != nil {
			return order.Order{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return order.Order{}, fmt.Errorf("commit checkout: %w", err)
	}
	created.Items = items
	for i := range created.Items {
		created.Items[i].OrderID = created.ID
	}
	return created, nil
}

// Service turns a quoted cart into a pending order plus a payment intent.
type Service struct {
	Cart     CartQuoter
	Orders   OrderCreator
	Payments IntentOpener
	Events   *events.Bus
	Log      zerolog.Logger
}

// Checkout freezes the caller's cart into an order. The quote runs once more
// at checkout time so the stored breakdown reflects the rules active at that
// moment, not when items were added.
func (s *Service) Checkout(ctx context.Context, userID uuid.UUID, region *string, in Input) (Result, error) {
	owner := cart.UserOwner(userID.String())
	q, err := s.Cart.QuoteCart(ctx, owner, region)
	if err != nil {
		return Result{}, err
	}
	if len(q.Lines) == 0 {
		return Result{}, ErrEmptyCart
	}

	o := order.Order{
		UserID:     userID,
		Status:     order.StatusPendingPayment,
		Currency:   q.Totals.Currency,
		Region:     region,
		Subtotal:   q.Totals.Subtotal,
		Discount:   q.Totals.Discount,
		Adjustment: q.Totals.Adjustment,
		Total:      q.Totals.Total,
	}
	if in.Notes != nil && strings.TrimSpace(*in.Notes) != "" {
		o.Notes = in.Notes
	}
	items := make([]order.Item, 0, len(q.Lines))
	for _, line := range q.Lines {
		applied := make([]order.AppliedRule, 0, len(line.AppliedRules))
		for _, ar := range line.AppliedRules {
			applied = append(applied, order.AppliedRule{ID: ar.ID, Label: ar.Label, Type: ar.Type})
		}
		items = append(items, order.Item{
			ProductID:    line.ProductID,
			Slug:         line.Slug,
			Title:        line.Title,
			Qty:          int32(line.Qty),
			UnitBase:     line.UnitPrice,
			UnitFinal:    line.UnitFinal,
			LineTotal:    line.LineTotal,
			AppliedRules: applied,
		})
	}

	created, err := s.Orders.Create(ctx, o, items)
	if err != nil {
		return Result{}, err
	}
	if err := s.Cart.Clear(ctx, owner); err != nil {
		s.Log.Warn().Err(err).Str("order_id", created.ID.String()).Msg("failed to clear cart after checkout")
	}
	if s.Events != nil {
		payload := map[string]any{
			"orderId":  created.ID.String(),
			"total":    created.Total,
			"currency": created.Currency,
			"lines":    len(created.Items),
		}
		if _, err := s.Events.Emit(ctx, events.TopicOrderCreated, created.ID, payload); err != nil {
			s.Log.Warn().Err(err).Str("order_id", created.ID.String()).Msg("order created event emit failed")
		}
	}

	res := Result{Order: created}
	if s.Payments != nil {
		p, err := s.Payments.CreateIntent(ctx, created.ID, userID)
		if err != nil {
			s.Log.Error().Err(err).Str("order_id", created.ID.String()).Msg("failed to open payment intent at checkout")
		} else {
			res.Payment = &p
		}
	}
	return res, nil
}
