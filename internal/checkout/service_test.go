package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kamau-dev/backend-duka/internal/cart"
	"github.com/kamau-dev/backend-duka/internal/catalog"
	"github.com/kamau-dev/backend-duka/internal/events"
	"github.com/kamau-dev/backend-duka/internal/order"
	"github.com/kamau-dev/backend-duka/internal/payment"
)

type fakeQuoter struct {
	quote   cart.Quote
	cleared []string
}

func (f *fakeQuoter) QuoteCart(_ context.Context, owner string, _ *string) (cart.Quote, error) {
	q := f.quote
	q.Owner = owner
	return q, nil
}

func (f *fakeQuoter) Clear(_ context.Context, owner string) error {
	f.cleared = append(f.cleared, owner)
	return nil
}

type fakeOrders struct {
	created *order.Order
	items   []order.Item
}

func (f *fakeOrders) Create(_ context.Context, o order.Order, items []order.Item) (order.Order, error) {
	o.ID = uuid.New()
	for i := range items {
		items[i].OrderID = o.ID
	}
	o.Items = items
	f.created = &o
	f.items = items
	return o, nil
}

type fakeIntents struct {
	err error
}

func (f *fakeIntents) CreateIntent(_ context.Context, orderID, _ uuid.UUID) (payment.Payment, error) {
	if f.err != nil {
		return payment.Payment{}, f.err
	}
	return payment.Payment{ID: uuid.New(), OrderID: orderID, Provider: "mpesa", Status: payment.StatusPending}, nil
}

func quoteFixture() cart.Quote {
	productID := uuid.New()
	return cart.Quote{
		Lines: []cart.QuotedLine{{
			Line:         cart.Line{ProductID: productID, Slug: "kettle", Title: "Kettle", Qty: 2, UnitPrice: 2000},
			UnitFinal:    1800,
			LineSubtotal: 4000,
			LineTotal:    3600,
			Discount:     400,
			AppliedRules: []catalog.AppliedRule{{ID: "r1", Label: "August sale", Type: "sale"}},
		}},
		Totals: cart.Totals{Subtotal: 4000, Discount: 400, Total: 3600, Currency: "KES"},
	}
}

func TestCheckoutFreezesQuoteIntoOrder(t *testing.T) {
	quoter := &fakeQuoter{quote: quoteFixture()}
	orders := &fakeOrders{}
	svc := &Service{Cart: quoter, Orders: orders, Payments: &fakeIntents{}, Log: zerolog.Nop()}

	userID := uuid.New()
	region := "KE"
	res, err := svc.Checkout(context.Background(), userID, &region, Input{})
	require.NoError(t, err)

	require.Equal(t, order.StatusPendingPayment, res.Order.Status)
	require.Equal(t, int64(3600), res.Order.Total)
	require.Equal(t, int64(400), res.Order.Discount)
	require.Equal(t, "KES", res.Order.Currency)
	require.Equal(t, "KE", *res.Order.Region)

	require.Len(t, orders.items, 1)
	it := orders.items[0]
	require.Equal(t, int64(2000), it.UnitBase)
	require.Equal(t, int64(1800), it.UnitFinal)
	require.Equal(t, int64(3600), it.LineTotal)
	require.Equal(t, []order.AppliedRule{{ID: "r1", Label: "August sale", Type: "sale"}}, it.AppliedRules)

	require.NotNil(t, res.Payment)
	require.Equal(t, res.Order.ID, res.Payment.OrderID)
}

func TestCheckoutClearsCart(t *testing.T) {
	quoter := &fakeQuoter{quote: quoteFixture()}
	svc := &Service{Cart: quoter, Orders: &fakeOrders{}, Payments: &fakeIntents{}, Log: zerolog.Nop()}

	userID := uuid.New()
	_, err := svc.Checkout(context.Background(), userID, nil, Input{})
	require.NoError(t, err)
	require.Equal(t, []string{cart.UserOwner(userID.String())}, quoter.cleared)
}

func TestCheckoutRejectsEmptyCart(t *testing.T) {
	svc := &Service{Cart: &fakeQuoter{}, Orders: &fakeOrders{}, Log: zerolog.Nop()}
	_, err := svc.Checkout(context.Background(), uuid.New(), nil, Input{})
	require.ErrorIs(t, err, ErrEmptyCart)
}

func TestCheckoutSurvivesIntentFailure(t *testing.T) {
	quoter := &fakeQuoter{quote: quoteFixture()}
	svc := &Service{
		Cart:     quoter,
		Orders:   &fakeOrders{},
		Payments: &fakeIntents{err: errors.New("provider down")},
		Log:      zerolog.Nop(),
	}

	res, err := svc.Checkout(context.Background(), uuid.New(), nil, Input{})
	require.NoError(t, err, "order creation must not fail because the provider is down")
	require.Nil(t, res.Payment)
	require.Equal(t, order.StatusPendingPayment, res.Order.Status)
}

type memEventStore struct {
	topics []string
}

func (m *memEventStore) Insert(_ context.Context, topic string, aggregateID uuid.UUID, payload []byte) (events.Event, error) {
	m.topics = append(m.topics, topic)
	return events.Event{ID: uuid.New(), Topic: topic, AggregateID: aggregateID, Payload: payload, OccurredAt: time.Now()}, nil
}

func TestCheckoutEmitsOrderCreated(t *testing.T) {
	store := &memEventStore{}
	svc := &Service{
		Cart:   &fakeQuoter{quote: quoteFixture()},
		Orders: &fakeOrders{},
		Events: &events.Bus{Store: store},
		Log:    zerolog.Nop(),
	}

	_, err := svc.Checkout(context.Background(), uuid.New(), nil, Input{})
	require.NoError(t, err)
	require.Equal(t, []string{events.TopicOrderCreated}, store.topics)
}
