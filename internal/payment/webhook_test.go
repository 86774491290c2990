package payment

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kamau-dev/backend-duka/internal/events"
	"github.com/kamau-dev/backend-duka/internal/lock"
	"github.com/kamau-dev/backend-duka/internal/order"
)

type memStock struct {
	burned map[uuid.UUID]int32
}

func (m *memStock) DecrementStock(_ context.Context, id uuid.UUID, qty int32) error {
	if m.burned == nil {
		m.burned = make(map[uuid.UUID]int32)
	}
	m.burned[id] += qty
	return nil
}

func settleFixture(t *testing.T) (*memPayments, *memOrders, *memStock, order.Order, Payment) {
	t.Helper()
	productID := uuid.New()
	o := order.Order{
		ID:     uuid.New(),
		UserID: uuid.New(),
		Status: order.StatusPendingPayment,
		Total:  12000,
		Items:  []order.Item{{ProductID: productID, Qty: 2}},
	}
	payments := newMemPayments()
	p, err := payments.Create(context.Background(), Payment{OrderID: o.ID, Provider: "mpesa", Status: StatusPending, Amount: 12000})
	require.NoError(t, err)
	orders := &memOrders{orders: map[uuid.UUID]order.Order{o.ID: o}}
	return payments, orders, &memStock{}, o, p
}

func TestSettlePaidMarksOrderAndBurnsStock(t *testing.T) {
	payments, orders, stock, o, p := settleFixture(t)

	out, err := settle(context.Background(), payments, orders, stock, o.ID, WebhookResult{
		Valid: true, OrderID: o.ID.String(), Amount: 12000, Status: StatusPaid, Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	require.Equal(t, p.ID, out.PaymentID)
	require.Equal(t, StatusPaid, out.PaymentStatus)
	require.Equal(t, order.StatusPaid, out.OrderStatus)
	require.Equal(t, order.StatusPaid, orders.orders[o.ID].Status)
	require.Equal(t, int32(2), stock.burned[o.Items[0].ProductID])
}

func TestSettlePaidIsIdempotentOnStock(t *testing.T) {
	payments, orders, stock, o, _ := settleFixture(t)
	result := WebhookResult{Valid: true, OrderID: o.ID.String(), Amount: 12000, Status: StatusPaid, Payload: []byte(`{}`)}

	_, err := settle(context.Background(), payments, orders, stock, o.ID, result)
	require.NoError(t, err)
	_, err = settle(context.Background(), payments, orders, stock, o.ID, result)
	require.NoError(t, err)
	require.Equal(t, int32(2), stock.burned[o.Items[0].ProductID], "second PAID callback must not burn stock again")
}

func TestSettleFailureCancelsPendingOrder(t *testing.T) {
	payments, orders, stock, o, _ := settleFixture(t)

	out, err := settle(context.Background(), payments, orders, stock, o.ID, WebhookResult{
		Valid: true, OrderID: o.ID.String(), Status: StatusExpired, Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	require.Equal(t, order.StatusCanceled, out.OrderStatus)
	require.Empty(t, stock.burned)
}

func TestSettleFailureLeavesPaidOrderAlone(t *testing.T) {
	payments, orders, stock, o, _ := settleFixture(t)
	paid := orders.orders[o.ID]
	paid.Status = order.StatusPaid
	orders.orders[o.ID] = paid

	out, err := settle(context.Background(), payments, orders, stock, o.ID, WebhookResult{
		Valid: true, OrderID: o.ID.String(), Status: StatusFailed, Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, out.OrderStatus, "late failure callback cannot cancel a paid order")
}

func TestSettleRejectsAmountMismatch(t *testing.T) {
	payments, orders, stock, o, _ := settleFixture(t)

	_, err := settle(context.Background(), payments, orders, stock, o.ID, WebhookResult{
		Valid: true, OrderID: o.ID.String(), Amount: 999, Status: StatusPaid,
	})
	require.ErrorIs(t, err, ErrSettleAmountMismatch)
	require.Equal(t, order.StatusPendingPayment, orders.orders[o.ID].Status)
}

func TestSettleRequiresPaymentRow(t *testing.T) {
	orders := &memOrders{orders: map[uuid.UUID]order.Order{}}
	_, err := settle(context.Background(), newMemPayments(), orders, nil, uuid.New(), WebhookResult{Valid: true, Status: StatusPaid})
	require.ErrorIs(t, err, ErrSettlePaymentMissing)
}

type fakeSettler struct {
	calls   int
	outcome SettleOutcome
	err     error
}

func (f *fakeSettler) Settle(_ context.Context, orderID uuid.UUID, _ WebhookResult) (SettleOutcome, error) {
	f.calls++
	f.outcome.OrderID = orderID
	return f.outcome, f.err
}

func webhookServer(t *testing.T, settler Settler) (*httptest.Server, *fakeSettler) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fs, _ := settler.(*fakeSettler)
	wh := Webhook{
		Providers: map[string]Provider{"mpesa": Mpesa{WebhookSecret: "s"}},
		Settler:   settler,
		Replay:    client,
		ReplayTTL: time.Hour,
		Log:       zerolog.Nop(),
	}
	r := chi.NewRouter()
	r.Post("/webhook/{provider}", wh.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, fs
}

func postWebhook(t *testing.T, url, signature string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	if signature != "" {
		req.Header.Set(MpesaSignatureHeader, signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestWebhookHandleSettlesOnce(t *testing.T) {
	settler := &fakeSettler{outcome: SettleOutcome{PaymentStatus: StatusPaid, OrderStatus: order.StatusPaid}}
	srv, _ := webhookServer(t, settler)

	body := []byte(`{"orderId":"` + uuid.NewString() + `","resultCode":0,"amount":100}`)
	sig := signSHA256("s", body)

	resp := postWebhook(t, srv.URL+"/webhook/mpesa", sig, body)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, 1, settler.calls)

	resp = postWebhook(t, srv.URL+"/webhook/mpesa", sig, body)
	require.Equal(t, http.StatusConflict, resp.StatusCode, "replayed body is rejected")
	require.Equal(t, 1, settler.calls)
}

func TestWebhookHandleRejectsBadSignature(t *testing.T) {
	settler := &fakeSettler{}
	srv, _ := webhookServer(t, settler)

	body := []byte(`{"orderId":"` + uuid.NewString() + `","resultCode":0}`)
	resp := postWebhook(t, srv.URL+"/webhook/mpesa", signSHA256("wrong", body), body)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, settler.calls)
}

func TestWebhookHandleUnknownProvider(t *testing.T) {
	srv, _ := webhookServer(t, &fakeSettler{})
	resp := postWebhook(t, srv.URL+"/webhook/paypal", "", []byte(`{}`))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type memEventStore struct {
	topics []string
}

func (m *memEventStore) Insert(_ context.Context, topic string, aggregateID uuid.UUID, payload []byte) (events.Event, error) {
	m.topics = append(m.topics, topic)
	return events.Event{ID: uuid.New(), Topic: topic, AggregateID: aggregateID, Payload: payload, OccurredAt: time.Now()}, nil
}

func eventfulWebhookServer(t *testing.T, settler Settler) (*httptest.Server, *memEventStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := &memEventStore{}
	wh := Webhook{
		Providers: map[string]Provider{"mpesa": Mpesa{WebhookSecret: "s"}},
		Settler:   settler,
		Replay:    client,
		ReplayTTL: time.Hour,
		Lock:      lock.Locker{R: client},
		Events:    &events.Bus{Store: store},
		Log:       zerolog.Nop(),
	}
	r := chi.NewRouter()
	r.Post("/webhook/{provider}", wh.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func TestWebhookHandleEmitsPaidEvent(t *testing.T) {
	settler := &fakeSettler{outcome: SettleOutcome{PaymentStatus: StatusPaid, OrderStatus: order.StatusPaid}}
	srv, store := eventfulWebhookServer(t, settler)

	body := []byte(`{"orderId":"` + uuid.NewString() + `","resultCode":0,"amount":100}`)
	resp := postWebhook(t, srv.URL+"/webhook/mpesa", signSHA256("s", body), body)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, 1, settler.calls, "settlement runs under the per-order lock")
	require.Equal(t, []string{events.TopicOrderPaid}, store.topics)
}

func TestWebhookHandleEmitsFailureAndCancelEvents(t *testing.T) {
	settler := &fakeSettler{outcome: SettleOutcome{PaymentStatus: StatusFailed, OrderStatus: order.StatusCanceled}}
	srv, store := eventfulWebhookServer(t, settler)

	body := []byte(`{"orderId":"` + uuid.NewString() + `","resultCode":1,"amount":100}`)
	resp := postWebhook(t, srv.URL+"/webhook/mpesa", signSHA256("s", body), body)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, []string{events.TopicPaymentFailed, events.TopicOrderCanceled}, store.topics)
}
