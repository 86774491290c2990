package payment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kamau-dev/backend-duka/internal/order"
)

type memPayments struct {
	rows   map[uuid.UUID][]Payment
	events int
}

func newMemPayments() *memPayments {
	return &memPayments{rows: make(map[uuid.UUID][]Payment)}
}

func (m *memPayments) Create(_ context.Context, p Payment) (Payment, error) {
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.rows[p.OrderID] = append(m.rows[p.OrderID], p)
	return p, nil
}

func (m *memPayments) LatestByOrder(_ context.Context, orderID uuid.UUID) (Payment, error) {
	rows := m.rows[orderID]
	if len(rows) == 0 {
		return Payment{}, ErrNotFound
	}
	return rows[len(rows)-1], nil
}

func (m *memPayments) UpdateStatus(_ context.Context, id uuid.UUID, status string, payload []byte) error {
	for orderID, rows := range m.rows {
		for i, p := range rows {
			if p.ID == id {
				rows[i].Status = status
				if payload != nil {
					rows[i].Payload = payload
				}
				m.rows[orderID] = rows
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *memPayments) InsertEvent(_ context.Context, _ uuid.UUID, _ string, _ []byte) error {
	m.events++
	return nil
}

type memOrders struct {
	orders map[uuid.UUID]order.Order
}

func (m *memOrders) Get(_ context.Context, id uuid.UUID) (order.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return o, nil
}

func (m *memOrders) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	o, ok := m.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Status = status
	m.orders[id] = o
	return nil
}

func newIntentService(orders *memOrders, payments *memPayments) *Service {
	return &Service{
		Payments:  payments,
		Orders:    orders,
		Provider:  Mpesa{ShortCode: "174379", WebhookSecret: "s"},
		IntentTTL: 30 * time.Minute,
		Currency:  "KES",
	}
}

func TestCreateIntentOpensPendingPayment(t *testing.T) {
	userID := uuid.New()
	o := order.Order{ID: uuid.New(), UserID: userID, Status: order.StatusPendingPayment, Total: 25000}
	payments := newMemPayments()
	svc := newIntentService(&memOrders{orders: map[uuid.UUID]order.Order{o.ID: o}}, payments)

	p, err := svc.CreateIntent(context.Background(), o.ID, userID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, p.Status)
	require.Equal(t, int64(25000), p.Amount)
	require.Equal(t, "mpesa", p.Provider)
	require.NotNil(t, p.IntentRef)
	require.NotNil(t, p.ExpiresAt)
	require.Equal(t, 1, payments.events)
}

func TestCreateIntentReusesPendingIntent(t *testing.T) {
	userID := uuid.New()
	o := order.Order{ID: uuid.New(), UserID: userID, Status: order.StatusPendingPayment, Total: 25000}
	payments := newMemPayments()
	svc := newIntentService(&memOrders{orders: map[uuid.UUID]order.Order{o.ID: o}}, payments)

	first, err := svc.CreateIntent(context.Background(), o.ID, userID)
	require.NoError(t, err)
	second, err := svc.CreateIntent(context.Background(), o.ID, userID)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, payments.rows[o.ID], 1)
}

func TestCreateIntentReplacesExpiredIntent(t *testing.T) {
	userID := uuid.New()
	o := order.Order{ID: uuid.New(), UserID: userID, Status: order.StatusPendingPayment, Total: 25000}
	payments := newMemPayments()
	svc := newIntentService(&memOrders{orders: map[uuid.UUID]order.Order{o.ID: o}}, payments)

	past := time.Now().Add(-time.Hour)
	payments.rows[o.ID] = []Payment{{ID: uuid.New(), OrderID: o.ID, Provider: "mpesa", Status: StatusPending, Amount: 25000, ExpiresAt: &past}}

	p, err := svc.CreateIntent(context.Background(), o.ID, userID)
	require.NoError(t, err)
	require.Len(t, payments.rows[o.ID], 2)
	require.NotEqual(t, payments.rows[o.ID][0].ID, p.ID)
}

func TestCreateIntentRejectsSettledOrders(t *testing.T) {
	userID := uuid.New()
	paid := order.Order{ID: uuid.New(), UserID: userID, Status: order.StatusPaid, Total: 100}
	canceled := order.Order{ID: uuid.New(), UserID: userID, Status: order.StatusCanceled, Total: 100}
	orders := &memOrders{orders: map[uuid.UUID]order.Order{paid.ID: paid, canceled.ID: canceled}}
	svc := newIntentService(orders, newMemPayments())

	_, err := svc.CreateIntent(context.Background(), paid.ID, userID)
	require.ErrorIs(t, err, ErrAlreadyPaid)

	_, err = svc.CreateIntent(context.Background(), canceled.ID, userID)
	require.ErrorIs(t, err, ErrNotPayable)
}

func TestCreateIntentHidesForeignOrders(t *testing.T) {
	o := order.Order{ID: uuid.New(), UserID: uuid.New(), Status: order.StatusPendingPayment, Total: 100}
	svc := newIntentService(&memOrders{orders: map[uuid.UUID]order.Order{o.ID: o}}, newMemPayments())

	_, err := svc.CreateIntent(context.Background(), o.ID, uuid.New())
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestConsolidatedStatusFallsBackToOrder(t *testing.T) {
	userID := uuid.New()
	o := order.Order{ID: uuid.New(), UserID: userID, Status: order.StatusPaid}
	svc := newIntentService(&memOrders{orders: map[uuid.UUID]order.Order{o.ID: o}}, newMemPayments())

	status, err := svc.ConsolidatedStatus(context.Background(), o.ID, userID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, status, "no payment row yet, derived from order status")
}
