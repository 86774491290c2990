package order

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kamau-dev/backend-duka/internal/common"
)

type fakeRepo struct {
	orders map[uuid.UUID]Order
}

func (f *fakeRepo) Get(ctx context.Context, id uuid.UUID) (Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (f *fakeRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Order, error) {
	var out []Order
	for _, o := range f.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListByStatus(ctx context.Context, status string, limit, offset int) ([]Order, error) {
	var out []Order
	for _, o := range f.orders {
		if o.Status == status {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	o, ok := f.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	f.orders[id] = o
	return nil
}

func withUser(req *http.Request, userID uuid.UUID) *http.Request {
	return req.WithContext(common.WithUserID(req.Context(), userID.String()))
}

func withOrderParam(req *http.Request, id uuid.UUID) *http.Request {
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("id", id.String())
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
}

func TestGetHidesOtherUsersOrders(t *testing.T) {
	owner := uuid.New()
	o := Order{ID: uuid.New(), UserID: owner, Status: StatusPaid}
	h := &Handler{Repo: &fakeRepo{orders: map[uuid.UUID]Order{o.ID: o}}}

	req := withOrderParam(withUser(httptest.NewRequest(http.MethodGet, "/orders/x", nil), uuid.New()), o.ID)
	rec := httptest.NewRecorder()
	h.Get(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	req = withOrderParam(withUser(httptest.NewRequest(http.MethodGet, "/orders/x", nil), owner), o.ID)
	rec = httptest.NewRecorder()
	h.Get(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelOnlyPendingOrders(t *testing.T) {
	owner := uuid.New()
	pending := Order{ID: uuid.New(), UserID: owner, Status: StatusPendingPayment}
	paid := Order{ID: uuid.New(), UserID: owner, Status: StatusPaid}
	repo := &fakeRepo{orders: map[uuid.UUID]Order{pending.ID: pending, paid.ID: paid}}
	h := &Handler{Repo: repo}

	req := withOrderParam(withUser(httptest.NewRequest(http.MethodPost, "/orders/x/cancel", nil), owner), paid.ID)
	rec := httptest.NewRecorder()
	h.Cancel(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)

	req = withOrderParam(withUser(httptest.NewRequest(http.MethodPost, "/orders/x/cancel", nil), owner), pending.ID)
	rec = httptest.NewRecorder()
	h.Cancel(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, StatusCanceled, repo.orders[pending.ID].Status)
}

func TestListRequiresAuth(t *testing.T) {
	h := &Handler{Repo: &fakeRepo{}}
	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminStatusTransitionGraph(t *testing.T) {
	o := Order{ID: uuid.New(), UserID: uuid.New(), Status: StatusPendingPayment}
	repo := &fakeRepo{orders: map[uuid.UUID]Order{o.ID: o}}
	h := &AdminHandler{Repo: repo}

	patch := func(status string) *httptest.ResponseRecorder {
		body := strings.NewReader(`{"status":"` + status + `"}`)
		req := withOrderParam(httptest.NewRequest(http.MethodPatch, "/admin/orders/x/status", body), o.ID)
		rec := httptest.NewRecorder()
		h.UpdateStatus(rec, req)
		return rec
	}

	require.Equal(t, http.StatusConflict, patch(StatusFulfilled).Code, "cannot fulfil an unpaid order")
	require.Equal(t, http.StatusOK, patch(StatusPaid).Code)
	require.Equal(t, http.StatusOK, patch(StatusFulfilled).Code)
	require.Equal(t, http.StatusConflict, patch(StatusPendingPayment).Code, "no path back to pending")
	require.Equal(t, http.StatusBadRequest, patch("SHIPPED").Code, "unknown status rejected")
}

func TestAdminListFiltersByStatus(t *testing.T) {
	a := Order{ID: uuid.New(), UserID: uuid.New(), Status: StatusPaid}
	b := Order{ID: uuid.New(), UserID: uuid.New(), Status: StatusPendingPayment}
	h := &AdminHandler{Repo: &fakeRepo{orders: map[uuid.UUID]Order{a.ID: a, b.ID: b}}}

	req := httptest.NewRequest(http.MethodGet, "/admin/orders?status=paid", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []Order `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	require.Equal(t, a.ID, resp.Data[0].ID)
}
