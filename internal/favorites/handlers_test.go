package favorites

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kamau-dev/backend-duka/internal/catalog"
	"github.com/kamau-dev/backend-duka/internal/common"
)

type memRepo struct {
	favs map[uuid.UUID]map[uuid.UUID]bool
}

func newMemRepo() *memRepo {
	return &memRepo{favs: make(map[uuid.UUID]map[uuid.UUID]bool)}
}

func (m *memRepo) Add(_ context.Context, userID, productID uuid.UUID) error {
	if m.favs[userID] == nil {
		m.favs[userID] = make(map[uuid.UUID]bool)
	}
	m.favs[userID][productID] = true
	return nil
}

func (m *memRepo) Remove(_ context.Context, userID, productID uuid.UUID) error {
	delete(m.favs[userID], productID)
	return nil
}

func (m *memRepo) List(_ context.Context, userID uuid.UUID) ([]catalog.Product, error) {
	var out []catalog.Product
	for id := range m.favs[userID] {
		out = append(out, catalog.Product{ID: id})
	}
	return out, nil
}

func (m *memRepo) Check(_ context.Context, userID, productID uuid.UUID) (bool, error) {
	return m.favs[userID][productID], nil
}

func TestFavoritesRoundTrip(t *testing.T) {
	repo := newMemRepo()
	h := &Handler{Repo: repo}
	userID := uuid.New()
	productID := uuid.New()

	do := func(method, param string, fn http.HandlerFunc) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/favorites/x", nil)
		ctx := common.WithUserID(req.Context(), userID.String())
		routeCtx := chi.NewRouteContext()
		routeCtx.URLParams.Add("productID", param)
		ctx = context.WithValue(ctx, chi.RouteCtxKey, routeCtx)
		rec := httptest.NewRecorder()
		fn(rec, req.WithContext(ctx))
		return rec
	}

	require.Equal(t, http.StatusNoContent, do(http.MethodPut, productID.String(), h.Add).Code)
	require.True(t, repo.favs[userID][productID])

	rec := do(http.MethodGet, productID.String(), h.Check)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"favorite":true`)

	require.Equal(t, http.StatusNoContent, do(http.MethodDelete, productID.String(), h.Remove).Code)
	require.False(t, repo.favs[userID][productID])
}

func TestFavoritesRequireAuth(t *testing.T) {
	h := &Handler{Repo: newMemRepo()}
	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/favorites", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFavoritesRejectBadProductID(t *testing.T) {
	h := &Handler{Repo: newMemRepo()}
	req := httptest.NewRequest(http.MethodPut, "/favorites/not-a-uuid", nil)
	ctx := common.WithUserID(req.Context(), uuid.NewString())
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("productID", "not-a-uuid")
	ctx = context.WithValue(ctx, chi.RouteCtxKey, routeCtx)
	rec := httptest.NewRecorder()
	h.Add(rec, req.WithContext(ctx))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
