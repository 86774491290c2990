package catalog_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kamau-dev/backend-duka/internal/catalog"
	"github.com/kamau-dev/backend-duka/internal/common"
	"github.com/kamau-dev/backend-duka/internal/pricing"
)

type productsResponse struct {
	Data       []catalog.PricedProduct `json:"data"`
	Pagination struct {
		Page       int `json:"page"`
		PerPage    int `json:"per_page"`
		TotalItems int `json:"total_items"`
	} `json:"pagination"`
}

type productDetailResponse struct {
	Data catalog.PricedProduct `json:"data"`
}

type relatedResponse struct {
	Data []catalog.PricedProduct `json:"data"`
}

type fakeCatalogStore struct {
	products []catalog.Product
}

func (f *fakeCatalogStore) matches(p catalog.Product, filter catalog.Filter) bool {
	if filter.Query != "" && !strings.Contains(strings.ToLower(p.Title), strings.ToLower(filter.Query)) {
		return false
	}
	if filter.Category != "" {
		if p.Category == nil || !strings.EqualFold(*p.Category, filter.Category) {
			return false
		}
	}
	if filter.MinPrice != nil && p.Price < *filter.MinPrice {
		return false
	}
	if filter.MaxPrice != nil && p.Price > *filter.MaxPrice {
		return false
	}
	if filter.InStock != nil && *filter.InStock != (p.Stock > 0) {
		return false
	}
	return true
}

func (f *fakeCatalogStore) Count(ctx context.Context, filter catalog.Filter) (int64, error) {
	var total int64
	for _, p := range f.products {
		if f.matches(p, filter) {
			total++
		}
	}
	return total, nil
}

func (f *fakeCatalogStore) List(ctx context.Context, filter catalog.Filter, limit, offset int) ([]catalog.Product, error) {
	var filtered []catalog.Product
	for _, p := range f.products {
		if f.matches(p, filter) {
			filtered = append(filtered, p)
		}
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end], nil
}

func (f *fakeCatalogStore) GetBySlug(ctx context.Context, slug string) (catalog.Product, error) {
	for _, p := range f.products {
		if p.Slug == slug {
			return p, nil
		}
	}
	return catalog.Product{}, catalog.ErrNotFound
}

func (f *fakeCatalogStore) ListRelated(ctx context.Context, category string, excludeSlug string, limit int) ([]catalog.Product, error) {
	var out []catalog.Product
	for _, p := range f.products {
		if p.Slug == excludeSlug || p.Category == nil || !strings.EqualFold(*p.Category, category) {
			continue
		}
		out = append(out, p)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeRuleSource struct {
	rules map[uuid.UUID][]pricing.Rule
}

func (f *fakeRuleSource) Effective(ctx context.Context, productID uuid.UUID) ([]pricing.Rule, error) {
	return f.rules[productID], nil
}

func strPtr(s string) *string { return &s }

func newTestHandler(t *testing.T) (*catalog.Handler, catalog.Product) {
	t.Helper()
	shoes := catalog.Product{
		ID:       uuid.New(),
		Slug:     "canvas-sneakers",
		Title:    "Canvas Sneakers",
		Category: strPtr("footwear"),
		Price:    10_000,
		Stock:    12,
	}
	boots := catalog.Product{
		ID:       uuid.New(),
		Slug:     "leather-boots",
		Title:    "Leather Boots",
		Category: strPtr("footwear"),
		Price:    25_000,
		Stock:    3,
	}
	source := &fakeRuleSource{rules: map[uuid.UUID][]pricing.Rule{
		shoes.ID: {
			{ID: uuid.New(), Label: "Flash Sale", Type: pricing.TypeSale, Mode: pricing.ModePercent, Value: 1000, Enabled: true},
			{ID: uuid.New(), Label: "KE Levy", Type: pricing.TypeLocation, Mode: pricing.ModePercent, Value: 2000, Regions: []string{"KE"}, Enabled: true},
		},
	}}
	svc, err := catalog.NewService(catalog.ServiceConfig{
		Queries:      &fakeCatalogStore{products: []catalog.Product{shoes, boots}},
		Rules:        source,
		Currency:     "KES",
		DefaultPage:  1,
		DefaultLimit: 20,
		MaxLimit:     100,
	})
	require.NoError(t, err)
	return catalog.NewHandler(catalog.HandlerConfig{Service: svc}), shoes
}

func TestProductsListPricesEachItem(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.Products(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "2", rec.Header().Get("X-Total-Count"))

	var resp productsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	require.Equal(t, "Canvas Sneakers", resp.Data[0].Title)
	require.Equal(t, int64(10_000), resp.Data[0].Pricing.BasePrice)
	require.Equal(t, int64(9_000), resp.Data[0].Pricing.FinalPrice)
	require.Equal(t, int64(1_000), resp.Data[0].Pricing.DiscountTotal)
	require.Equal(t, 2, resp.Pagination.TotalItems)
}

func TestProductDetailAppliesRegionRules(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products/canvas-sneakers", nil)
	req = req.WithContext(common.WithRegion(req.Context(), "KE"))
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("slug", "canvas-sneakers")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
	rec := httptest.NewRecorder()
	handler.ProductDetail(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp productDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(10_000), resp.Data.Pricing.BasePrice)
	// 10% sale then a 20% regional surcharge on the discounted price.
	require.Equal(t, int64(10_800), resp.Data.Pricing.FinalPrice)
	require.Equal(t, int64(1_800), resp.Data.Pricing.Adjustment)
	require.Len(t, resp.Data.Pricing.AppliedRules, 2)
	require.Equal(t, "KES", resp.Data.Pricing.Currency)
}

func TestProductDetailWithoutRegionSkipsLocationRules(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products/canvas-sneakers", nil)
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("slug", "canvas-sneakers")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
	rec := httptest.NewRecorder()
	handler.ProductDetail(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp productDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(9_000), resp.Data.Pricing.FinalPrice)
	require.Equal(t, int64(0), resp.Data.Pricing.Adjustment)
	require.Len(t, resp.Data.Pricing.AppliedRules, 1)
}

func TestProductDetailNotFound(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products/missing", nil)
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("slug", "missing")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
	rec := httptest.NewRecorder()
	handler.ProductDetail(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRelatedProductsShareCategory(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products/canvas-sneakers/related", nil)
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("slug", "canvas-sneakers")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))
	rec := httptest.NewRecorder()
	handler.Related(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp relatedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	require.Equal(t, "Leather Boots", resp.Data[0].Title)
	require.Equal(t, resp.Data[0].Price, resp.Data[0].Pricing.FinalPrice)
}

func TestSaleWindowFollowsInjectedClock(t *testing.T) {
	scarf := catalog.Product{
		ID:    uuid.New(),
		Slug:  "wool-scarf",
		Title: "Wool Scarf",
		Price: 5_000,
		Stock: 5,
	}
	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(48 * time.Hour)
	source := &fakeRuleSource{rules: map[uuid.UUID][]pricing.Rule{
		scarf.ID: {
			{ID: uuid.New(), Label: "March Sale", Type: pricing.TypeSale, Mode: pricing.ModePercent, Value: 2000, StartsAt: &start, EndsAt: &end, Enabled: true},
		},
	}}
	newService := func(now time.Time) *catalog.Service {
		svc, err := catalog.NewService(catalog.ServiceConfig{
			Queries: &fakeCatalogStore{products: []catalog.Product{scarf}},
			Rules:   source,
			Now:     func() time.Time { return now },
		})
		require.NoError(t, err)
		return svc
	}

	during, err := newService(start.Add(time.Hour)).GetProductDetail(context.Background(), "wool-scarf")
	require.NoError(t, err)
	require.Equal(t, int64(4_000), during.Pricing.FinalPrice)
	require.Equal(t, int64(1_000), during.Pricing.DiscountTotal)

	after, err := newService(end.Add(time.Hour)).GetProductDetail(context.Background(), "wool-scarf")
	require.NoError(t, err)
	require.Equal(t, int64(5_000), after.Pricing.FinalPrice)
	require.Empty(t, after.Pricing.AppliedRules)
}

func TestProductsRejectsInvalidPriceRange(t *testing.T) {
	handler, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products?minPrice=500&maxPrice=100", nil)
	rec := httptest.NewRecorder()
	handler.Products(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
