package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kamau-dev/backend-duka/internal/cache"
	"github.com/kamau-dev/backend-duka/internal/common"
	"github.com/kamau-dev/backend-duka/internal/obs"
	"github.com/kamau-dev/backend-duka/internal/pricing"
)

// Querier captures the catalog reads required by the service.
type Querier interface {
	Count(ctx context.Context, f Filter) (int64, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]Product, error)
	GetBySlug(ctx context.Context, slug string) (Product, error)
	ListRelated(ctx context.Context, category string, excludeSlug string, limit int) ([]Product, error)
}

// RuleSource supplies the effective discount rules for a product.
type RuleSource interface {
	Effective(ctx context.Context, productID uuid.UUID) ([]pricing.Rule, error)
}

// AppliedRule is the public shape of a rule that changed a price.
type AppliedRule struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Type  string `json:"type"`
}

// PriceQuote carries the engine outcome for one product at unit quantity.
type PriceQuote struct {
	BasePrice     int64         `json:"basePrice"`
	FinalPrice    int64         `json:"finalPrice"`
	DiscountTotal int64         `json:"discountTotal"`
	Adjustment    int64         `json:"adjustment"`
	Currency      string        `json:"currency"`
	AppliedRules  []AppliedRule `json:"appliedRules"`
}

// PricedProduct pairs a catalog entry with its evaluated price.
type PricedProduct struct {
	Product
	Pricing PriceQuote `json:"pricing"`
}

// ProductListResult contains list data and pagination metadata.
type ProductListResult struct {
	Items []PricedProduct
	Total int64
	Page  int
	Limit int
}

// ListParams captures filters for product listing.
type ListParams struct {
	Filter
	Page  int
	Limit int
}

// Service orchestrates catalog queries, price evaluation and caching.
type Service struct {
	queries      Querier
	rules        RuleSource
	cache        *cache.Cache
	currency     string
	relatedLimit int
	defaultPage  int
	defaultLimit int
	maxLimit     int
	now          func() time.Time
}

// ServiceConfig groups Service dependencies. Now overrides the clock used for
// rule windows; it defaults to time.Now.
type ServiceConfig struct {
	Queries      Querier
	Rules        RuleSource
	Cache        *cache.Cache
	Currency     string
	RelatedLimit int
	DefaultPage  int
	DefaultLimit int
	MaxLimit     int
	Now          func() time.Time
}

// NewService constructs a Service instance.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Queries == nil {
		return nil, errors.New("catalog: queries provider is required")
	}
	if cfg.Rules == nil {
		return nil, errors.New("catalog: rule source is required")
	}
	defaultPage := cfg.DefaultPage
	if defaultPage < 1 {
		defaultPage = 1
	}
	defaultLimit := cfg.DefaultLimit
	if defaultLimit < 1 {
		defaultLimit = 20
	}
	maxLimit := cfg.MaxLimit
	if maxLimit < 1 {
		maxLimit = 100
	}
	if defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}
	relatedLimit := cfg.RelatedLimit
	if relatedLimit < 1 {
		relatedLimit = 8
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "KES"
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		queries:      cfg.Queries,
		rules:        cfg.Rules,
		cache:        cfg.Cache,
		currency:     currency,
		relatedLimit: relatedLimit,
		defaultPage:  defaultPage,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		now:          now,
	}, nil
}

// ParseListParams normalises raw query values into strongly typed filters.
func (s *Service) ParseListParams(values url.Values) (ListParams, error) {
	params := ListParams{
		Page:  s.defaultPage,
		Limit: s.defaultLimit,
	}
	params.Query = strings.TrimSpace(values.Get("q"))
	params.Category = strings.TrimSpace(values.Get("category"))

	if v := strings.TrimSpace(values.Get("page")); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			return params, badRequest("page", "page must be a positive integer", err)
		}
		params.Page = page
	}

	limit := s.defaultLimit
	if v := strings.TrimSpace(values.Get("limit")); v != "" {
		l, err := strconv.Atoi(v)
		if err != nil || l < 1 {
			return params, badRequest("limit", "limit must be a positive integer", err)
		}
		limit = l
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}
	params.Limit = limit

	if v := strings.TrimSpace(values.Get("minPrice")); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return params, badRequest("minPrice", "minPrice must be a valid integer", err)
		}
		params.MinPrice = &parsed
	}
	if v := strings.TrimSpace(values.Get("maxPrice")); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return params, badRequest("maxPrice", "maxPrice must be a valid integer", err)
		}
		params.MaxPrice = &parsed
	}
	if params.MinPrice != nil && params.MaxPrice != nil && *params.MinPrice > *params.MaxPrice {
		return params, badRequest("price", "minPrice cannot be greater than maxPrice", fmt.Errorf("invalid price range"))
	}

	if v := strings.TrimSpace(values.Get("inStock")); v != "" {
		b, err := parseBool(v)
		if err != nil {
			return params, badRequest("inStock", "inStock must be true or false", err)
		}
		params.InStock = &b
	}

	params.Sort = normalizeSort(values.Get("sort"))
	return params, nil
}

// quote evaluates the effective rules for one product at unit quantity. All
// products in a request share the same clock and region snapshot so a listing
// is internally consistent.
func (s *Service) quote(ctx context.Context, p Product, now time.Time, region *string, surface string) (PriceQuote, error) {
	rules, err := s.rules.Effective(ctx, p.ID)
	if err != nil {
		return PriceQuote{}, fmt.Errorf("load rules for %s: %w", p.Slug, err)
	}
	started := time.Now()
	result := pricing.Evaluate(pricing.Context{
		BasePrice: p.Price,
		Qty:       1,
		Now:       now,
		Region:    region,
		Rules:     rules,
	})
	observeEval(surface, time.Since(started), result.Anomalies)

	quote := PriceQuote{
		BasePrice:     p.Price,
		FinalPrice:    result.FinalPrice,
		DiscountTotal: result.DiscountTotal,
		Adjustment:    result.Adjustment,
		Currency:      s.currency,
		AppliedRules:  make([]AppliedRule, 0, len(result.Applied)),
	}
	for _, rule := range result.Applied {
		quote.AppliedRules = append(quote.AppliedRules, AppliedRule{
			ID:    rule.ID.String(),
			Label: rule.Label,
			Type:  string(rule.Type),
		})
	}
	return quote, nil
}

func observeEval(surface string, elapsed time.Duration, anomalies []pricing.Anomaly) {
	if obs.PricingEvalTotal != nil {
		obs.PricingEvalTotal.WithLabelValues(surface).Inc()
	}
	if obs.PricingEvalDuration != nil {
		obs.PricingEvalDuration.Observe(float64(elapsed.Microseconds()))
	}
	if len(anomalies) > 0 {
		codes := make([]string, 0, len(anomalies))
		for _, a := range anomalies {
			codes = append(codes, a.Code)
		}
		obs.ObservePricingAnomalies(codes)
	}
}

func (s *Service) priceAll(ctx context.Context, products []Product, region *string, surface string) ([]PricedProduct, error) {
	now := s.now()
	out := make([]PricedProduct, 0, len(products))
	for _, p := range products {
		quote, err := s.quote(ctx, p, now, region, surface)
		if err != nil {
			return nil, err
		}
		out = append(out, PricedProduct{Product: p, Pricing: quote})
	}
	return out, nil
}

// ListProducts returns a filtered, priced product page.
func (s *Service) ListProducts(ctx context.Context, params ListParams) (ProductListResult, error) {
	region := regionFromContext(ctx)
	key, cacheable := s.listCacheKey(params, region)
	if cacheable {
		var cached cachedList
		if ok, err := s.cache.GetJSON(ctx, key, &cached); err == nil && ok {
			return ProductListResult{Items: cached.Items, Total: cached.Total, Page: params.Page, Limit: params.Limit}, nil
		}
	}

	total, err := s.queries.Count(ctx, params.Filter)
	if err != nil {
		return ProductListResult{}, err
	}
	offset := (params.Page - 1) * params.Limit
	if offset < 0 {
		offset = 0
	}
	products, err := s.queries.List(ctx, params.Filter, params.Limit, offset)
	if err != nil {
		return ProductListResult{}, err
	}
	items, err := s.priceAll(ctx, products, region, "catalog_list")
	if err != nil {
		return ProductListResult{}, err
	}
	if cacheable {
		_ = s.cache.SetJSON(ctx, key, cachedList{Items: items, Total: total})
	}
	return ProductListResult{Items: items, Total: total, Page: params.Page, Limit: params.Limit}, nil
}

// GetProductDetail returns one priced product by slug.
func (s *Service) GetProductDetail(ctx context.Context, slug string) (PricedProduct, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return PricedProduct{}, badRequest("slug", "slug is required", nil)
	}
	region := regionFromContext(ctx)
	key := detailCacheKey(slug, region)
	var cached PricedProduct
	if ok, err := s.cache.GetJSON(ctx, key, &cached); err == nil && ok {
		return cached, nil
	}

	product, err := s.queries.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return PricedProduct{}, &common.AppError{Code: "NOT_FOUND", Message: "product not found", HTTPStatus: http.StatusNotFound, Err: err}
		}
		return PricedProduct{}, err
	}
	quote, err := s.quote(ctx, product, s.now(), region, "catalog_detail")
	if err != nil {
		return PricedProduct{}, err
	}
	detail := PricedProduct{Product: product, Pricing: quote}
	_ = s.cache.SetJSON(ctx, key, detail)
	return detail, nil
}

// ListRelatedProducts fetches priced products from the same category.
func (s *Service) ListRelatedProducts(ctx context.Context, slug string) ([]PricedProduct, error) {
	product, err := s.queries.GetBySlug(ctx, strings.TrimSpace(slug))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &common.AppError{Code: "NOT_FOUND", Message: "product not found", HTTPStatus: http.StatusNotFound, Err: err}
		}
		return nil, err
	}
	if product.Category == nil || strings.TrimSpace(*product.Category) == "" {
		return []PricedProduct{}, nil
	}
	related, err := s.queries.ListRelated(ctx, *product.Category, product.Slug, s.relatedLimit)
	if err != nil {
		return nil, err
	}
	return s.priceAll(ctx, related, regionFromContext(ctx), "catalog_related")
}

func regionFromContext(ctx context.Context) *string {
	region, ok := common.Region(ctx)
	if !ok || strings.TrimSpace(region) == "" {
		return nil
	}
	return &region
}

type cachedList struct {
	Items []PricedProduct `json:"items"`
	Total int64           `json:"total"`
}

// listCacheKey caches only the default unfiltered first page, segmented by
// region because location rules change the quoted prices.
func (s *Service) listCacheKey(params ListParams, region *string) (string, bool) {
	if params.Page != s.defaultPage || params.Limit != s.defaultLimit {
		return "", false
	}
	if params.Query != "" || params.Category != "" || params.MinPrice != nil || params.MaxPrice != nil || params.InStock != nil || params.Sort != "" {
		return "", false
	}
	return "catalog:products:list:popular:" + regionSegment(region), true
}

func detailCacheKey(slug string, region *string) string {
	return "catalog:products:detail:" + slug + ":" + regionSegment(region)
}

func regionSegment(region *string) string {
	if region == nil {
		return "none"
	}
	return strings.ToUpper(strings.TrimSpace(*region))
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "y":
		return true, nil
	case "false", "0", "no", "n":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean: %s", value)
	}
}

func normalizeSort(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "price:asc", "price:desc", "title:asc", "title:desc":
		return s
	default:
		return ""
	}
}

func badRequest(field, message string, err error) *common.AppError {
	return &common.AppError{
		Code:       "BAD_REQUEST",
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
		Err:        err,
		Details: map[string]any{
			"field": field,
		},
	}
}
