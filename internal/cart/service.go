package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kamau-dev/backend-duka/internal/catalog"
	"github.com/kamau-dev/backend-duka/internal/obs"
	"github.com/kamau-dev/backend-duka/internal/pricing"
)

// Storage captures the cart persistence methods required by the service.
type Storage interface {
	Get(ctx context.Context, owner string) (Cart, error)
	Save(ctx context.Context, owner string, c Cart) error
	Delete(ctx context.Context, owner string) error
}

// ProductGetter loads catalog entries for cart lines.
type ProductGetter interface {
	GetByID(ctx context.Context, id uuid.UUID) (catalog.Product, error)
}

// RuleSource supplies the effective discount rules for a product.
type RuleSource interface {
	Effective(ctx context.Context, productID uuid.UUID) ([]pricing.Rule, error)
}

// QuotedLine is a cart line with its evaluated price. Unit prices come out of
// the engine; line amounts are the unit amounts times quantity.
type QuotedLine struct {
	Line
	UnitFinal    int64                 `json:"unitFinal"`
	LineSubtotal int64                 `json:"lineSubtotal"`
	LineTotal    int64                 `json:"lineTotal"`
	Discount     int64                 `json:"discount"`
	Adjustment   int64                 `json:"adjustment"`
	AppliedRules []catalog.AppliedRule `json:"appliedRules"`
}

// Totals aggregates the quoted cart.
type Totals struct {
	Subtotal   int64  `json:"subtotal"`
	Discount   int64  `json:"discount"`
	Adjustment int64  `json:"adjustment"`
	Total      int64  `json:"total"`
	Currency   string `json:"currency"`
}

// Quote is the priced view of a cart.
type Quote struct {
	Owner  string       `json:"-"`
	Lines  []QuotedLine `json:"lines"`
	Totals Totals       `json:"totals"`
}

// Service owns cart mutation and quoting.
type Service struct {
	Store    Storage
	Products ProductGetter
	Rules    RuleSource
	Currency string
	Now      func() time.Time
	MaxQty   int
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) maxQty() int {
	if s == nil || s.MaxQty <= 0 {
		return 999
	}
	return s.MaxQty
}

func (s *Service) currency() string {
	if s == nil || strings.TrimSpace(s.Currency) == "" {
		return "KES"
	}
	return s.Currency
}

func (s *Service) loadOrEmpty(ctx context.Context, owner string) (Cart, error) {
	c, err := s.Store.Get(ctx, owner)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Cart{Owner: owner}, nil
		}
		return Cart{}, err
	}
	return c, nil
}

// AddItem inserts or increments a cart line.
func (s *Service) AddItem(ctx context.Context, owner string, productID uuid.UUID, qty int) (Cart, error) {
	if qty < 1 {
		return Cart{}, fmt.Errorf("qty must be positive: %w", ErrInvalidInput)
	}
	product, err := s.Products.GetByID(ctx, productID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return Cart{}, fmt.Errorf("unknown product: %w", ErrInvalidInput)
		}
		return Cart{}, err
	}
	if product.Stock <= 0 {
		return Cart{}, fmt.Errorf("product out of stock: %w", ErrInvalidInput)
	}
	c, err := s.loadOrEmpty(ctx, owner)
	if err != nil {
		return Cart{}, err
	}
	found := false
	for i := range c.Lines {
		if c.Lines[i].ProductID == productID {
			c.Lines[i].Qty += qty
			if c.Lines[i].Qty > s.maxQty() {
				c.Lines[i].Qty = s.maxQty()
			}
			c.Lines[i].UnitPrice = product.Price
			found = true
			break
		}
	}
	if !found {
		if qty > s.maxQty() {
			qty = s.maxQty()
		}
		c.Lines = append(c.Lines, Line{
			ProductID: product.ID,
			Slug:      product.Slug,
			Title:     product.Title,
			Qty:       qty,
			UnitPrice: product.Price,
		})
	}
	c.UpdatedAt = s.now()
	if err := s.Store.Save(ctx, owner, c); err != nil {
		return Cart{}, err
	}
	return c, nil
}

// UpdateQty sets the quantity of an existing line.
func (s *Service) UpdateQty(ctx context.Context, owner string, productID uuid.UUID, qty int) (Cart, error) {
	if qty < 1 {
		return Cart{}, fmt.Errorf("qty must be positive: %w", ErrInvalidInput)
	}
	if qty > s.maxQty() {
		qty = s.maxQty()
	}
	c, err := s.Store.Get(ctx, owner)
	if err != nil {
		return Cart{}, err
	}
	for i := range c.Lines {
		if c.Lines[i].ProductID == productID {
			c.Lines[i].Qty = qty
			c.UpdatedAt = s.now()
			if err := s.Store.Save(ctx, owner, c); err != nil {
				return Cart{}, err
			}
			return c, nil
		}
	}
	return Cart{}, ErrNotFound
}

// RemoveItem deletes a line from the cart.
func (s *Service) RemoveItem(ctx context.Context, owner string, productID uuid.UUID) (Cart, error) {
	c, err := s.Store.Get(ctx, owner)
	if err != nil {
		return Cart{}, err
	}
	kept := c.Lines[:0]
	removed := false
	for _, line := range c.Lines {
		if line.ProductID == productID {
			removed = true
			continue
		}
		kept = append(kept, line)
	}
	if !removed {
		return Cart{}, ErrNotFound
	}
	c.Lines = kept
	c.UpdatedAt = s.now()
	if len(c.Lines) == 0 {
		if err := s.Store.Delete(ctx, owner); err != nil {
			return Cart{}, err
		}
		return c, nil
	}
	if err := s.Store.Save(ctx, owner, c); err != nil {
		return Cart{}, err
	}
	return c, nil
}

// Merge folds a guest cart into the user's cart, keeping the larger quantity
// for duplicated products, and removes the guest cart.
func (s *Service) Merge(ctx context.Context, guestOwner, userOwner string) (Cart, error) {
	guest, err := s.Store.Get(ctx, guestOwner)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.loadOrEmpty(ctx, userOwner)
		}
		return Cart{}, err
	}
	target, err := s.loadOrEmpty(ctx, userOwner)
	if err != nil {
		return Cart{}, err
	}
	for _, line := range guest.Lines {
		merged := false
		for i := range target.Lines {
			if target.Lines[i].ProductID == line.ProductID {
				if line.Qty > target.Lines[i].Qty {
					target.Lines[i].Qty = line.Qty
				}
				merged = true
				break
			}
		}
		if !merged {
			target.Lines = append(target.Lines, line)
		}
	}
	target.UpdatedAt = s.now()
	if err := s.Store.Save(ctx, userOwner, target); err != nil {
		return Cart{}, err
	}
	_ = s.Store.Delete(ctx, guestOwner)
	return target, nil
}

// Clear removes the owner's cart entirely.
func (s *Service) Clear(ctx context.Context, owner string) error {
	return s.Store.Delete(ctx, owner)
}

// QuoteCart re-prices every line through the rule engine using current base
// prices and the given region. All lines share one clock snapshot so the
// quote is internally consistent.
func (s *Service) QuoteCart(ctx context.Context, owner string, region *string) (Quote, error) {
	c, err := s.loadOrEmpty(ctx, owner)
	if err != nil {
		return Quote{}, err
	}
	return s.quote(ctx, c, region)
}

func (s *Service) quote(ctx context.Context, c Cart, region *string) (Quote, error) {
	now := s.now()
	q := Quote{Owner: c.Owner, Lines: make([]QuotedLine, 0, len(c.Lines))}
	q.Totals.Currency = s.currency()
	for _, line := range c.Lines {
		product, err := s.Products.GetByID(ctx, line.ProductID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				// Product removed from the catalog since the line was added.
				continue
			}
			return Quote{}, err
		}
		rules, err := s.Rules.Effective(ctx, line.ProductID)
		if err != nil {
			return Quote{}, err
		}
		started := time.Now()
		result := pricing.Evaluate(pricing.Context{
			BasePrice: product.Price,
			Qty:       line.Qty,
			Now:       now,
			Region:    region,
			Rules:     rules,
		})
		observeQuote(time.Since(started), result.Anomalies)

		line.UnitPrice = product.Price
		line.Title = product.Title
		line.Slug = product.Slug
		qty := int64(line.Qty)
		quoted := QuotedLine{
			Line:         line,
			UnitFinal:    result.FinalPrice,
			LineSubtotal: product.Price * qty,
			LineTotal:    result.FinalPrice * qty,
			Discount:     result.DiscountTotal * qty,
			Adjustment:   result.Adjustment * qty,
			AppliedRules: make([]catalog.AppliedRule, 0, len(result.Applied)),
		}
		for _, rule := range result.Applied {
			quoted.AppliedRules = append(quoted.AppliedRules, catalog.AppliedRule{
				ID:    rule.ID.String(),
				Label: rule.Label,
				Type:  string(rule.Type),
			})
		}
		q.Lines = append(q.Lines, quoted)
		q.Totals.Subtotal += quoted.LineSubtotal
		q.Totals.Discount += quoted.Discount
		q.Totals.Adjustment += quoted.Adjustment
		q.Totals.Total += quoted.LineTotal
	}
	return q, nil
}

func observeQuote(elapsed time.Duration, anomalies []pricing.Anomaly) {
	if obs.PricingEvalTotal != nil {
		obs.PricingEvalTotal.WithLabelValues("cart_quote").Inc()
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
