package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/kamau-dev/backend-duka/internal/cache"
)

// Querier defines the database access required for analytics.
type Querier interface {
	SalesDaily(ctx context.Context, from, to time.Time) ([]DailySales, error)
	TopProducts(ctx context.Context, limit, offset int) ([]TopProduct, error)
	RuleUsage(ctx context.Context, limit int) ([]RuleUsage, error)
}

// Service serves cached analytics. Aggregates are expensive and tolerate
// staleness, so every read goes through the shared cache first.
type Service struct {
	Q            Querier
	Cache        *cache.Cache
	DefaultRange int
	Now          func() time.Time
}

func (s *Service) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RangeOrDefault fills missing bounds: a zero `to` means now, a zero `from`
// means DefaultRange days back (7 when unset).
func (s *Service) RangeOrDefault(from, to time.Time) (time.Time, time.Time) {
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		days := s.DefaultRange
		if days <= 0 {
			days = 7
		}
		from = to.AddDate(0, 0, -days)
	}
	return from, to
}

// SalesRange returns daily sales between from (inclusive) and to (exclusive).
func (s *Service) SalesRange(ctx context.Context, from, to time.Time) ([]DailySales, error) {
	if s == nil || s.Q == nil {
		return nil, fmt.Errorf("analytics service not configured")
	}
	from, to = s.RangeOrDefault(from, to)
	key := fmt.Sprintf("analytics:sales:%s:%s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	var rows []DailySales
	if ok, _ := s.Cache.GetJSON(ctx, key, &rows); ok {
		return rows, nil
	}
	rows, err := s.Q.SalesDaily(ctx, from, to)
	if err != nil {
		return nil, err
	}
	_ = s.Cache.SetJSON(ctx, key, rows)
	return rows, nil
}

// TopProducts returns best sellers ordered by units sold.
func (s *Service) TopProducts(ctx context.Context, limit, offset int) ([]TopProduct, error) {
	if s == nil || s.Q == nil {
		return nil, fmt.Errorf("analytics service not configured")
	}
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	key := fmt.Sprintf("analytics:top:%d:%d", limit, offset)
	var rows []TopProduct
	if ok, _ := s.Cache.GetJSON(ctx, key, &rows); ok {
		return rows, nil
	}
	rows, err := s.Q.TopProducts(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	_ = s.Cache.SetJSON(ctx, key, rows)
	return rows, nil
}

// RuleUsage returns the most frequently applied discount rules.
func (s *Service) RuleUsage(ctx context.Context, limit int) ([]RuleUsage, error) {
	if s == nil || s.Q == nil {
		return nil, fmt.Errorf("analytics service not configured")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	key := fmt.Sprintf("analytics:rules:%d", limit)
	var rows []RuleUsage
	if ok, _ := s.Cache.GetJSON(ctx, key, &rows); ok {
		return rows, nil
	}
	rows, err := s.Q.RuleUsage(ctx, limit)
	if err != nil {
		return nil, err
	}
	_ = s.Cache.SetJSON(ctx, key, rows)
	return rows, nil
}
