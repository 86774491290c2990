package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DailySales is one day of settled order totals.
type DailySales struct {
	Day        time.Time `json:"day"`
	Orders     int64     `json:"orders"`
	Subtotal   int64     `json:"subtotal"`
	Discount   int64     `json:"discount"`
	Adjustment int64     `json:"adjustment"`
	Total      int64     `json:"total"`
}

// TopProduct is a product ranked by units sold in settled orders.
type TopProduct struct {
	ProductID uuid.UUID `json:"productId"`
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	QtySold   int64     `json:"qtySold"`
	Revenue   int64     `json:"revenue"`
}

// RuleUsage counts how often a discount rule appeared on settled order lines.
type RuleUsage struct {
	RuleID string `json:"ruleId"`
	Label  string `json:"label"`
	Type   string `json:"type"`
	Lines  int64  `json:"lines"`
}

// Store runs the aggregate queries behind the admin analytics endpoints.
// Only PAID and FULFILLED orders count as settled revenue.
type Store struct {
	Pool *pgxpool.Pool
}

const settledStatuses = `('PAID', 'FULFILLED')`

// SalesDaily returns per-day totals between from (inclusive) and to (exclusive).
func (s *Store) SalesDaily(ctx context.Context, from, to time.Time) ([]DailySales, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT date_trunc('day', created_at) AS day,
		       count(*),
		       COALESCE(sum(subtotal), 0),
		       COALESCE(sum(discount), 0),
		       COALESCE(sum(adjustment), 0),
		       COALESCE(sum(total), 0)
		FROM orders
		WHERE status IN `+settledStatuses+`
		  AND created_at >= $1 AND created_at < $2
		GROUP BY day
		ORDER BY day`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("sales daily: %w", err)
	}
	defer rows.Close()
	var out []DailySales
	for rows.Next() {
		var d DailySales
		if err := rows.Scan(&d.Day, &d.Orders, &d.Subtotal, &d.Discount, &d.Adjustment, &d.Total); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TopProducts ranks products by units sold.
func (s *Store) TopProducts(ctx context.Context, limit, offset int) ([]TopProduct, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT oi.product_id::text, oi.slug, oi.title,
		       COALESCE(sum(oi.qty), 0),
		       COALESCE(sum(oi.line_total), 0)
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id AND o.status IN `+settledStatuses+`
		GROUP BY oi.product_id, oi.slug, oi.title
		ORDER BY 4 DESC, oi.slug
		LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("top products: %w", err)
	}
	defer rows.Close()
	var out []TopProduct
	for rows.Next() {
		var (
			p  TopProduct
			id string
		)
		if err := rows.Scan(&id, &p.Slug, &p.Title, &p.QtySold, &p.Revenue); err != nil {
			return nil, err
		}
		if p.ProductID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse top product id: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RuleUsage unnests the frozen applied-rule snapshots on settled order lines
// so admins can see which discount rules actually fire.
func (s *Store) RuleUsage(ctx context.Context, limit int) ([]RuleUsage, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT ar->>'id', ar->>'label', ar->>'type', count(*)
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id AND o.status IN `+settledStatuses+`
		CROSS JOIN LATERAL jsonb_array_elements(oi.applied_rules) AS ar
		GROUP BY 1, 2, 3
		ORDER BY 4 DESC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("rule usage: %w", err)
	}
	defer rows.Close()
	var out []RuleUsage
	for rows.Next() {
		var u RuleUsage
		if err := rows.Scan(&u.RuleID, &u.Label, &u.Type, &u.Lines); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
