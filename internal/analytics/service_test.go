package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kamau-dev/backend-duka/internal/cache"
)

type countingQuerier struct {
	sales int
	top   int
	rules int
}

func (c *countingQuerier) SalesDaily(_ context.Context, _, _ time.Time) ([]DailySales, error) {
	c.sales++
	return []DailySales{{Orders: 3, Total: 9000, Discount: 1000}}, nil
}

func (c *countingQuerier) TopProducts(_ context.Context, _, _ int) ([]TopProduct, error) {
	c.top++
	return []TopProduct{{Slug: "kettle", QtySold: 12}}, nil
}

func (c *countingQuerier) RuleUsage(_ context.Context, _ int) ([]RuleUsage, error) {
	c.rules++
	return []RuleUsage{{RuleID: "r1", Label: "August sale", Type: "sale", Lines: 40}}, nil
}

func testService(t *testing.T) (*Service, *countingQuerier) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := &countingQuerier{}
	return &Service{Q: q, Cache: cache.New(client, time.Minute)}, q
}

func TestSalesRangeCachesByDay(t *testing.T) {
	svc, q := testService(t)
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	first, err := svc.SalesRange(context.Background(), from, to)
	require.NoError(t, err)
	second, err := svc.SalesRange(context.Background(), from, to)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, q.sales, "second read served from cache")
}

func TestRangeOrDefaultFillsBounds(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	svc := &Service{DefaultRange: 30, Now: func() time.Time { return now }}

	from, to := svc.RangeOrDefault(time.Time{}, time.Time{})
	require.Equal(t, now, to)
	require.Equal(t, now.AddDate(0, 0, -30), from)
}

func TestTopProductsAndRuleUsageCache(t *testing.T) {
	svc, q := testService(t)

	for i := 0; i < 3; i++ {
		_, err := svc.TopProducts(context.Background(), 10, 0)
		require.NoError(t, err)
		_, err = svc.RuleUsage(context.Background(), 20)
		require.NoError(t, err)
	}
	require.Equal(t, 1, q.top)
	require.Equal(t, 1, q.rules)
}

func TestServiceWorksWithoutCache(t *testing.T) {
	q := &countingQuerier{}
	svc := &Service{Q: q}
	_, err := svc.RuleUsage(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, 1, q.rules)
}
