package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Limiter is a sliding-window counter on top of a Redis sorted set. Each
// request is a member scored by its arrival time; members older than the
// window are pruned before counting.
type Limiter struct {
	Client *redis.Client
	Prefix string
}

// Allow records one request under key and reports whether the window still
// has capacity. A nil client or non-positive limit disables enforcement.
func (l Limiter) Allow(ctx context.Context, key string, window time.Duration, max int) (allowed bool, remaining int, reset time.Time, err error) {
	if l.Client == nil || max <= 0 || window <= 0 {
		return true, max, time.Now().Add(window), nil
	}

	now := time.Now()
	reset = now.Add(window)

	bucket := l.Prefix + key
	cutoff := strconv.FormatFloat(float64(now.Add(-window).UnixNano()), 'f', -1, 64)

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, bucket, "-inf", cutoff)
	pipe.ZAdd(ctx, bucket, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: key + ":" + uuid.NewString(),
	})
	inWindow := pipe.ZCard(ctx, bucket)
	pipe.Expire(ctx, bucket, window)
	if _, err = pipe.Exec(ctx); err != nil {
		return false, 0, reset, err
	}

	seen := int(inWindow.Val())
	if remaining = max - seen; remaining < 0 {
		remaining = 0
	}
	return seen <= max, remaining, reset, nil
}
