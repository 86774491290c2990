package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisReplayProtector guards webhook deliveries against concurrent or
// repeated sends using SetNX. The zero value, with no client, admits
// everything.
type RedisReplayProtector struct {
	Client *redis.Client
}

// Acquire claims key for ttl. False means another delivery already holds it.
func (r RedisReplayProtector) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if r.Client == nil {
		return true, nil
	}
	return r.Client.SetNX(ctx, key, "1", ttl).Result()
}

// Release drops the claim so a retry can proceed immediately.
func (r RedisReplayProtector) Release(ctx context.Context, key string) error {
	if r.Client == nil {
		return nil
	}
	return r.Client.Del(ctx, key).Err()
}
