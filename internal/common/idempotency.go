package common

import (
	"context"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Idem deduplicates write requests carrying an Idempotency-Key header. The
// first request claims the key in Redis; replays inside the TTL get a 409.
// Requests without the header pass through untouched.
type Idem struct {
	R   *redis.Client
	TTL time.Duration
}

func idemRedisKey(header string) string {
	return "idem:" + Sha256Hex(header)
}

// Middleware returns the enforcing wrapper.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Idempotency-Key")
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := idemRedisKey(header)
		claimed, err := i.R.SetNX(r.Context(), key, "locked", i.TTL).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, "INTERNAL", "idempotency store error", map[string]any{"error": err.Error()})
			return
		}
		if !claimed {
			JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
			return
		}

		defer func() {
			// Re-arm the expiry so the key outlives a panicking handler.
			_ = i.R.Expire(context.Background(), key, i.TTL).Err()
		}()
		next.ServeHTTP(w, r)
	})
}
