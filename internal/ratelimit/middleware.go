package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Config picks the limit key for a request and sets the window thresholds.
// A nil Key disables limiting for the route.
type Config struct {
	Key    func(*http.Request) string
	Window time.Duration
	Max    int
}

// Handler wraps routes with sliding-window enforcement. Limiter failures are
// reported through OnError and the request is let through; the limiter must
// never take the route down with it.
type Handler struct {
	Limiter Limiter
	Config  Config
	OnError func(error)
}

// Middleware returns the enforcing http.Handler wrapper.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Config.Key == nil {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, resetAt, err := h.Limiter.Allow(r.Context(), h.Config.Key(r), h.Config.Window, h.Config.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		h.writeQuota(w, remaining, resetAt)
		if !allowed {
			secs := int(time.Until(resetAt).Seconds())
			if secs < 0 {
				secs = 0
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h Handler) writeQuota(w http.ResponseWriter, remaining int, resetAt time.Time) {
	limit := h.Config.Max
	if limit < 0 {
		limit = 0
	}
	hdr := w.Header()
	hdr.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	hdr.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	hdr.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}
