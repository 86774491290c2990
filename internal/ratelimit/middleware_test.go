package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareEnforcesLimit(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	handler := Handler{
		Limiter: Limiter{Client: client, Prefix: "ratelimit:"},
		Config: Config{
			Key:    func(*http.Request) string { return "static" },
			Window: time.Second,
			Max:    1,
		},
	}

	wrapped := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)

	first := httptest.NewRecorder()
	wrapped.ServeHTTP(first, req.Clone(req.Context()))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	wrapped.ServeHTTP(second, req.Clone(req.Context()))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.Equal(t, "1", second.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, second.Header().Get("Retry-After"))
}

func TestMiddlewareFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer func() { _ = client.Close() }()

	var limiterErr error
	handler := Handler{
		Limiter: Limiter{Client: client, Prefix: "ratelimit:"},
		Config: Config{
			Key:    func(*http.Request) string { return "err" },
			Window: time.Second,
			Max:    1,
		},
		OnError: func(err error) { limiterErr = err },
	}

	wrapped := handler.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test", nil))
	require.Equal(t, http.StatusOK, rr.Code, "limiter outage must not block traffic")
	require.Error(t, limiterErr)
}
