package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// ready gates the readiness probe. It starts true and flips to false when
// shutdown begins so the load balancer drains the instance before the
// listener closes.
var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady toggles the readiness gate.
func SetReady(v bool) { ready.Store(v) }

// Checker probes the process's hard dependencies.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// Handler serves the liveness and readiness endpoints.
type Handler struct {
	Checker      Checker
	DBTimeout    time.Duration
	RedisTimeout time.Duration
}

// Live always answers ok while the process can serve requests at all.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready answers 200 only when the shutdown gate is open and every dependency
// probe passes; the body reports each probe's result either way.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !ready.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.Checker == nil {
		http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
		return
	}

	status := map[string]string{
		"db":    probeStatus(h.Checker.PingDB(r.Context(), h.timeout(h.DBTimeout, 500*time.Millisecond))),
		"redis": probeStatus(h.Checker.PingRedis(r.Context(), h.timeout(h.RedisTimeout, 300*time.Millisecond))),
	}

	code := http.StatusOK
	for _, s := range status {
		if s != "ok" {
			code = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func (Handler) timeout(configured, fallback time.Duration) time.Duration {
	if configured <= 0 {
		return fallback
	}
	return configured
}

func probeStatus(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
