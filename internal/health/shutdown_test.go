package health_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kamau-dev/backend-duka/internal/health"
)

type noopChecker struct{}

func (noopChecker) PingDB(context.Context, time.Duration) error    { return nil }
func (noopChecker) PingRedis(context.Context, time.Duration) error { return nil }

func TestReadinessGateFlipsOnShutdown(t *testing.T) {
	handler := health.Handler{Checker: noopChecker{}}
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)

	health.SetReady(true)
	// restore for the other tests in this package
	t.Cleanup(func() { health.SetReady(true) })

	before := httptest.NewRecorder()
	handler.Ready(before, req)
	require.Equal(t, http.StatusOK, before.Code)

	health.SetReady(false)
	after := httptest.NewRecorder()
	handler.Ready(after, req)
	require.Equal(t, http.StatusServiceUnavailable, after.Code)
}
