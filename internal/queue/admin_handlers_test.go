package queue_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/kamau-dev/backend-duka/internal/queue"
)

func parkedEntry(t *testing.T, store *memoryStore, kind, key string) queue.DLQEntry {
	t.Helper()
	raw, err := json.Marshal(struct {
		Kind        string `json:"kind"`
		Key         string `json:"key"`
		Payload     []byte `json:"payload"`
		Attempt     int    `json:"attempt"`
		MaxAttempts int    `json:"max_attempts"`
		AvailableAt int64  `json:"available_at"`
	}{
		Kind:        kind,
		Key:         key,
		Payload:     []byte("payload"),
		Attempt:     2,
		MaxAttempts: 3,
		AvailableAt: time.Now().UnixNano(),
	})
	require.NoError(t, err)

	entry := queue.DLQEntry{
		Kind:           kind,
		IdempotencyKey: key,
		Payload:        raw,
		Attempts:       2,
		CreatedAt:      time.Now(),
	}
	id, err := store.InsertQueueDlq(context.Background(), entry)
	require.NoError(t, err)
	entry.ID = id
	return entry
}

func TestDLQReplay(t *testing.T) {
	client := newTestRedis(t)

	store := newMemoryStore()
	handler := queue.AdminHandler{
		Store:             store,
		Queue:             queue.Enqueuer{R: client, Prefix: "adm", DedupTTL: time.Minute, MaxAttempts: 5},
		PageSize:          10,
		VisibilityTimeout: 60 * time.Second,
	}

	entry := parkedEntry(t, store, "webhook", "dlq1")

	body := bytes.NewBufferString(`{"ids":["` + entry.ID.String() + `"]}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/queue/dlq/replay", body)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	handler.ReplayDLQ(rr, req)

	res := rr.Result()
	require.Equal(t, http.StatusOK, res.StatusCode)
	defer func() { _ = res.Body.Close() }()

	var resp struct {
		Replayed []string          `json:"replayed"`
		Failed   map[string]string `json:"failed"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	require.Contains(t, resp.Replayed, entry.ID.String())
	require.Empty(t, resp.Failed)

	depth, err := client.ZCard(context.Background(), "adm:queue:webhook").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	_, err = store.GetQueueDlq(context.Background(), entry.ID)
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestDLQListFiltersByKind(t *testing.T) {
	client := newTestRedis(t)

	store := newMemoryStore()
	handler := queue.AdminHandler{
		Store:    store,
		Queue:    queue.Enqueuer{R: client, Prefix: "adm"},
		PageSize: 10,
	}

	parkedEntry(t, store, "webhook", "w1")
	parkedEntry(t, store, "email", "e1")

	req := httptest.NewRequest(http.MethodGet, "/admin/queue/dlq?kind=webhook", nil)
	rr := httptest.NewRecorder()
	handler.ListDLQ(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Data []struct {
			Kind           string `json:"kind"`
			IdempotencyKey string `json:"idempotencyKey"`
		} `json:"data"`
		Total int64  `json:"total"`
		Kind  string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, int64(1), resp.Total)
	require.Equal(t, "webhook", resp.Kind)
	require.Len(t, resp.Data, 1)
	require.Equal(t, "w1", resp.Data[0].IdempotencyKey)
}

func TestStatsReportsCountsAndGauges(t *testing.T) {
	client := newTestRedis(t)

	store := newMemoryStore()
	handler := queue.AdminHandler{
		Store:             store,
		Queue:             queue.Enqueuer{R: client, Prefix: "adm", DedupTTL: time.Minute, MaxAttempts: 5},
		VisibilityTimeout: 30 * time.Second,
	}

	require.NoError(t, handler.Queue.Enqueue(context.Background(), queue.Task{
		Kind:           "email_digest", // kind not shared with other tests so the gauges read clean
		IdempotencyKey: "s1",
		Payload:        []byte(`{}`),
	}))
	parkedEntry(t, store, "email_digest", "s2")

	req := httptest.NewRequest(http.MethodGet, "/admin/queue/stats?kind=email_digest", nil)
	rr := httptest.NewRecorder()
	handler.Stats(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Kind       string  `json:"kind"`
		Ready      int64   `json:"ready"`
		Processing int64   `json:"processing"`
		DLQ        int64   `json:"dlq"`
		Visibility float64 `json:"visibility_timeout"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "email_digest", resp.Kind)
	require.Equal(t, int64(1), resp.Ready)
	require.Equal(t, int64(0), resp.Processing)
	require.Equal(t, int64(1), resp.DLQ)
	require.Equal(t, 30.0, resp.Visibility)

	require.Equal(t, 1.0, testutil.ToFloat64(queue.QueueDepth.WithLabelValues("email_digest")))
	require.Equal(t, 1.0, testutil.ToFloat64(queue.QueueDLQSize.WithLabelValues("email_digest")))
}

func TestDLQReplayRequiresTarget(t *testing.T) {
	client := newTestRedis(t)

	handler := queue.AdminHandler{
		Store: newMemoryStore(),
		Queue: queue.Enqueuer{R: client, Prefix: "adm"},
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/queue/dlq/replay", bytes.NewBufferString(`{}`))
	rr := httptest.NewRecorder()
	handler.ReplayDLQ(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
