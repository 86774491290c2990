package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kamau-dev/backend-duka/internal/resilience"
)

// Task is one unit of asynchronous work.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	// Attempt carries the prior attempt count when a task is replayed from
	// the DLQ; fresh tasks leave it zero.
	Attempt int
	Delay   time.Duration
}

// taskMessage is the wire form stored in the Redis sorted sets. The set
// score doubles as the due time (AvailableAt on the ready queue, the
// visibility deadline on the processing set).
type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
}

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

// sanitizeKind accepts only lowercase alphanumerics plus -, _ and :. Anything
// else yields "" so a bad kind never becomes part of a Redis key.
func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == ':':
		default:
			return ""
		}
	}
	return kind
}

func readyKey(prefix, kind string) string {
	if prefix == "" {
		return "queue:" + kind
	}
	return prefix + ":queue:" + kind
}

func inflightKey(prefix, kind string) string {
	if prefix == "" {
		return "queue:" + kind + ":processing"
	}
	return prefix + ":" + kind + ":processing"
}

func dedupKeyFor(prefix, kind, key string) string {
	if prefix == "" {
		return "queue:dedup:" + kind + ":" + key
	}
	return prefix + ":dedup:" + kind + ":" + key
}

// Enqueuer publishes tasks onto Redis-backed delayed queues.
type Enqueuer struct {
	R        *redis.Client
	Prefix   string
	DedupTTL time.Duration
	// MaxAttempts applies to tasks that do not carry their own budget.
	MaxAttempts int
}

// Enqueue schedules the task. A task with an idempotency key is accepted at
// most once per deduplication window; duplicates are silently dropped.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}

	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		Attempt:     t.Attempt,
		MaxAttempts: t.MaxAttempts,
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = e.MaxAttempts
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = 10
	}
	msg.AvailableAt = time.Now().Add(t.Delay).UnixNano()

	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		fresh, err := e.R.SetNX(ctx, e.dedupKey(kind, msg.Key), "1", ttl).Result()
		if err != nil {
			return err
		}
		if !fresh {
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return e.R.ZAdd(ctx, e.queueKey(kind), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err()
}

func (e Enqueuer) queueKey(kind string) string { return readyKey(e.Prefix, kind) }

func (e Enqueuer) dedupKey(kind, key string) string { return dedupKeyFor(e.Prefix, kind, key) }

// Worker consumes tasks of one kind. Claimed tasks move to a processing set
// scored by their visibility deadline; tasks still there past the deadline
// are assumed lost and requeued.
type Worker struct {
	R                 *redis.Client
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	Handler           func(context.Context, Task) error
	RetryBase         time.Duration
	RetryJitter       float64
	// Store receives tasks that exhausted their attempt budget. Without a
	// store exhausted tasks are dropped after the dedup key is released.
	Store Store
	// HeartbeatInterval extends the visibility deadline of in-flight tasks.
	HeartbeatInterval time.Duration
	// SoftDeadline bounds a single handler invocation; zero means the
	// handler runs until the worker context is cancelled.
	SoftDeadline time.Duration
	Logger       *zerolog.Logger
}

// Run processes tasks until the context is cancelled, then waits for
// in-flight handlers to finish.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}

	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}

	queueKey := w.queueKey(kind)
	processingKey := w.processingKey(kind)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	reclaim := time.NewTicker(time.Second)
	defer reclaim.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-reclaim.C:
			if err := w.requeueExpired(ctx, processingKey, queueKey); err != nil {
				return err
			}
		default:
		}

		raw, msg, ok, err := w.claim(ctx, queueKey, processingKey, visibility)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if !ok {
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(raw string, m taskMessage) {
			defer func() { <-sem }()
			defer wg.Done()
			w.process(ctx, kind, queueKey, processingKey, raw, m, visibility, retryBase)
		}(raw, msg)
	}
}

// claim pops the lowest-scored task. A task popped before its due time is
// pushed back and the worker naps until it is due (capped at one second).
// ok is false when nothing was claimed.
func (w Worker) claim(ctx context.Context, queueKey, processingKey string, visibility time.Duration) (string, taskMessage, bool, error) {
	res, err := w.R.ZPopMin(ctx, queueKey, 1).Result()
	if err != nil {
		if err == redis.Nil {
			time.Sleep(100 * time.Millisecond)
			return "", taskMessage{}, false, nil
		}
		return "", taskMessage{}, false, err
	}
	if len(res) == 0 {
		time.Sleep(100 * time.Millisecond)
		return "", taskMessage{}, false, nil
	}

	member, isString := res[0].Member.(string)
	if !isString {
		return "", taskMessage{}, false, nil
	}
	msg, err := decodeMessage(member)
	if err != nil {
		return "", taskMessage{}, false, nil
	}

	now := time.Now().UnixNano()
	if msg.AvailableAt > now {
		w.R.ZAdd(ctx, queueKey, redis.Z{Score: float64(msg.AvailableAt), Member: member})
		nap := time.Duration(msg.AvailableAt - now)
		if nap > time.Second {
			nap = time.Second
		}
		time.Sleep(nap)
		return "", taskMessage{}, false, nil
	}

	msg.Attempt++
	rawBytes, err := json.Marshal(msg)
	if err != nil {
		return "", taskMessage{}, false, nil
	}
	raw := string(rawBytes)
	deadline := time.Now().Add(visibility).UnixNano()
	if err := w.R.ZAdd(ctx, processingKey, redis.Z{Score: float64(deadline), Member: raw}).Err(); err != nil {
		return "", taskMessage{}, false, err
	}
	return raw, msg, true, nil
}

func (w Worker) process(ctx context.Context, kind, queueKey, processingKey, raw string, m taskMessage, visibility time.Duration, retryBase time.Duration) {
	// Bookkeeping must survive handler-side cancellation.
	bookCtx := context.WithoutCancel(ctx)
	jobCtx, cancel := context.WithCancel(ctx)
	if w.SoftDeadline > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.SoftDeadline)
	}
	defer cancel()

	stopHeartbeat := w.startHeartbeat(bookCtx, processingKey, raw, visibility)
	err := w.Handler(jobCtx, Task{
		Kind:           kind,
		Payload:        m.Payload,
		IdempotencyKey: m.Key,
		MaxAttempts:    m.MaxAttempts,
		Attempt:        m.Attempt,
	})
	stopHeartbeat()

	if err != nil {
		w.handleFailure(bookCtx, queueKey, processingKey, raw, m, retryBase, err)
		return
	}
	w.ack(bookCtx, processingKey, raw, m)
}

// startHeartbeat keeps extending the visibility deadline of an in-flight task
// so slow handlers are not redelivered mid-run. The returned func stops it.
func (w Worker) startHeartbeat(ctx context.Context, processingKey, raw string, visibility time.Duration) func() {
	if w.HeartbeatInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(visibility).UnixNano()
				_ = w.R.ZAddXX(ctx, processingKey, redis.Z{Score: float64(deadline), Member: raw}).Err()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (w Worker) handleFailure(ctx context.Context, queueKey, processingKey, raw string, msg taskMessage, base time.Duration, handlerErr error) {
	if raw != "" {
		_ = w.R.ZRem(ctx, processingKey, raw)
	}

	if msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts {
		w.deadLetter(ctx, msg, handlerErr)
		if msg.Key != "" {
			_ = w.R.Del(ctx, w.dedupKey(msg.Kind, msg.Key)).Err()
		}
		QueueProcessedTotal.WithLabelValues(msg.Kind, "dead").Inc()
		return
	}

	msg.AvailableAt = time.Now().Add(resilience.Backoff(base, msg.Attempt, w.RetryJitter)).UnixNano()
	rawBytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = w.R.ZAdd(ctx, queueKey, redis.Z{Score: float64(msg.AvailableAt), Member: string(rawBytes)}).Err()
	QueueProcessedTotal.WithLabelValues(msg.Kind, "retried").Inc()
}

// deadLetter parks an exhausted task in the durable DLQ table.
func (w Worker) deadLetter(ctx context.Context, msg taskMessage, handlerErr error) {
	if w.Store == nil {
		if w.Logger != nil {
			w.Logger.Warn().Str("kind", msg.Kind).Str("idem_key", msg.Key).Msg("task exhausted attempts, no DLQ store configured")
		}
		return
	}
	entry := DLQEntry{
		Kind:           msg.Kind,
		IdempotencyKey: msg.Key,
		Payload:        msg.Payload,
		Attempts:       msg.Attempt,
	}
	if handlerErr != nil {
		reason := handlerErr.Error()
		entry.LastError = &reason
	}
	if _, err := w.Store.InsertQueueDlq(ctx, entry); err != nil {
		if w.Logger != nil {
			w.Logger.Error().Err(err).Str("kind", msg.Kind).Str("idem_key", msg.Key).Msg("DLQ insert failed, task lost")
		}
		return
	}
	QueueDLQSize.WithLabelValues(msg.Kind).Inc()
}

func (w Worker) ack(ctx context.Context, processingKey, raw string, msg taskMessage) {
	if raw != "" {
		_ = w.R.ZRem(ctx, processingKey, raw)
	}
	if msg.Key != "" {
		_ = w.R.Del(ctx, w.dedupKey(msg.Kind, msg.Key)).Err()
	}
	QueueProcessedTotal.WithLabelValues(msg.Kind, "ok").Inc()
}

// requeueExpired returns tasks whose visibility deadline passed to the ready
// queue. Their payload keeps the bumped attempt count, so a crashed handler
// still burns an attempt.
func (w Worker) requeueExpired(ctx context.Context, processingKey, queueKey string) error {
	now := strconv.FormatFloat(float64(time.Now().UnixNano()), 'f', -1, 64)
	due, err := w.R.ZRangeByScore(ctx, processingKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	for _, raw := range due {
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		_ = w.R.ZRem(ctx, processingKey, raw).Err()
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, queueKey, redis.Z{Score: float64(msg.AvailableAt), Member: encoded}).Err()
	}
	return nil
}

func (w Worker) queueKey(kind string) string { return readyKey(w.Prefix, kind) }

func (w Worker) processingKey(kind string) string { return inflightKey(w.Prefix, kind) }

func (w Worker) dedupKey(kind, key string) string { return dedupKeyFor(w.Prefix, kind, key) }
