package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kamau-dev/backend-duka/internal/events"
	"github.com/kamau-dev/backend-duka/internal/obs"
	"github.com/kamau-dev/backend-duka/internal/queue"
	"github.com/kamau-dev/backend-duka/internal/resilience"
)

// SignatureHeader carries the HMAC signature on outbound webhook requests.
const SignatureHeader = "X-Signature"

const deliveryTaskKind = "webhook-delivery"

// DeliveryTaskKind returns the queue kind used for webhook delivery tasks.
func DeliveryTaskKind() string {
	return deliveryTaskKind
}

// ReplayProtector guards against sending duplicate deliveries within a TTL.
type ReplayProtector interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Dispatcher schedules and performs outbound webhook deliveries. Schedule
// satisfies events.DeliveryScheduler so the bus can hand emitted events
// straight to it.
type Dispatcher struct {
	Store              Store
	Queue              queue.Enqueuer
	Client             *http.Client
	BackoffBase        time.Duration
	BackoffJitter      float64
	DefaultMaxAttempts int
	Enabled            bool
	Replay             ReplayProtector
	ReplayTTL          time.Duration
	Log                zerolog.Logger
}

// Schedule fans the event out to every active endpoint subscribed to its
// topic. Delivery rows are the durable record; pushing a queue task is
// best-effort because WorkOnce picks up anything the queue misses.
func (d *Dispatcher) Schedule(ctx context.Context, event events.Event) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	if strings.TrimSpace(event.Topic) == "" {
		return nil
	}
	endpoints, err := d.Store.ActiveEndpointsForTopic(ctx, event.Topic)
	if err != nil {
		return err
	}
	var joined error
	for _, ep := range endpoints {
		del, created, err := d.Store.EnqueueDelivery(ctx, ep.ID, event.ID, int32(d.maxAttempts()))
		if err != nil {
			joined = errors.Join(joined, fmt.Errorf("enqueue delivery for %s: %w", ep.ID, err))
			continue
		}
		if !created {
			continue
		}
		if err := d.enqueueTask(ctx, del.ID); err != nil {
			d.Log.Warn().Err(err).Str("delivery_id", del.ID.String()).Msg("webhook task enqueue failed, poller will retry")
		}
	}
	return joined
}

func (d *Dispatcher) enqueueTask(ctx context.Context, deliveryID uuid.UUID) error {
	if d.Queue.R == nil {
		return nil
	}
	return d.Queue.Enqueue(ctx, queue.Task{
		Kind:           deliveryTaskKind,
		Payload:        []byte(deliveryID.String()),
		IdempotencyKey: deliveryID.String(),
		MaxAttempts:    d.maxAttempts(),
	})
}

func (d *Dispatcher) maxAttempts() int {
	if d.DefaultMaxAttempts > 0 {
		return d.DefaultMaxAttempts
	}
	return 6
}

// WorkOnce processes a batch of due deliveries. It is the polling fallback
// behind the queue-driven worker.
func (d *Dispatcher) WorkOnce(ctx context.Context, batch int32) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	if batch <= 0 {
		batch = 1
	}
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.WorkOnce")
	defer span.End()
	span.SetAttributes(attribute.Int("webhook.batch", int(batch)))

	deliveries, err := d.Store.DueDeliveries(ctx, batch)
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, del := range deliveries {
		if err := d.process(ctx, del); err != nil {
			d.Log.Error().Err(err).Str("delivery_id", del.ID.String()).Msg("webhook delivery bookkeeping failed")
		}
	}
	return nil
}

// DeliverByID attempts a single delivery, typically from a queue task.
func (d *Dispatcher) DeliverByID(ctx context.Context, deliveryID string) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	id, err := uuid.Parse(strings.TrimSpace(deliveryID))
	if err != nil {
		return fmt.Errorf("notify: invalid delivery id %q: %w", deliveryID, err)
	}
	del, err := d.Store.GetDelivery(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if del.Status == DeliveryDelivered || del.Status == DeliveryDead {
		return nil
	}
	return d.process(ctx, del)
}

func (d *Dispatcher) process(ctx context.Context, del Delivery) error {
	claimed, err := d.Store.ClaimDelivery(ctx, del.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	start := time.Now()
	endpoint, err := d.Store.GetEndpoint(ctx, del.EndpointID)
	if err != nil {
		return d.settleFailure(ctx, del, start, fmt.Sprintf("load endpoint: %v", err))
	}
	event, err := d.Store.GetEvent(ctx, del.EventID)
	if err != nil {
		return d.settleFailure(ctx, del, start, fmt.Sprintf("load event: %v", err))
	}
	status, respBody, deliverErr := d.deliver(ctx, endpoint, event, del)
	if deliverErr == nil && status >= 200 && status < 300 {
		observeDelivery("delivered", start)
		return d.Store.MarkDelivered(ctx, del.ID, int32(status), respBody)
	}
	return d.settleFailure(ctx, del, start, fmt.Sprintf("status=%d err=%v", status, deliverErr))
}

func (d *Dispatcher) settleFailure(ctx context.Context, del Delivery, start time.Time, reason string) error {
	if del.Attempt+1 >= del.MaxAttempt {
		observeDelivery("dead", start)
		return d.Store.MarkDead(ctx, del.ID, reason)
	}
	observeDelivery("failed", start)
	delay := resilience.Backoff(d.backoffBase(), int(del.Attempt)+1, d.BackoffJitter)
	return d.Store.MarkFailed(ctx, del.ID, delay, reason)
}

func (d *Dispatcher) backoffBase() time.Duration {
	if d.BackoffBase > 0 {
		return d.BackoffBase
	}
	return 5 * time.Second
}

func observeDelivery(result string, start time.Time) {
	if obs.WebhookDeliveryTotal != nil {
		obs.WebhookDeliveryTotal.WithLabelValues(result).Inc()
	}
	if obs.WebhookDeliveryDuration != nil {
		obs.WebhookDeliveryDuration.WithLabelValues(result).Observe(obs.DurationMillis(time.Since(start)))
	}
}

type deliveryEnvelope struct {
	EventID    string          `json:"eventId"`
	Topic      string          `json:"topic"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurredAt"`
}

func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, ev events.Event, del Delivery) (int, string, error) {
	if d.Client == nil {
		d.Client = HTTPClient(5 * time.Second)
	}
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.endpoint_id", ep.ID.String()),
		attribute.String("webhook.delivery_id", del.ID.String()),
		attribute.String("webhook.topic", ev.Topic),
	)
	if err := ValidateURL(ep.URL); err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	body, err := json.Marshal(deliveryEnvelope{
		EventID:    ev.ID.String(),
		Topic:      ev.Topic,
		Data:       ev.Payload,
		OccurredAt: ev.OccurredAt,
	})
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	if d.Replay != nil && d.ReplayTTL > 0 {
		ok, err := d.Replay.Acquire(ctx, replayKey(ep.ID, ev.ID), d.ReplayTTL)
		if err != nil {
			span.RecordError(err)
			return 0, "", err
		}
		if !ok {
			span.AddEvent("delivery replay suppressed")
			return http.StatusOK, "replay-suppressed", nil
		}
	}
	ts := time.Now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "duka-api-webhooks/1.0")
	req.Header.Set("X-Event-ID", ev.ID.String())
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Idempotency-Key", del.ID.String())
	req.Header.Set(SignatureHeader, Signature(ep.Secret, ts, ev.ID.String(), body))
	resp, err := d.Client.Do(req)
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		span.RecordError(err)
		return resp.StatusCode, "", err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp.StatusCode, string(respBody), nil
}

// Signature computes the webhook signature: HMAC-SHA256 over
// "<ts>.<eventID>.<body>" with the endpoint secret, hex encoded.
func Signature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateURL rejects endpoint URLs that deliveries must never hit. Plain
// http is only allowed for loopback receivers.
func ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("webhook url must be http or https")
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	}
	return nil
}

// HTTPClient returns a client suited for webhook delivery with tracing on the
// transport.
func HTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func replayKey(endpointID, eventID uuid.UUID) string {
	return fmt.Sprintf("wh:out:%s:%s", endpointID, eventID)
}
