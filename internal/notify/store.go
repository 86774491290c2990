package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kamau-dev/backend-duka/internal/events"
)

// ErrNotFound is returned when an endpoint or delivery does not exist.
var ErrNotFound = errors.New("notify: not found")

// Delivery lifecycle states.
const (
	DeliveryPending    = "PENDING"
	DeliveryDelivering = "DELIVERING"
	DeliveryDelivered  = "DELIVERED"
	DeliveryFailed     = "FAILED"
	DeliveryDead       = "DEAD"
)

// Endpoint is a registered webhook receiver.
type Endpoint struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	Topics    []string  `json:"topics"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Delivery is one scheduled attempt to push an event to an endpoint.
type Delivery struct {
	ID             uuid.UUID `json:"id"`
	EndpointID     uuid.UUID `json:"endpointId"`
	EventID        uuid.UUID `json:"eventId"`
	Status         string    `json:"status"`
	Attempt        int32     `json:"attempt"`
	MaxAttempt     int32     `json:"maxAttempt"`
	NextAttemptAt  time.Time `json:"nextAttemptAt"`
	LastError      *string   `json:"lastError,omitempty"`
	ResponseStatus *int32    `json:"responseStatus,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// DeliveryFilter narrows delivery listings.
type DeliveryFilter struct {
	EndpointID *uuid.UUID
	EventID    *uuid.UUID
	Status     string
	Limit      int
	Offset     int
}

// Store is the persistence surface the dispatcher and admin handlers need.
type Store interface {
	CreateEndpoint(ctx context.Context, ep Endpoint) (Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep Endpoint) (Endpoint, error)
	GetEndpoint(ctx context.Context, id uuid.UUID) (Endpoint, error)
	ListEndpoints(ctx context.Context, limit, offset int) ([]Endpoint, error)
	DeleteEndpoint(ctx context.Context, id uuid.UUID) error
	ActiveEndpointsForTopic(ctx context.Context, topic string) ([]Endpoint, error)

	EnqueueDelivery(ctx context.Context, endpointID, eventID uuid.UUID, maxAttempt int32) (Delivery, bool, error)
	DueDeliveries(ctx context.Context, limit int32) ([]Delivery, error)
	ClaimDelivery(ctx context.Context, id uuid.UUID) (bool, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, status int32, body string) error
	MarkFailed(ctx context.Context, id uuid.UUID, delay time.Duration, reason string) error
	MarkDead(ctx context.Context, id uuid.UUID, reason string) error
	GetDelivery(ctx context.Context, id uuid.UUID) (Delivery, error)
	ResetDelivery(ctx context.Context, id uuid.UUID) (Delivery, error)
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, int64, error)

	GetEvent(ctx context.Context, id uuid.UUID) (events.Event, error)
}

// PGStore implements Store on postgres.
type PGStore struct {
	Pool *pgxpool.Pool
}

const endpointColumns = `id::text, name, url, secret, active, topics, created_at, updated_at`

func scanEndpoint(row pgx.Row) (Endpoint, error) {
	var (
		ep Endpoint
		id string
	)
	if err := row.Scan(&id, &ep.Name, &ep.URL, &ep.Secret, &ep.Active, &ep.Topics, &ep.CreatedAt, &ep.UpdatedAt); err != nil {
		return Endpoint{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint id: %w", err)
	}
	ep.ID = parsed
	return ep, nil
}

func (s *PGStore) CreateEndpoint(ctx context.Context, ep Endpoint) (Endpoint, error) {
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO webhook_endpoints (name, url, secret, active, topics)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+endpointColumns,
		ep.Name, ep.URL, ep.Secret, ep.Active, ep.Topics)
	return scanEndpoint(row)
}

func (s *PGStore) UpdateEndpoint(ctx context.Context, ep Endpoint) (Endpoint, error) {
	row := s.Pool.QueryRow(ctx, `
		UPDATE webhook_endpoints
		SET name = $2, url = $3, secret = $4, active = $5, topics = $6, updated_at = now()
		WHERE id = $1::uuid
		RETURNING `+endpointColumns,
		ep.ID.String(), ep.Name, ep.URL, ep.Secret, ep.Active, ep.Topics)
	out, err := scanEndpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Endpoint{}, ErrNotFound
	}
	return out, err
}

func (s *PGStore) GetEndpoint(ctx context.Context, id uuid.UUID) (Endpoint, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1::uuid`, id.String())
	ep, err := scanEndpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Endpoint{}, ErrNotFound
	}
	return ep, err
}

func (s *PGStore) ListEndpoints(ctx context.Context, limit, offset int) ([]Endpoint, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEndpoints(rows)
}

func (s *PGStore) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM webhook_endpoints WHERE id = $1::uuid`, id.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) ActiveEndpointsForTopic(ctx context.Context, topic string) ([]Endpoint, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE active AND $1 = ANY(topics) ORDER BY created_at`,
		topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEndpoints(rows)
}

func collectEndpoints(rows pgx.Rows) ([]Endpoint, error) {
	endpoints := make([]Endpoint, 0, 8)
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

const deliveryColumns = `id::text, endpoint_id::text, event_id::text, status, attempt, max_attempt,
	next_attempt_at, last_error, response_status, created_at, updated_at`

func scanDelivery(row pgx.Row) (Delivery, error) {
	var (
		d              Delivery
		id, epID, evID string
	)
	err := row.Scan(&id, &epID, &evID, &d.Status, &d.Attempt, &d.MaxAttempt,
		&d.NextAttemptAt, &d.LastError, &d.ResponseStatus, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Delivery{}, err
	}
	if d.ID, err = uuid.Parse(id); err != nil {
		return Delivery{}, fmt.Errorf("parse delivery id: %w", err)
	}
	if d.EndpointID, err = uuid.Parse(epID); err != nil {
		return Delivery{}, fmt.Errorf("parse endpoint id: %w", err)
	}
	if d.EventID, err = uuid.Parse(evID); err != nil {
		return Delivery{}, fmt.Errorf("parse event id: %w", err)
	}
	return d, nil
}

// EnqueueDelivery inserts a delivery row. The (endpoint, event) pair is unique,
// so re-scheduling the same event is a no-op; the bool reports whether a new
// row was created.
func (s *PGStore) EnqueueDelivery(ctx context.Context, endpointID, eventID uuid.UUID, maxAttempt int32) (Delivery, bool, error) {
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO webhook_deliveries (endpoint_id, event_id, max_attempt)
		VALUES ($1::uuid, $2::uuid, $3)
		ON CONFLICT (endpoint_id, event_id) DO NOTHING
		RETURNING `+deliveryColumns,
		endpointID.String(), eventID.String(), maxAttempt)
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, err
	}
	return d, true, nil
}

func (s *PGStore) DueDeliveries(ctx context.Context, limit int32) ([]Delivery, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM webhook_deliveries
		WHERE status IN ('PENDING', 'FAILED') AND next_attempt_at <= now()
		ORDER BY next_attempt_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	deliveries := make([]Delivery, 0, limit)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// ClaimDelivery transitions a due delivery into DELIVERING. A false return
// means another worker already owns it.
func (s *PGStore) ClaimDelivery(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'DELIVERING', updated_at = now()
		WHERE id = $1::uuid AND status IN ('PENDING', 'FAILED')`,
		id.String())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) MarkDelivered(ctx context.Context, id uuid.UUID, status int32, body string) error {
	var respBody *string
	if body != "" {
		respBody = &body
	}
	_, err := s.Pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'DELIVERED', attempt = attempt + 1, response_status = $2,
		    response_body = $3, last_error = NULL, updated_at = now()
		WHERE id = $1::uuid`,
		id.String(), status, respBody)
	return err
}

func (s *PGStore) MarkFailed(ctx context.Context, id uuid.UUID, delay time.Duration, reason string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'FAILED', attempt = attempt + 1, last_error = $2,
		    next_attempt_at = now() + make_interval(secs => $3), updated_at = now()
		WHERE id = $1::uuid`,
		id.String(), reason, delay.Seconds())
	return err
}

func (s *PGStore) MarkDead(ctx context.Context, id uuid.UUID, reason string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	_, err = tx.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'DEAD', attempt = attempt + 1, last_error = $2, updated_at = now()
		WHERE id = $1::uuid`,
		id.String(), reason)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO webhook_dlq (delivery_id, reason)
		VALUES ($1::uuid, $2)
		ON CONFLICT (delivery_id) DO UPDATE SET reason = EXCLUDED.reason, created_at = now()`,
		id.String(), reason)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) GetDelivery(ctx context.Context, id uuid.UUID) (Delivery, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1::uuid`, id.String())
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	return d, err
}

// ResetDelivery returns a delivery to PENDING with a fresh attempt budget and
// clears its DLQ entry.
func (s *PGStore) ResetDelivery(ctx context.Context, id uuid.UUID) (Delivery, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return Delivery{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	row := tx.QueryRow(ctx, `
		UPDATE webhook_deliveries
		SET status = 'PENDING', attempt = 0, next_attempt_at = now(),
		    last_error = NULL, updated_at = now()
		WHERE id = $1::uuid
		RETURNING `+deliveryColumns,
		id.String())
	d, err := scanDelivery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	if err != nil {
		return Delivery{}, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM webhook_dlq WHERE delivery_id = $1::uuid`, id.String()); err != nil {
		return Delivery{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Delivery{}, err
	}
	return d, nil
}

func (s *PGStore) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, int64, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if f.EndpointID != nil {
		args = append(args, f.EndpointID.String())
		where = append(where, fmt.Sprintf("endpoint_id = $%d::uuid", len(args)))
	}
	if f.EventID != nil {
		args = append(args, f.EventID.String())
		where = append(where, fmt.Sprintf("event_id = $%d::uuid", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM webhook_deliveries`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit)
	limitPos := len(args)
	args = append(args, f.Offset)
	rows, err := s.Pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM webhook_deliveries%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		deliveryColumns, clause, limitPos, limitPos+1), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	deliveries := make([]Delivery, 0, f.Limit)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, total, rows.Err()
}

func (s *PGStore) GetEvent(ctx context.Context, id uuid.UUID) (events.Event, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id::text, topic, aggregate_id::text, payload, occurred_at
		FROM domain_events WHERE id = $1::uuid`, id.String())
	var (
		ev          events.Event
		evID, aggID string
		payload     []byte
	)
	if err := row.Scan(&evID, &ev.Topic, &aggID, &payload, &ev.OccurredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return events.Event{}, ErrNotFound
		}
		return events.Event{}, err
	}
	var err error
	if ev.ID, err = uuid.Parse(evID); err != nil {
		return events.Event{}, fmt.Errorf("parse event id: %w", err)
	}
	if ev.AggregateID, err = uuid.Parse(aggID); err != nil {
		return events.Event{}, fmt.Errorf("parse aggregate id: %w", err)
	}
	ev.Payload = payload
	return ev, nil
}
