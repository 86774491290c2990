package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is one persisted domain event.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Topic       string          `json:"topic"`
	AggregateID uuid.UUID       `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// EventStore persists emitted events.
type EventStore interface {
	Insert(ctx context.Context, topic string, aggregateID uuid.UUID, payload []byte) (Event, error)
}

// DeliveryScheduler schedules webhook deliveries for emitted events.
type DeliveryScheduler interface {
	Schedule(ctx context.Context, event Event) error
}

// Notifier reacts to emitted events in-process.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Bus persists domain events and fans them out to downstream handlers. The
// event row is the source of truth; handler failures are reported but never
// undo the emit.
type Bus struct {
	Store     EventStore
	Scheduler DeliveryScheduler
	Notifiers []Notifier
}

// Emit records the event and dispatches it to all configured handlers.
func (b *Bus) Emit(ctx context.Context, topic string, aggregateID uuid.UUID, payload any) (Event, error) {
	if b == nil || b.Store == nil {
		return Event{}, errors.New("events: store not configured")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Event{}, errors.New("events: topic is required")
	}
	if aggregateID == uuid.Nil {
		return Event{}, errors.New("events: aggregate id is required")
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: encode payload: %w", err)
	}
	ev, err := b.Store.Insert(ctx, topic, aggregateID, encoded)
	if err != nil {
		return Event{}, fmt.Errorf("events: persist event: %w", err)
	}

	var joined error
	if b.Scheduler != nil {
		if schedErr := b.Scheduler.Schedule(ctx, ev); schedErr != nil {
			joined = errors.Join(joined, fmt.Errorf("events: schedule deliveries: %w", schedErr))
		}
	}
	for _, notifier := range b.Notifiers {
		if notifier == nil {
			continue
		}
		if notifyErr := notifier.Notify(ctx, ev); notifyErr != nil {
			joined = errors.Join(joined, fmt.Errorf("events: notifier: %w", notifyErr))
		}
	}
	return ev, joined
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case []byte:
		return validJSON(v)
	case json.RawMessage:
		return validJSON(v)
	case string:
		return validJSON([]byte(v))
	default:
		return json.Marshal(v)
	}
}

func validJSON(data []byte) ([]byte, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid json")
	}
	return append([]byte(nil), data...), nil
}

// PGStore writes events to the domain_events table.
type PGStore struct {
	Pool *pgxpool.Pool
}

func (s *PGStore) Insert(ctx context.Context, topic string, aggregateID uuid.UUID, payload []byte) (Event, error) {
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO domain_events (topic, aggregate_id, payload)
		VALUES ($1, $2::uuid, $3)
		RETURNING id::text, topic, aggregate_id::text, payload, occurred_at`,
		topic, aggregateID.String(), payload)
	var (
		ev      Event
		id      string
		aggID   string
		rawBody []byte
	)
	if err := row.Scan(&id, &ev.Topic, &aggID, &rawBody, &ev.OccurredAt); err != nil {
		return Event{}, err
	}
	var err error
	if ev.ID, err = uuid.Parse(id); err != nil {
		return Event{}, fmt.Errorf("parse event id: %w", err)
	}
	if ev.AggregateID, err = uuid.Parse(aggID); err != nil {
		return Event{}, fmt.Errorf("parse aggregate id: %w", err)
	}
	ev.Payload = json.RawMessage(rawBody)
	return ev, nil
}
