package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is one audit trail row.
type Entry struct {
	ID           uuid.UUID       `json:"id"`
	ActorKind    string          `json:"actorKind"`
	ActorUserID  *string         `json:"actorUserId,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resourceType"`
	ResourceID   *string         `json:"resourceId,omitempty"`
	Method       string          `json:"method"`
	Path         string          `json:"path"`
	Route        *string         `json:"route,omitempty"`
	Status       int             `json:"status"`
	IP           *string         `json:"ip,omitempty"`
	UserAgent    *string         `json:"userAgent,omitempty"`
	RequestID    *string         `json:"requestId,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Store persists audit entries in Postgres.
type Store struct {
	Pool *pgxpool.Pool
}

// Insert appends one entry. The trail is append-only.
func (s *Store) Insert(ctx context.Context, e Entry) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO audit_log (actor_kind, actor_user_id, action, resource_type, resource_id, method, path, route, status, ip, user_agent, request_id, metadata)
		VALUES ($1, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ActorKind, e.ActorUserID, e.Action, e.ResourceType, e.ResourceID,
		e.Method, e.Path, e.Route, e.Status, e.IP, e.UserAgent, e.RequestID,
		[]byte(e.Metadata))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns recent entries, newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Entry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id::text, actor_kind, actor_user_id::text, action, resource_type, resource_id, method, path, route, status, ip, user_agent, request_id, metadata, created_at
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			id       string
			actorID  *string
			metadata []byte
		)
		if err := rows.Scan(&id, &e.ActorKind, &actorID, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.Method, &e.Path, &e.Route, &e.Status, &e.IP, &e.UserAgent, &e.RequestID, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse audit id: %w", err)
		}
		e.ActorUserID = actorID
		e.Metadata = json.RawMessage(metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}
