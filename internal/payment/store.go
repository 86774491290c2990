package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kamau-dev/backend-duka/internal/order"
)

// ErrNotFound indicates no payment exists for the given lookup.
var ErrNotFound = errors.New("payment: not found")

// Store persists payments and their event trail.
type Store struct {
	DB order.DBTX
}

// WithTx returns a store bound to the given transaction.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{DB: tx}
}

const paymentColumns = `id::text, order_id::text, provider, status, intent_ref, redirect_url, amount, payload, expires_at, created_at, updated_at`

func scanPayment(row interface{ Scan(dest ...any) error }) (Payment, error) {
	var (
		p       Payment
		id      string
		orderID string
		payload []byte
	)
	err := row.Scan(&id, &orderID, &p.Provider, &p.Status, &p.IntentRef,
		&p.RedirectURL, &p.Amount, &payload, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Payment{}, err
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return Payment{}, fmt.Errorf("parse payment id: %w", err)
	}
	if p.OrderID, err = uuid.Parse(orderID); err != nil {
		return Payment{}, fmt.Errorf("parse payment order id: %w", err)
	}
	p.Payload = json.RawMessage(payload)
	return p, nil
}

// Create inserts a payment row.
func (s *Store) Create(ctx context.Context, p Payment) (Payment, error) {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO payments (order_id, provider, status, intent_ref, redirect_url, amount, payload, expires_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+paymentColumns,
		p.OrderID.String(), p.Provider, p.Status, p.IntentRef, p.RedirectURL,
		p.Amount, []byte(p.Payload), p.ExpiresAt)
	created, err := scanPayment(row)
	if err != nil {
		return Payment{}, fmt.Errorf("create payment: %w", err)
	}
	return created, nil
}

// LatestByOrder returns the most recent payment opened for an order.
func (s *Store) LatestByOrder(ctx context.Context, orderID uuid.UUID) (Payment, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1::uuid
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		orderID.String())
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("latest payment by order: %w", err)
	}
	return p, nil
}

// UpdateStatus moves a payment to a new status and stores the raw provider
// payload that drove the change.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status string, payload []byte) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE payments
		SET status = $2, payload = COALESCE($3, payload), updated_at = now()
		WHERE id = $1::uuid`,
		id.String(), status, payload)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertEvent appends one row to the payment event trail.
func (s *Store) InsertEvent(ctx context.Context, paymentID uuid.UUID, status string, payload []byte) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO payment_events (payment_id, status, payload)
		VALUES ($1::uuid, $2, $3)`,
		paymentID.String(), status, payload)
	if err != nil {
		return fmt.Errorf("insert payment event: %w", err)
	}
	return nil
}
