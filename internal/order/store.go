package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound indicates the requested order does not exist.
var ErrNotFound = errors.New("order: not found")

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so the same store can
// run inside or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists orders and their frozen line items.
type Store struct {
	DB DBTX
}

// WithTx returns a store bound to the given transaction.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{DB: tx}
}

const orderColumns = `id::text, user_id::text, status, currency, region, subtotal, discount, adjustment, total, notes, created_at, updated_at`

func scanOrder(row interface{ Scan(dest ...any) error }) (Order, error) {
	var (
		o      Order
		id     string
		userID string
	)
	err := row.Scan(&id, &userID, &o.Status, &o.Currency, &o.Region,
		&o.Subtotal, &o.Discount, &o.Adjustment, &o.Total, &o.Notes,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	if o.ID, err = uuid.Parse(id); err != nil {
		return Order{}, fmt.Errorf("parse order id: %w", err)
	}
	if o.UserID, err = uuid.Parse(userID); err != nil {
		return Order{}, fmt.Errorf("parse user id: %w", err)
	}
	return o, nil
}

// Create inserts an order header.
func (s *Store) Create(ctx context.Context, o Order) (Order, error) {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO orders (user_id, status, currency, region, subtotal, discount, adjustment, total, notes)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+orderColumns,
		o.UserID.String(), o.Status, o.Currency, o.Region,
		o.Subtotal, o.Discount, o.Adjustment, o.Total, o.Notes)
	created, err := scanOrder(row)
	if err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	return created, nil
}

// CreateItem inserts one frozen line for an order.
func (s *Store) CreateItem(ctx context.Context, it Item) error {
	applied, err := json.Marshal(it.AppliedRules)
	if err != nil {
		return fmt.Errorf("encode applied rules: %w", err)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO order_items (order_id, product_id, slug, title, qty, unit_base, unit_final, line_total, applied_rules)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9)`,
		it.OrderID.String(), it.ProductID.String(), it.Slug, it.Title,
		it.Qty, it.UnitBase, it.UnitFinal, it.LineTotal, applied)
	if err != nil {
		return fmt.Errorf("create order item: %w", err)
	}
	return nil
}

func (s *Store) listItems(ctx context.Context, orderID uuid.UUID) ([]Item, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id::text, order_id::text, product_id::text, slug, title, qty, unit_base, unit_final, line_total, applied_rules
		FROM order_items
		WHERE order_id = $1::uuid
		ORDER BY created_at, id`,
		orderID.String())
	if err != nil {
		return nil, fmt.Errorf("list order items: %w", err)
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var (
			it        Item
			id        string
			oid       string
			productID string
			applied   []byte
		)
		if err := rows.Scan(&id, &oid, &productID, &it.Slug, &it.Title, &it.Qty, &it.UnitBase, &it.UnitFinal, &it.LineTotal, &applied); err != nil {
			return nil, err
		}
		if it.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse item id: %w", err)
		}
		if it.OrderID, err = uuid.Parse(oid); err != nil {
			return nil, fmt.Errorf("parse item order id: %w", err)
		}
		if it.ProductID, err = uuid.Parse(productID); err != nil {
			return nil, fmt.Errorf("parse item product id: %w", err)
		}
		if len(applied) > 0 {
			if err := json.Unmarshal(applied, &it.AppliedRules); err != nil {
				return nil, fmt.Errorf("decode applied rules: %w", err)
			}
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Get returns an order with its items.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Order, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1::uuid`, id.String())
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	if o.Items, err = s.listItems(ctx, o.ID); err != nil {
		return Order{}, err
	}
	return o, nil
}

// ListByUser returns a user's orders, newest first, without line items.
func (s *Store) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Order, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1::uuid
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		userID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListByStatus returns orders in a given status for the admin view.
func (s *Store) ListByStatus(ctx context.Context, status string, limit, offset int) ([]Order, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list orders by status: %w", err)
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateStatus moves an order to a new status.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := s.DB.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1::uuid`,
		id.String(), status)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
