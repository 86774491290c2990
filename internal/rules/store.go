package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the requested rule does not exist.
var ErrNotFound = errors.New("rules: not found")

const ruleColumns = `id::text, product_id::text, label, rule_type, mode, value, starts_at, ends_at, min_qty, regions, position, enabled, created_at, updated_at`

// Store persists discount rules in Postgres.
type Store struct {
	Pool *pgxpool.Pool
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		id        string
		productID *string
	)
	err := row.Scan(
		&id, &productID, &rec.Label, &rec.Type, &rec.Mode, &rec.Value,
		&rec.StartsAt, &rec.EndsAt, &rec.MinQty, &rec.Regions,
		&rec.Position, &rec.Enabled, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.ID, err = uuid.Parse(id)
	if err != nil {
		return Record{}, fmt.Errorf("parse rule id: %w", err)
	}
	if productID != nil {
		parsed, err := uuid.Parse(*productID)
		if err != nil {
			return Record{}, fmt.Errorf("parse product id: %w", err)
		}
		rec.ProductID = &parsed
	}
	return rec, nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListEffective returns the rules that govern one product: catalog-wide rules
// followed by product-scoped ones, each group in configured position order.
// Disabled rules are included; the engine skips them, and admin previews want
// to see them.
func (s *Store) ListEffective(ctx context.Context, productID uuid.UUID) ([]Record, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM discount_rules
		WHERE product_id IS NULL OR product_id = $1::uuid
		ORDER BY (product_id IS NOT NULL), position, created_at`,
		productID.String())
	if err != nil {
		return nil, fmt.Errorf("list effective rules: %w", err)
	}
	return collectRecords(rows)
}

// ListAll returns every configured rule in position order for the admin view.
func (s *Store) ListAll(ctx context.Context) ([]Record, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM discount_rules
		ORDER BY (product_id IS NOT NULL), position, created_at`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return collectRecords(rows)
}

// Get fetches a single rule by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM discount_rules
		WHERE id = $1::uuid`,
		id.String())
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get rule: %w", err)
	}
	return rec, nil
}

// Create inserts a rule and returns the stored record.
func (s *Store) Create(ctx context.Context, rec Record) (Record, error) {
	row := s.Pool.QueryRow(ctx, `
		INSERT INTO discount_rules
			(product_id, label, rule_type, mode, value, starts_at, ends_at, min_qty, regions, position, enabled)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+ruleColumns,
		uuidPtrString(rec.ProductID), rec.Label, rec.Type, rec.Mode, rec.Value,
		rec.StartsAt, rec.EndsAt, rec.MinQty, normalizeRegions(rec.Regions),
		rec.Position, rec.Enabled)
	created, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("create rule: %w", err)
	}
	return created, nil
}

// Update replaces the mutable fields of a rule.
func (s *Store) Update(ctx context.Context, rec Record) (Record, error) {
	row := s.Pool.QueryRow(ctx, `
		UPDATE discount_rules
		SET product_id = $2::uuid, label = $3, rule_type = $4, mode = $5, value = $6,
			starts_at = $7, ends_at = $8, min_qty = $9, regions = $10,
			position = $11, enabled = $12, updated_at = now()
		WHERE id = $1::uuid
		RETURNING `+ruleColumns,
		rec.ID.String(), uuidPtrString(rec.ProductID), rec.Label, rec.Type, rec.Mode,
		rec.Value, rec.StartsAt, rec.EndsAt, rec.MinQty, normalizeRegions(rec.Regions),
		rec.Position, rec.Enabled)
	updated, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("update rule: %w", err)
	}
	return updated, nil
}

// SetEnabled toggles a rule without touching its other fields.
func (s *Store) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE discount_rules SET enabled = $2, updated_at = now() WHERE id = $1::uuid`,
		id.String(), enabled)
	if err != nil {
		return fmt.Errorf("toggle rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a rule.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM discount_rules WHERE id = $1::uuid`, id.String())
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func uuidPtrString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func normalizeRegions(regions []string) []string {
	out := make([]string, 0, len(regions))
	for _, code := range regions {
		trimmed := strings.ToUpper(strings.TrimSpace(code))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
