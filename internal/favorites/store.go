package favorites

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kamau-dev/backend-duka/internal/catalog"
)

// Store persists per-user favorite products.
type Store struct {
	Pool *pgxpool.Pool
}

// Add marks a product as a favorite. Adding twice is a no-op.
func (s *Store) Add(ctx context.Context, userID, productID uuid.UUID) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO favorites (user_id, product_id)
		VALUES ($1::uuid, $2::uuid)
		ON CONFLICT (user_id, product_id) DO NOTHING`,
		userID.String(), productID.String())
	if err != nil {
		return fmt.Errorf("add favorite: %w", err)
	}
	return nil
}

// Remove unmarks a favorite. Removing a non-favorite is a no-op.
func (s *Store) Remove(ctx context.Context, userID, productID uuid.UUID) error {
	_, err := s.Pool.Exec(ctx, `
		DELETE FROM favorites WHERE user_id = $1::uuid AND product_id = $2::uuid`,
		userID.String(), productID.String())
	if err != nil {
		return fmt.Errorf("remove favorite: %w", err)
	}
	return nil
}

// List returns the user's favorite products, most recently added first.
func (s *Store) List(ctx context.Context, userID uuid.UUID) ([]catalog.Product, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT p.id::text, p.slug, p.title, p.description, p.category, p.price, p.stock, p.thumbnail
		FROM favorites f
		JOIN products p ON p.id = f.product_id
		WHERE f.user_id = $1::uuid
		ORDER BY f.created_at DESC`,
		userID.String())
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	defer rows.Close()
	var out []catalog.Product
	for rows.Next() {
		var (
			p  catalog.Product
			id string
		)
		if err := rows.Scan(&id, &p.Slug, &p.Title, &p.Description, &p.Category, &p.Price, &p.Stock, &p.Thumbnail); err != nil {
			return nil, err
		}
		if p.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse favorite product id: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Check reports whether the product is in the user's favorites.
func (s *Store) Check(ctx context.Context, userID, productID uuid.UUID) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM favorites WHERE user_id = $1::uuid AND product_id = $2::uuid)`,
		userID.String(), productID.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check favorite: %w", err)
	}
	return exists, nil
}
