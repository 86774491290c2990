package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound indicates the requested product does not exist.
var ErrNotFound = errors.New("catalog: not found")

// Product is the stored catalog entry. Price is the undiscounted base price
// in minor currency units.
type Product struct {
	ID          uuid.UUID `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Description *string   `json:"description,omitempty"`
	Category    *string   `json:"category,omitempty"`
	Price       int64     `json:"price"`
	Stock       int32     `json:"stock"`
	Thumbnail   *string   `json:"thumbnail,omitempty"`
}

// Filter narrows product listings.
type Filter struct {
	Query    string
	Category string
	MinPrice *int64
	MaxPrice *int64
	InStock  *bool
	Sort     string
}

const productColumns = `id::text, slug, title, description, category, price, stock, thumbnail`

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so the store can join
// a settlement transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads catalog data from Postgres.
type Store struct {
	DB DBTX
}

func scanProduct(row interface{ Scan(dest ...any) error }) (Product, error) {
	var (
		p  Product
		id string
	)
	err := row.Scan(&id, &p.Slug, &p.Title, &p.Description, &p.Category, &p.Price, &p.Stock, &p.Thumbnail)
	if err != nil {
		return Product{}, err
	}
	p.ID, err = uuid.Parse(id)
	if err != nil {
		return Product{}, fmt.Errorf("parse product id: %w", err)
	}
	return p, nil
}

// filterClause builds the WHERE fragment shared by Count and List. Argument
// numbering starts at $1.
func filterClause(f Filter) (string, []any) {
	clauses := []string{"TRUE"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		clauses = append(clauses, "title ILIKE '%' || "+arg(q)+" || '%'")
	}
	if c := strings.TrimSpace(f.Category); c != "" {
		clauses = append(clauses, "category = "+arg(c))
	}
	if f.MinPrice != nil {
		clauses = append(clauses, "price >= "+arg(*f.MinPrice))
	}
	if f.MaxPrice != nil {
		clauses = append(clauses, "price <= "+arg(*f.MaxPrice))
	}
	if f.InStock != nil {
		if *f.InStock {
			clauses = append(clauses, "stock > 0")
		} else {
			clauses = append(clauses, "stock = 0")
		}
	}
	return strings.Join(clauses, " AND "), args
}

func orderClause(sort string) string {
	switch sort {
	case "price:asc":
		return "ORDER BY price ASC, slug"
	case "price:desc":
		return "ORDER BY price DESC, slug"
	case "title:asc":
		return "ORDER BY title ASC, slug"
	case "title:desc":
		return "ORDER BY title DESC, slug"
	default:
		return "ORDER BY created_at DESC, slug"
	}
}

// Count returns the number of products matching the filter.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	where, args := filterClause(f)
	var total int64
	err := s.DB.QueryRow(ctx, "SELECT count(*) FROM products WHERE "+where, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return total, nil
}

// List returns a page of products matching the filter.
func (s *Store) List(ctx context.Context, f Filter, limit, offset int) ([]Product, error) {
	where, args := filterClause(f)
	args = append(args, limit, offset)
	query := fmt.Sprintf(
		"SELECT %s FROM products WHERE %s %s LIMIT $%d OFFSET $%d",
		productColumns, where, orderClause(f.Sort), len(args)-1, len(args))
	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()
	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetBySlug returns a single product by its slug.
func (s *Store) GetBySlug(ctx context.Context, slug string) (Product, error) {
	row := s.DB.QueryRow(ctx,
		"SELECT "+productColumns+" FROM products WHERE slug = $1", slug)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, fmt.Errorf("get product by slug: %w", err)
	}
	return p, nil
}

// GetByID returns a single product by id.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (Product, error) {
	row := s.DB.QueryRow(ctx,
		"SELECT "+productColumns+" FROM products WHERE id = $1::uuid", id.String())
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, fmt.Errorf("get product by id: %w", err)
	}
	return p, nil
}

// DecrementStock burns qty units of a product. Stock never goes below zero:
// settlement of an already-paid order must not fail on an oversell.
func (s *Store) DecrementStock(ctx context.Context, productID uuid.UUID, qty int32) error {
	tag, err := s.DB.Exec(ctx,
		`UPDATE products SET stock = GREATEST(stock - $2, 0), updated_at = now() WHERE id = $1::uuid`,
		productID.String(), qty)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRelated returns other products from the same category.
func (s *Store) ListRelated(ctx context.Context, category string, excludeSlug string, limit int) ([]Product, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE category = $1 AND slug <> $2
		ORDER BY created_at DESC, slug
		LIMIT $3`,
		category, excludeSlug, limit)
	if err != nil {
		return nil, fmt.Errorf("list related products: %w", err)
	}
	defer rows.Close()
	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
