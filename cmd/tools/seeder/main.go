package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Development seeder: a small Kenyan storefront catalog plus one rule of
// each type so the pricing pipeline has something to chew on.

type product struct {
	slug        string
	title       string
	description string
	category    string
	price       int64
	stock       int
}

type rule struct {
	productSlug string
	label       string
	ruleType    string
	mode        string
	value       int64
	minQty      int
	regions     []string
	position    int
	days        int
}

var products = []product{
	{"electric-kettle", "Electric Kettle 1.7L", "Stainless steel kettle with auto shut-off", "kitchen", 2400_00, 40},
	{"ceramic-mug-set", "Ceramic Mug Set (4)", "Dishwasher-safe 350ml mugs", "kitchen", 1200_00, 120},
	{"cotton-throw", "Cotton Throw Blanket", "Handwoven throw, 150x200cm", "home", 3200_00, 25},
	{"desk-lamp", "LED Desk Lamp", "Dimmable lamp with USB charging port", "office", 1800_00, 60},
	{"notebook-a5", "A5 Dotted Notebook", "192 pages, lay-flat binding", "office", 450_00, 300},
	{"water-bottle", "Insulated Water Bottle 750ml", "Keeps drinks cold for 24h", "outdoor", 1500_00, 80},
}

var rules = []rule{
	{"", "August clearance", "sale", "percent", 1000, 0, nil, 10, 14},
	{"ceramic-mug-set", "Mug set promo", "sale", "fixed", 200_00, 0, nil, 20, 30},
	{"notebook-a5", "Bulk stationery", "bulk", "percent", 1500, 10, nil, 10, 0},
	{"", "Kenya launch", "location", "percent", 500, 0, []string{"KE"}, 10, 60},
}

func main() {
	_ = godotenv.Load()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal().Msg("DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("ping database")
	}

	if err := seedProducts(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("seed products")
	}
	if err := seedRules(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("seed discount rules")
	}
	log.Info().Int("products", len(products)).Int("rules", len(rules)).Msg("seeding completed")
}

func seedProducts(ctx context.Context, pool *pgxpool.Pool) error {
	for _, p := range products {
		_, err := pool.Exec(ctx, `
			INSERT INTO products (slug, title, description, category, price, stock)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (slug) DO UPDATE
			SET title = EXCLUDED.title, description = EXCLUDED.description,
			    category = EXCLUDED.category, price = EXCLUDED.price,
			    stock = EXCLUDED.stock, updated_at = now()`,
			p.slug, p.title, p.description, p.category, p.price, p.stock)
		if err != nil {
			return fmt.Errorf("upsert product %s: %w", p.slug, err)
		}
	}
	return nil
}

func seedRules(ctx context.Context, pool *pgxpool.Pool) error {
	for _, r := range rules {
		var productID *string
		if r.productSlug != "" {
			var id string
			if err := pool.QueryRow(ctx,
				`SELECT id::text FROM products WHERE slug = $1`, r.productSlug).Scan(&id); err != nil {
				return fmt.Errorf("resolve product %s: %w", r.productSlug, err)
			}
			productID = &id
		}

		var exists bool
		if err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM discount_rules WHERE label = $1)`, r.label).Scan(&exists); err != nil {
			return fmt.Errorf("check rule %q: %w", r.label, err)
		}
		if exists {
			continue
		}

		var startsAt, endsAt *time.Time
		if r.days > 0 {
			now := time.Now().Truncate(time.Hour)
			until := now.AddDate(0, 0, r.days)
			startsAt, endsAt = &now, &until
		}
		regions := r.regions
		if regions == nil {
			regions = []string{}
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO discount_rules
				(product_id, label, rule_type, mode, value, starts_at, ends_at, min_qty, regions, position, enabled)
			VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, true)`,
			productID, r.label, r.ruleType, r.mode, r.value,
			startsAt, endsAt, r.minQty, regions, r.position)
		if err != nil {
			return fmt.Errorf("insert rule %q: %w", r.label, err)
		}
	}
	return nil
}
