package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validator "github.com/go-playground/validator/v10"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kamau-dev/backend-duka/internal/config"
	"github.com/kamau-dev/backend-duka/internal/obs"
)

// Dependencies holds the shared infrastructure both binaries are built on.
type Dependencies struct {
	Config   *config.Config
	Log      zerolog.Logger
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Validate *validator.Validate
}

// New opens and pings the database and Redis, instrumenting both for tracing.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, appName string) (*Dependencies, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		log.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		log.Error().Err(err).Msg("instrument redis metrics")
	}
	if err := client.Ping(ctx).Err(); err != nil {
		pool.Close()
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Dependencies{
		Config:   cfg,
		Log:      log,
		DB:       pool,
		Redis:    client,
		Validate: validator.New(),
	}, nil
}

// Close releases the database pool and Redis client.
func (d *Dependencies) Close() {
	if d == nil {
		return
	}
	if d.DB != nil {
		d.DB.Close()
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Log.Error().Err(err).Msg("close redis")
		}
	}
}

// Migrate applies any pending schema migrations from the configured directory.
func Migrate(cfg *config.Config) error {
	m, err := migrate.New("file://"+cfg.MigrationsDir, migrateURL(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites the connection string scheme for the pgx/v5 migrate
// driver, which registers itself under pgx5.
func migrateURL(databaseURL string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, scheme) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, scheme)
		}
	}
	return databaseURL
}
