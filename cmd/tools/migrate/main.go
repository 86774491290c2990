package main

import (
	"github.com/kamau-dev/backend-duka/internal/app"
	"github.com/kamau-dev/backend-duka/internal/config"
	"github.com/kamau-dev/backend-duka/internal/obs"
)

func main() {
	logger := obs.NewLogger("console", "info").With().Str("component", "migrate").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load configuration")
	}
	if err := app.Migrate(cfg); err != nil {
		logger.Fatal().Err(err).Msg("apply migrations")
	}
	logger.Info().Str("dir", cfg.MigrationsDir).Msg("migrations applied")
}
