// Command migrate applies the settlement journal schema to PostgreSQL.
//
// The schema is idempotent, so running it against an up-to-date database
// is a no-op. POSTGRES_URL (or postgres_url in CONFIG_FILE) selects the
// database.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/agentpay/internal/config"
	"github.com/kelpejol/agentpay/internal/journal"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Str("component", "migrate").
		Logger()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := journal.Open(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer db.Close()
	logger.Info().Msg("connected to postgres")

	if err := journal.Migrate(ctx, db); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	logger.Info().Msg("journal schema applied")
}
