// cmd/seeder/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/unclebandit/rcs-campaign-pipeline/internal/config"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/db"
	"github.com/unclebandit/rcs-campaign-pipeline/internal/logging"
)

var seedFiles = []string{
	"seed/campaigns.sql",
	"seed/recipients.sql",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx := logger.WithContext(context.Background())

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database unavailable")
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			logger.Fatal().Err(err).Str("file", file).Msg("failed to read seed file")
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			logger.Fatal().Err(err).Str("file", file).Msg("failed to execute seed file")
		}
		logger.Info().Str("file", file).Msg("seeded")
	}

	fmt.Println("Database seeding completed successfully!")
}
