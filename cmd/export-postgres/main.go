package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bikeshare-atlas/pipeline/internal/config"
	"github.com/bikeshare-atlas/pipeline/internal/db"
	"github.com/bikeshare-atlas/pipeline/internal/export"
	"github.com/bikeshare-atlas/pipeline/internal/logging"
)

func main() {
	cfg := config.Load()

	dbPath := flag.String("db", cfg.DatabasePath, "Path to SQLite database")
	databaseURL := flag.String("database-url", cfg.PostgresURL, "Postgres connection string (defaults to DATABASE_URL)")
	flag.Parse()

	logger := logging.NewStructuredLogger(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	if *databaseURL == "" {
		logger.Error("DATABASE_URL is not set")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *dbPath, *databaseURL); err != nil {
		logging.LogError(logger, "postgres export failed", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, dbPath, databaseURL string) error {
	database, err := db.Open(ctx, dbPath, logger)
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(database, logger, "close_database")

	exporter, err := export.NewPostgresExporter(ctx, databaseURL, logger)
	if err != nil {
		return err
	}
	defer exporter.Close()

	_, err = exporter.Export(ctx, database)
	return err
}
