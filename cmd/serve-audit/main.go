package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bikeshare-atlas/pipeline/internal/api"
	"github.com/bikeshare-atlas/pipeline/internal/config"
	"github.com/bikeshare-atlas/pipeline/internal/db"
	"github.com/bikeshare-atlas/pipeline/internal/logging"
)

func main() {
	cfg := config.Load()

	dbPath := flag.String("db", cfg.DatabasePath, "Path to SQLite database")
	port := flag.String("port", cfg.APIPort, "Port to listen on")
	flag.Parse()

	logger := logging.NewStructuredLogger(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, *dbPath, logger)
	if err != nil {
		logging.LogError(logger, "failed to open database", err)
		os.Exit(1)
	}
	defer logging.SafeCloseWithLogging(database, logger, "close_database")

	router := api.NewRouter(api.NewHandler(database), cfg.APIAllowedOrigins)
	server := &http.Server{
		Addr:              ":" + *port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.LogError(logger, "server shutdown failed", err)
		}
	}()

	logger.Info("audit API starting",
		slog.String("addr", server.Addr),
		slog.String("db", *dbPath))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.LogError(logger, "server failed", err)
		os.Exit(1)
	}
	logger.Info("audit API stopped")
}
