package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bikeshare-atlas/pipeline/internal/config"
	"github.com/bikeshare-atlas/pipeline/internal/crosswalk"
	"github.com/bikeshare-atlas/pipeline/internal/db"
	"github.com/bikeshare-atlas/pipeline/internal/logging"
	"github.com/bikeshare-atlas/pipeline/internal/resolve"
	"github.com/bikeshare-atlas/pipeline/internal/validate"
)

func main() {
	cfg := config.Load()

	dbPath := flag.String("db", cfg.DatabasePath, "Path to SQLite database")
	period := flag.String("period", "", "Only audit trips of this period prefix (2014 or 2014-09)")
	reportDir := flag.String("report-dir", cfg.LogsDir, "Directory for the JSON audit report")
	flag.Parse()

	logger := logging.NewStructuredLogger(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *dbPath, *period, *reportDir); err != nil {
		logging.LogError(logger, "mapping validation failed", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, dbPath, period, reportDir string) (err error) {
	start := time.Now()

	database, err := db.Open(ctx, dbPath, logger)
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(database, logger, "close_database")

	entries, err := database.LoadCrosswalk(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return resolve.ErrMissingCrosswalk
	}
	table, err := crosswalk.NewTable(entries)
	if err != nil {
		return err
	}
	digest, err := database.CurrentCrosswalkDigest(ctx)
	if err != nil {
		return err
	}

	runID, err := database.CreateRun(ctx, db.RunValidate, digest)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := database.FinishRun(context.Background(), runID, err); ferr != nil {
			logging.LogError(logger, "failed to finish run", ferr, slog.String("run_id", runID))
		}
	}()

	opts := validate.OptionsFromConfig(cfg)
	opts.Logger = logger
	validator := validate.NewValidator(opts)

	trips := 0
	err = database.EachResolvedTrip(ctx, period, func(t resolve.ResolvedTrip) error {
		trips++
		validator.Observe(t)
		return ctx.Err()
	})
	if err != nil {
		return err
	}

	report := validator.Report(table)
	if err := database.ReplaceAudit(ctx, runID, report.Stations); err != nil {
		return err
	}
	path, err := validate.WriteReport(reportDir, report)
	if err != nil {
		return err
	}

	logging.LogOperation(logger, "mapping_validation_finished",
		slog.String("run_id", runID),
		slog.String("report", path),
		slog.Int("trips", trips),
		slog.Int("stations", report.Summary.StationsAnalyzed),
		slog.Int("good", report.Summary.Good),
		slog.Int("bad_raw_data", report.Summary.BadRawData),
		slog.Int("suspicious", report.Summary.Suspicious),
		slog.Int("invalid_coordinate", report.Summary.InvalidCoordinate),
		slog.Duration("duration", time.Since(start)))

	if err := database.Cleanup(ctx, cfg.RetainRuns); err != nil {
		logging.LogError(logger, "run retention failed", err)
	}
	return nil
}
