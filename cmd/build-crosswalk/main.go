package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bikeshare-atlas/pipeline/internal/config"
	"github.com/bikeshare-atlas/pipeline/internal/crosswalk"
	"github.com/bikeshare-atlas/pipeline/internal/db"
	"github.com/bikeshare-atlas/pipeline/internal/logging"
	"github.com/bikeshare-atlas/pipeline/internal/resolve"
	"github.com/bikeshare-atlas/pipeline/internal/station"
)

func main() {
	cfg := config.Load()

	tripsDir := flag.String("trips", "data/trips", "Directory (or single file) of normalized trip CSVs")
	rosterPath := flag.String("roster", filepath.Join(cfg.ReferenceDir, "station_information.json"), "Live roster snapshot (.json GBFS or .csv)")
	overridesPath := flag.String("overrides", filepath.Join(cfg.ReferenceDir, "manual_overrides.csv"), "Manual overrides CSV (optional)")
	outPath := flag.String("out", filepath.Join(cfg.ReferenceDir, "station_crosswalk.csv"), "Crosswalk CSV output")
	dbPath := flag.String("db", cfg.DatabasePath, "Path to SQLite database")
	flag.Parse()

	logger := logging.NewStructuredLogger(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := &build{
		cfg:           cfg,
		logger:        logger,
		tripsDir:      *tripsDir,
		rosterPath:    *rosterPath,
		overridesPath: *overridesPath,
		outPath:       *outPath,
		dbPath:        *dbPath,
	}
	if err := b.run(ctx); err != nil {
		logging.LogError(logger, "crosswalk build failed", err)
		os.Exit(1)
	}
}

type build struct {
	cfg    *config.Config
	logger *slog.Logger

	tripsDir      string
	rosterPath    string
	overridesPath string
	outPath       string
	dbPath        string
}

func (b *build) run(ctx context.Context) (err error) {
	start := time.Now()

	roster, err := b.loadRoster(ctx)
	if err != nil {
		return err
	}

	paths, err := resolve.ListTripFiles(b.tripsDir)
	if err != nil {
		return err
	}
	store, err := resolve.CollectObservations(ctx, paths, b.cfg.Workers, station.StoreOptions{
		Envelope:       b.cfg.Envelope(),
		ReuseDistanceM: b.cfg.ReuseDistanceM,
		ReuseMinShare:  b.cfg.ReuseMinShare,
	}, b.logger)
	if err != nil {
		return fmt.Errorf("failed to collect observations: %w", err)
	}
	observations := store.Observations()
	b.logger.Info("observations collected",
		slog.Int("files", len(paths)),
		slog.Int("identifiers", len(observations)))

	overrides, err := b.loadOverrides()
	if err != nil {
		return err
	}

	database, err := db.Open(ctx, b.dbPath, b.logger)
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(database, b.logger, "close_database")

	runID, err := database.CreateRun(ctx, db.RunBuild, "")
	if err != nil {
		return err
	}
	defer func() {
		if ferr := database.FinishRun(context.Background(), runID, err); ferr != nil {
			logging.LogError(b.logger, "failed to finish run", ferr, slog.String("run_id", runID))
		}
	}()

	builder := crosswalk.NewBuilder(crosswalk.Options{
		Tiers:    crosswalk.TiersFromConfig(b.cfg),
		Envelope: b.cfg.Envelope(),
		Workers:  b.cfg.Workers,
		Logger:   b.logger,
	})
	result, err := builder.Build(ctx, observations, roster, overrides)
	if err != nil {
		return err
	}

	if err := crosswalk.WriteFile(b.outPath, result.Entries); err != nil {
		return err
	}
	if err := database.ReplaceObservations(ctx, append(observations, roster.Observations()...)); err != nil {
		return err
	}
	if err := database.ReplaceCrosswalk(ctx, runID, result.Entries, result.Report); err != nil {
		return err
	}
	reportPath, err := crosswalk.WriteReport(b.cfg.LogsDir, result.Report)
	if err != nil {
		return err
	}

	logging.LogOperation(b.logger, "crosswalk_written",
		slog.String("run_id", runID),
		slog.String("csv", b.outPath),
		slog.String("report", reportPath),
		slog.Int("entries", result.Report.Total),
		slog.Float64("match_rate", result.Report.MatchRate),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// loadRoster refreshes the snapshot when a feed URL is configured, then
// loads it. A stale snapshot is used with a warning.
func (b *build) loadRoster(ctx context.Context) (*station.Roster, error) {
	if b.cfg.RosterURL != "" {
		fetcher := station.NewFetcher(b.logger)
		if err := fetcher.RefreshIfStale(ctx, b.cfg.RosterURL, b.rosterPath, b.cfg.RosterMaxAge); err != nil {
			return nil, err
		}
	}

	roster, err := station.LoadRoster(b.rosterPath)
	if err != nil {
		return nil, err
	}
	if roster.Len() == 0 {
		return nil, crosswalk.ErrEmptyRoster
	}
	if roster.IsStale(b.cfg.RosterMaxAge, time.Now()) {
		b.logger.Warn("live roster snapshot is stale",
			slog.String("path", b.rosterPath),
			slog.Time("fetched_at", roster.FetchedAt()),
			slog.Duration("max_age", b.cfg.RosterMaxAge))
	}
	return roster, nil
}

func (b *build) loadOverrides() ([]crosswalk.Override, error) {
	overrides, err := crosswalk.LoadOverrides(b.overridesPath)
	if err != nil {
		return nil, err
	}
	b.logger.Info("manual overrides loaded", slog.Int("count", len(overrides)))
	return overrides, nil
}
