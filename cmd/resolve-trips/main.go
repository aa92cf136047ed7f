package main

import (
	"context"
	"errors"
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
	crosswalkPath := flag.String("crosswalk", filepath.Join(cfg.ReferenceDir, "station_crosswalk.csv"), "Crosswalk CSV written by build-crosswalk")
	rosterPath := flag.String("roster", filepath.Join(cfg.ReferenceDir, "station_information.json"), "Live roster for current canonical coordinates (optional)")
	dbPath := flag.String("db", cfg.DatabasePath, "Path to SQLite database")
	outDir := flag.String("out", cfg.OutputDir, "Directory for period-partitioned CSV output")
	noCSV := flag.Bool("no-csv", false, "Only store resolved trips in SQLite")
	force := flag.Bool("force", false, "Re-resolve files already processed against this crosswalk")
	flag.Parse()

	logger := logging.NewStructuredLogger(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &run{
		cfg:           cfg,
		logger:        logger,
		tripsDir:      *tripsDir,
		crosswalkPath: *crosswalkPath,
		rosterPath:    *rosterPath,
		dbPath:        *dbPath,
		outDir:        *outDir,
		writeCSV:      !*noCSV,
		force:         *force,
	}
	if err := r.execute(ctx); err != nil {
		logging.LogError(logger, "trip resolution failed", err)
		os.Exit(1)
	}
}

type run struct {
	cfg    *config.Config
	logger *slog.Logger

	tripsDir      string
	crosswalkPath string
	rosterPath    string
	dbPath        string
	outDir        string
	writeCSV      bool
	force         bool
}

func (r *run) execute(ctx context.Context) (err error) {
	start := time.Now()

	table, digest, err := r.loadCrosswalk()
	if err != nil {
		return err
	}
	resolver, err := resolve.NewResolver(table, r.loadRoster(), r.cfg.Envelope())
	if err != nil {
		return err
	}
	pass := resolve.NewPass(resolver, resolve.Options{
		Filters: resolve.FiltersFromConfig(r.cfg),
		Strict:  r.cfg.StrictCompleteness,
		Logger:  r.logger,
	})

	database, err := db.Open(ctx, r.dbPath, r.logger)
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(database, r.logger, "close_database")

	paths, err := r.pending(ctx, database, digest)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		r.logger.Info("all trip files already resolved against this crosswalk", slog.String("digest", digest))
		return nil
	}

	runID, err := database.CreateRun(ctx, db.RunResolve, digest)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := database.FinishRun(context.Background(), runID, err); ferr != nil {
			logging.LogError(r.logger, "failed to finish run", ferr, slog.String("run_id", runID))
		}
	}()

	sink := resolve.MultiSink{database.NewTripSink(runID, digest)}
	if r.writeCSV {
		partitions := resolve.NewPartitionWriter(r.outDir)
		defer logging.SafeCloseWithLogging(partitions, r.logger, "close_partitions")
		sink = append(sink, partitions)
	}

	results, err := pass.ProcessFiles(ctx, paths, r.cfg.Workers, sink)
	total := resolve.NewStats("")
	for _, s := range results {
		total.Merge(s)
	}
	logging.LogOperation(r.logger, "trip_resolution_finished",
		slog.String("run_id", runID),
		slog.Int("files", len(results)),
		slog.Int("rows_in", total.RowsIn),
		slog.Int("rows_out", total.RowsOut),
		slog.Int("filtered", total.FilteredTotal()),
		slog.Int("unresolvable", total.Unresolvable),
		slog.Duration("duration", time.Since(start)))
	if err != nil {
		var unresolvable *resolve.UnresolvableError
		if errors.As(err, &unresolvable) {
			r.logger.Error("crosswalk is incomplete, rebuild it before resolving",
				slog.String("legacy_id", unresolvable.ID.String()))
		}
		return err
	}

	if err := database.Cleanup(ctx, r.cfg.RetainRuns); err != nil {
		logging.LogError(r.logger, "run retention failed", err)
	}
	return nil
}

func (r *run) loadCrosswalk() (*crosswalk.Table, string, error) {
	entries, err := crosswalk.ReadFile(r.crosswalkPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: %s", resolve.ErrMissingCrosswalk, r.crosswalkPath)
	}
	if err != nil {
		return nil, "", err
	}
	table, err := crosswalk.NewTable(entries)
	if err != nil {
		return nil, "", err
	}
	digest, err := crosswalk.Digest(entries)
	if err != nil {
		return nil, "", err
	}
	r.logger.Info("crosswalk loaded",
		slog.String("path", r.crosswalkPath),
		slog.Int("entries", table.Len()),
		slog.String("digest", digest))
	return table, digest, nil
}

// loadRoster is optional: without it matched stations use the canonical
// copy stored in the crosswalk
func (r *run) loadRoster() *station.Roster {
	roster, err := station.LoadRoster(r.rosterPath)
	if err != nil {
		r.logger.Warn("live roster unavailable, using crosswalk coordinates",
			slog.String("path", r.rosterPath),
			slog.String("error", err.Error()))
		return nil
	}
	return roster
}

// pending drops files already resolved against digest unless forced
func (r *run) pending(ctx context.Context, database *db.DB, digest string) ([]string, error) {
	paths, err := resolve.ListTripFiles(r.tripsDir)
	if err != nil {
		return nil, err
	}
	if r.force {
		return paths, nil
	}

	var todo []string
	for _, p := range paths {
		done, err := database.IsProcessed(ctx, filepath.Base(p), digest)
		if err != nil {
			return nil, err
		}
		if done {
			r.logger.Debug("skipping resolved file", slog.String("source_file", filepath.Base(p)))
			continue
		}
		todo = append(todo, p)
	}
	return todo, nil
}
