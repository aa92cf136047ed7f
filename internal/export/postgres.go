package export

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bikeshare-atlas/pipeline/internal/db"
	"github.com/bikeshare-atlas/pipeline/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// Source is the part of the SQLite store an export reads
type Source interface {
	ListCrosswalk(ctx context.Context, tier string) ([]db.CrosswalkRow, error)
	ListAudit(ctx context.Context, runID, classification string) ([]db.AuditRow, error)
}

// Result counts the rows copied by one export
type Result struct {
	CrosswalkRows int64
	AuditRows     int64
	Duration      time.Duration
}

var crosswalkColumns = []string{
	"legacy_id", "legacy_kind", "legacy_name", "legacy_lat", "legacy_lon",
	"canonical_id", "canonical_name", "canonical_lat", "canonical_lon",
	"match_tier", "distance_m", "name_similarity", "reason", "ghost_type", "nearest_id",
	"reused", "observation_count", "first_seen_utc", "last_seen_utc",
}

var auditColumns = []string{
	"run_id", "legacy_id", "legacy_name", "canonical_id", "canonical_name",
	"canonical_lat", "canonical_lon", "match_type", "match_tier", "trip_count",
	"median_distance_m", "avg_distance_m", "stddev_distance_m", "p95_distance_m",
	"max_distance_m", "trips_over_threshold", "pct_over_threshold",
	"classification", "reused",
}

// PostgresExporter mirrors the crosswalk and the latest audit into Postgres
type PostgresExporter struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresExporter connects to databaseURL and verifies the connection
func NewPostgresExporter(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresExporter, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresExporter{
		pool:   pool,
		logger: logging.OrDefault(logger).With(slog.String("component", "postgres_export")),
	}, nil
}

// Close releases the pool
func (e *PostgresExporter) Close() {
	e.pool.Close()
}

// Export replaces both Postgres tables in one transaction. When there is no
// validate run yet only the crosswalk is exported.
func (e *PostgresExporter) Export(ctx context.Context, src Source) (Result, error) {
	start := time.Now()
	var res Result

	entries, err := src.ListCrosswalk(ctx, "")
	if err != nil {
		return res, fmt.Errorf("failed to read crosswalk: %w", err)
	}
	audits, err := src.ListAudit(ctx, "", "")
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return res, fmt.Errorf("failed to read audit: %w", err)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			logging.LogError(e.logger, "failed to rollback export", err)
		}
	}()

	if _, err := tx.Exec(ctx, schemaSQL); err != nil {
		return res, fmt.Errorf("failed to ensure schema: %w", err)
	}
	if _, err := tx.Exec(ctx, "TRUNCATE station_crosswalk, mapping_audit"); err != nil {
		return res, fmt.Errorf("failed to truncate tables: %w", err)
	}

	res.CrosswalkRows, err = tx.CopyFrom(ctx,
		pgx.Identifier{"station_crosswalk"}, crosswalkColumns,
		pgx.CopyFromRows(crosswalkRows(entries)))
	if err != nil {
		return res, fmt.Errorf("failed to copy crosswalk: %w", err)
	}

	res.AuditRows, err = tx.CopyFrom(ctx,
		pgx.Identifier{"mapping_audit"}, auditColumns,
		pgx.CopyFromRows(auditRows(audits)))
	if err != nil {
		return res, fmt.Errorf("failed to copy audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("failed to commit export: %w", err)
	}

	res.Duration = time.Since(start)
	e.logger.Info("exported to postgres",
		slog.Int64("crosswalk_rows", res.CrosswalkRows),
		slog.Int64("audit_rows", res.AuditRows),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

func crosswalkRows(entries []db.CrosswalkRow) [][]any {
	rows := make([][]any, 0, len(entries))
	for _, r := range entries {
		rows = append(rows, []any{
			r.LegacyID, r.LegacyKind, r.LegacyName, r.LegacyLat, r.LegacyLon,
			r.CanonicalID, r.CanonicalName, r.CanonicalLat, r.CanonicalLon,
			r.MatchTier, r.DistanceM, r.NameSimilarity, r.Reason, r.GhostType, r.NearestID,
			r.Reused, r.ObservationCount, r.FirstSeen, r.LastSeen,
		})
	}
	return rows
}

func auditRows(audits []db.AuditRow) [][]any {
	rows := make([][]any, 0, len(audits))
	for _, a := range audits {
		rows = append(rows, []any{
			a.RunID, a.LegacyID, a.LegacyName, a.CanonicalID, a.CanonicalName,
			a.CanonicalLat, a.CanonicalLon, a.MatchType, a.MatchTier, a.TripCount,
			a.MedianM, a.MeanM, a.StdDevM, a.P95M,
			a.MaxM, a.TripsOver, a.PctOver,
			a.Classification, a.Reused,
		})
	}
	return rows
}
