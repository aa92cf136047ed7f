package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bikeshare-atlas/pipeline/internal/crosswalk"
	"github.com/bikeshare-atlas/pipeline/internal/resolve"
)

// TripSink persists resolved trips and per-file counters. It implements
// resolve.Sink: BeginFile drops whatever an earlier run stored for the file,
// FinishFile marks the file processed against the crosswalk digest.
type TripSink struct {
	db     *DB
	runID  string
	digest string
}

// NewTripSink creates a sink writing under runID
func (db *DB) NewTripSink(runID, crosswalkDigest string) *TripSink {
	return &TripSink{db: db, runID: runID, digest: crosswalkDigest}
}

// BeginFile implements resolve.Sink
func (s *TripSink) BeginFile(ctx context.Context, sourceFile string) error {
	return s.db.withTx(ctx, "begin_trip_file", func(tx *sql.Tx) error {
		for _, q := range []string{
			"DELETE FROM resolved_trips WHERE source_file = ?",
			"DELETE FROM processed_files WHERE source_file = ?",
		} {
			if _, err := tx.ExecContext(ctx, q, sourceFile); err != nil {
				return fmt.Errorf("failed to clear previous rows of %s: %w", sourceFile, err)
			}
		}
		return nil
	})
}

// WriteBatch implements resolve.Sink
func (s *TripSink) WriteBatch(ctx context.Context, sourceFile string, trips []resolve.ResolvedTrip) error {
	return s.db.withTx(ctx, "write_trips", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO resolved_trips (
				source_file, source_row, run_id, ride_id, period, started_at_utc, duration_sec,
				rideable_type, member_casual,
				start_station_id_raw, start_station_name_raw, start_lat_raw, start_lon_raw,
				start_station_id, start_station_name, start_lat, start_lon,
				start_match_type, start_match_tier,
				end_station_id_raw, end_station_name_raw, end_lat_raw, end_lon_raw,
				end_station_id, end_station_name, end_lat, end_lon,
				end_match_type, end_match_tier
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare trip statement: %w", err)
		}
		defer stmt.Close()

		for _, t := range trips {
			_, err := stmt.ExecContext(ctx,
				sourceFile, t.Row, s.runID, t.RideID, t.Period,
				t.StartedAt.UTC().Format(time.RFC3339), t.DurationSec,
				t.RideableType, t.MemberCasual,
				t.Start.RawID, t.Start.RawName, nullFloat(t.Start.RawLat), nullFloat(t.Start.RawLon),
				t.Start.CanonicalID, t.Start.CanonicalName, nullFloat(t.Start.CanonicalLat), nullFloat(t.Start.CanonicalLon),
				string(t.Start.MatchType), string(t.Start.Tier),
				t.End.RawID, t.End.RawName, nullFloat(t.End.RawLat), nullFloat(t.End.RawLon),
				t.End.CanonicalID, t.End.CanonicalName, nullFloat(t.End.CanonicalLat), nullFloat(t.End.CanonicalLon),
				string(t.End.MatchType), string(t.End.Tier),
			)
			if err != nil {
				return fmt.Errorf("failed to insert trip %s:%d: %w", sourceFile, t.Row, err)
			}
		}
		return nil
	})
}

// FinishFile implements resolve.Sink
func (s *TripSink) FinishFile(ctx context.Context, stats *resolve.Stats) error {
	return s.db.withTx(ctx, "finish_trip_file", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO trip_file_stats (run_id, source_file, rows_in, rows_out, unresolvable, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?)
		`, s.runID, stats.SourceFile, stats.RowsIn, stats.RowsOut, stats.Unresolvable, stats.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("failed to record stats for %s: %w", stats.SourceFile, err)
		}

		for _, reason := range resolve.AllReasons {
			_, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO trip_filter_counts (run_id, source_file, reason, count) VALUES (?, ?, ?, ?)",
				s.runID, stats.SourceFile, string(reason), stats.Filtered[reason])
			if err != nil {
				return fmt.Errorf("failed to record filter count for %s: %w", stats.SourceFile, err)
			}
		}

		for _, side := range []struct {
			name   string
			counts map[resolve.MatchType]int
		}{{"start", stats.StartMatch}, {"end", stats.EndMatch}} {
			for _, mt := range resolve.AllMatchTypes {
				_, err := tx.ExecContext(ctx,
					"INSERT OR REPLACE INTO trip_match_counts (run_id, source_file, endpoint, match_type, count) VALUES (?, ?, ?, ?, ?)",
					s.runID, stats.SourceFile, side.name, string(mt), side.counts[mt])
				if err != nil {
					return fmt.Errorf("failed to record match count for %s: %w", stats.SourceFile, err)
				}
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO processed_files (source_file, run_id, crosswalk_digest, rows_in, rows_out, processed_at_utc)
			VALUES (?, ?, ?, ?, ?, ?)
		`, stats.SourceFile, s.runID, s.digest, stats.RowsIn, stats.RowsOut, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("failed to mark %s processed: %w", stats.SourceFile, err)
		}
		return nil
	})
}

// IsProcessed reports whether sourceFile was fully resolved against the
// crosswalk with this digest
func (db *DB) IsProcessed(ctx context.Context, sourceFile, crosswalkDigest string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processed_files WHERE source_file = ? AND crosswalk_digest = ?",
		sourceFile, crosswalkDigest,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check processed file %s: %w", sourceFile, err)
	}
	return n > 0, nil
}

// EachResolvedTrip streams stored trips, optionally limited to one period
// prefix ("2014" or "2014-09"), in source order. fn's error stops the scan.
// The scan holds the only connection, so fn must not use db.
func (db *DB) EachResolvedTrip(ctx context.Context, period string, fn func(resolve.ResolvedTrip) error) error {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT source_file, source_row, ride_id, period, started_at_utc, duration_sec,
		       rideable_type, member_casual,
		       start_station_id_raw, start_station_name_raw, start_lat_raw, start_lon_raw,
		       start_station_id, start_station_name, start_lat, start_lon,
		       start_match_type, start_match_tier,
		       end_station_id_raw, end_station_name_raw, end_lat_raw, end_lon_raw,
		       end_station_id, end_station_name, end_lat, end_lon,
		       end_match_type, end_match_tier
		FROM resolved_trips
		WHERE period LIKE ? || '%'
		ORDER BY source_file, source_row
	`, period)
	if err != nil {
		return fmt.Errorf("failed to query resolved trips: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t          resolve.ResolvedTrip
			startedAt  string
			start, end endpointScan
		)
		if err := rows.Scan(
			&t.SourceFile, &t.Row, &t.RideID, &t.Period, &startedAt, &t.DurationSec,
			&t.RideableType, &t.MemberCasual,
			&start.rawID, &start.rawName, &start.rawLat, &start.rawLon,
			&start.id, &start.name, &start.lat, &start.lon,
			&start.matchType, &start.tier,
			&end.rawID, &end.rawName, &end.rawLat, &end.rawLon,
			&end.id, &end.name, &end.lat, &end.lon,
			&end.matchType, &end.tier,
		); err != nil {
			return fmt.Errorf("failed to scan resolved trip: %w", err)
		}
		t.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		t.Start = start.endpoint()
		t.End = end.endpoint()
		if err := fn(t); err != nil {
			return err
		}
	}
	return rows.Err()
}

type endpointScan struct {
	rawID, rawName, id, name, matchType, tier string
	rawLat, rawLon, lat, lon                  sql.NullFloat64
}

func (e endpointScan) endpoint() resolve.Endpoint {
	return resolve.Endpoint{
		RawID:         e.rawID,
		RawName:       e.rawName,
		RawLat:        floatOrNaN(e.rawLat),
		RawLon:        floatOrNaN(e.rawLon),
		CanonicalID:   e.id,
		CanonicalName: e.name,
		CanonicalLat:  floatOrNaN(e.lat),
		CanonicalLon:  floatOrNaN(e.lon),
		MatchType:     resolve.MatchType(e.matchType),
		Tier:          crosswalk.MatchTier(e.tier),
	}
}
