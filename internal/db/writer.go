package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/bikeshare-atlas/pipeline/internal/crosswalk"
	"github.com/bikeshare-atlas/pipeline/internal/station"
	"github.com/bikeshare-atlas/pipeline/internal/validate"
)

// RunKind names the tool that owns a run
type RunKind string

const (
	RunBuild    RunKind = "build"
	RunResolve  RunKind = "resolve"
	RunValidate RunKind = "validate"
)

// runTimeLayout is fixed width so run timestamps sort as text
const runTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// nullFloat maps NaN to NULL
func nullFloat(f float64) any {
	if math.IsNaN(f) {
		return nil
	}
	return f
}

// nullTime maps the zero time to NULL
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateRun records the start of a run and returns its ID
func (db *DB) CreateRun(ctx context.Context, kind RunKind, crosswalkDigest string) (string, error) {
	runID := uuid.New().String()

	db.LockWrite()
	defer db.UnlockWrite()

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO runs (run_id, kind, crosswalk_digest, started_at_utc) VALUES (?, ?, ?, ?)",
		runID, string(kind), nullString(crosswalkDigest), time.Now().UTC().Format(runTimeLayout),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return runID, nil
}

// FinishRun marks a run succeeded, or failed when runErr is non-nil
func (db *DB) FinishRun(ctx context.Context, runID string, runErr error) error {
	status, msg := "succeeded", any(nil)
	if runErr != nil {
		status, msg = "failed", runErr.Error()
	}

	db.LockWrite()
	defer db.UnlockWrite()

	_, err := db.conn.ExecContext(ctx,
		"UPDATE runs SET status = ?, error = ?, finished_at_utc = ? WHERE run_id = ?",
		status, msg, time.Now().UTC().Format(runTimeLayout), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	return nil
}

// ReplaceCrosswalk swaps in a freshly built crosswalk and records the build
func (db *DB) ReplaceCrosswalk(ctx context.Context, runID string, entries []crosswalk.Entry, report crosswalk.Report) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode build report: %w", err)
	}

	return db.withTx(ctx, "replace_crosswalk", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM station_crosswalk"); err != nil {
			return fmt.Errorf("failed to clear crosswalk: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO station_crosswalk (
				legacy_id, legacy_kind, legacy_name, legacy_lat, legacy_lon,
				canonical_id, canonical_name, canonical_lat, canonical_lon,
				match_tier, distance_m, name_similarity, reason, ghost_type, nearest_id,
				reused, observation_count, first_seen_utc, last_seen_utc, run_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare crosswalk statement: %w", err)
		}
		defer stmt.Close()

		for _, e := range entries {
			_, err := stmt.ExecContext(ctx,
				e.LegacyID.String(), e.LegacyID.Kind().String(), e.LegacyName,
				nullFloat(e.LegacyLat), nullFloat(e.LegacyLon),
				nullString(e.CanonicalID.String()), e.CanonicalName,
				nullFloat(e.CanonicalLat), nullFloat(e.CanonicalLon),
				string(e.Tier), nullFloat(e.DistanceM), nullFloat(e.NameSimilarity),
				e.Reason, e.GhostType, nullString(e.NearestID.String()),
				boolInt(e.Reused), e.ObservationCount,
				nullTime(e.FirstSeen), nullTime(e.LastSeen), runID,
			)
			if err != nil {
				return fmt.Errorf("failed to insert crosswalk entry %s: %w", e.LegacyID, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO crosswalk_builds (
				run_id, built_at_utc, roster_size, roster_fetched_at_utc,
				total, match_rate, digest, report_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			runID, report.BuiltAt.UTC().Format(time.RFC3339), report.RosterSize,
			nullTime(report.RosterFetchedAt), report.Total, report.MatchRate,
			report.Digest, string(reportJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to record crosswalk build: %w", err)
		}
		return nil
	})
}

// LoadCrosswalk reads the current crosswalk in legacy identifier order
func (db *DB) LoadCrosswalk(ctx context.Context) ([]crosswalk.Entry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT legacy_id, legacy_name, legacy_lat, legacy_lon,
		       canonical_id, canonical_name, canonical_lat, canonical_lon,
		       match_tier, distance_m, name_similarity, reason, ghost_type, nearest_id,
		       reused, observation_count, first_seen_utc, last_seen_utc
		FROM station_crosswalk
		ORDER BY legacy_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query crosswalk: %w", err)
	}
	defer rows.Close()

	var entries []crosswalk.Entry
	for rows.Next() {
		var (
			legacyID, legacyName, canonicalName, tier, reason, ghostType string
			canonicalID, nearestID, firstSeen, lastSeen                  sql.NullString
			lLat, lLon, cLat, cLon, dist, sim                            sql.NullFloat64
			reused, count                                                int
		)
		if err := rows.Scan(&legacyID, &legacyName, &lLat, &lLon,
			&canonicalID, &canonicalName, &cLat, &cLon,
			&tier, &dist, &sim, &reason, &ghostType, &nearestID,
			&reused, &count, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan crosswalk entry: %w", err)
		}

		id, ok := station.ParseID(legacyID)
		if !ok {
			return nil, fmt.Errorf("crosswalk row has empty legacy id")
		}
		mt, err := crosswalk.ParseTier(tier)
		if err != nil {
			return nil, fmt.Errorf("crosswalk entry %s: %w", legacyID, err)
		}
		canonical, _ := station.ParseID(canonicalID.String)
		nearest, _ := station.ParseID(nearestID.String)

		entries = append(entries, crosswalk.Entry{
			LegacyID:         id,
			LegacyName:       legacyName,
			LegacyLat:        floatOrNaN(lLat),
			LegacyLon:        floatOrNaN(lLon),
			CanonicalID:      canonical,
			CanonicalName:    canonicalName,
			CanonicalLat:     floatOrNaN(cLat),
			CanonicalLon:     floatOrNaN(cLon),
			Tier:             mt,
			DistanceM:        floatOrNaN(dist),
			NameSimilarity:   floatOrNaN(sim),
			Reason:           reason,
			GhostType:        ghostType,
			NearestID:        nearest,
			Reused:           reused != 0,
			ObservationCount: count,
			FirstSeen:        parseTime(firstSeen),
			LastSeen:         parseTime(lastSeen),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read crosswalk: %w", err)
	}
	return entries, nil
}

// CurrentCrosswalkDigest returns the digest of the latest build, or "" when
// none exists
func (db *DB) CurrentCrosswalkDigest(ctx context.Context) (string, error) {
	var digest string
	err := db.conn.QueryRowContext(ctx,
		"SELECT digest FROM crosswalk_builds ORDER BY built_at_utc DESC, rowid DESC LIMIT 1",
	).Scan(&digest)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query crosswalk digest: %w", err)
	}
	return digest, nil
}

// ReplaceObservations stores the observations a crosswalk was built from
func (db *DB) ReplaceObservations(ctx context.Context, observations []station.Observation) error {
	return db.withTx(ctx, "replace_observations", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM station_observations"); err != nil {
			return fmt.Errorf("failed to clear observations: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO station_observations (
				source, station_id, id_kind, name, lat, lon, first_seen_utc, last_seen_utc,
				observation_count, invalid_count, name_variants, reused, reuse_share
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare observation statement: %w", err)
		}
		defer stmt.Close()

		for _, o := range observations {
			_, err := stmt.ExecContext(ctx,
				string(o.Source), o.ID.String(), o.ID.Kind().String(), o.Name,
				nullFloat(o.Lat), nullFloat(o.Lon), nullTime(o.FirstSeen), nullTime(o.LastSeen),
				o.Count, o.InvalidCount, o.NameVariants, boolInt(o.Reused), o.ReuseShare,
			)
			if err != nil {
				return fmt.Errorf("failed to insert observation %s: %w", o.ID, err)
			}
		}
		return nil
	})
}

// ReplaceAudit stores the per-identifier audit of a validate run
func (db *DB) ReplaceAudit(ctx context.Context, runID string, audits []validate.StationAudit) error {
	return db.withTx(ctx, "replace_audit", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM mapping_audit WHERE run_id = ?", runID); err != nil {
			return fmt.Errorf("failed to clear audit: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO mapping_audit (
				run_id, legacy_id, legacy_name, canonical_id, canonical_name,
				canonical_lat, canonical_lon, match_type, match_tier, trip_count,
				median_distance_m, avg_distance_m, stddev_distance_m, p95_distance_m,
				max_distance_m, trips_over_threshold, pct_over_threshold,
				classification, reused
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare audit statement: %w", err)
		}
		defer stmt.Close()

		for _, a := range audits {
			_, err := stmt.ExecContext(ctx,
				runID, a.LegacyID, a.LegacyName, a.CanonicalID, a.CanonicalName,
				nullFloat(a.CanonicalLat), nullFloat(a.CanonicalLon),
				string(a.MatchType), string(a.Tier), a.TripCount,
				a.MedianM, a.MeanM, a.StdDevM, a.P95M, a.MaxM,
				a.TripsOver, a.PctOver, string(a.Classification), boolInt(a.Reused),
			)
			if err != nil {
				return fmt.Errorf("failed to insert audit for %s: %w", a.LegacyID, err)
			}
		}
		return nil
	})
}

func floatOrNaN(f sql.NullFloat64) float64 {
	if !f.Valid {
		return math.NaN()
	}
	return f.Float64
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
