package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by single-row lookups with no match
var ErrNotFound = errors.New("not found")

// CrosswalkRow is one station_crosswalk row as served by the query API
type CrosswalkRow struct {
	LegacyID         string     `db:"legacy_id" json:"legacyId"`
	LegacyKind       string     `db:"legacy_kind" json:"legacyKind"`
	LegacyName       string     `db:"legacy_name" json:"legacyName"`
	LegacyLat        *float64   `db:"legacy_lat" json:"legacyLat"`
	LegacyLon        *float64   `db:"legacy_lon" json:"legacyLon"`
	CanonicalID      *string    `db:"canonical_id" json:"canonicalId"`
	CanonicalName    string     `db:"canonical_name" json:"canonicalName"`
	CanonicalLat     *float64   `db:"canonical_lat" json:"canonicalLat"`
	CanonicalLon     *float64   `db:"canonical_lon" json:"canonicalLon"`
	MatchTier        string     `db:"match_tier" json:"matchTier"`
	DistanceM        *float64   `db:"distance_m" json:"distanceM"`
	NameSimilarity   *float64   `db:"name_similarity" json:"nameSimilarity"`
	Reason           string     `db:"reason" json:"reason,omitempty"`
	GhostType        string     `db:"ghost_type" json:"ghostType,omitempty"`
	NearestID        *string    `db:"nearest_id" json:"nearestId,omitempty"`
	Reused           bool       `db:"reused" json:"reused"`
	ObservationCount int        `db:"observation_count" json:"observationCount"`
	FirstSeen        *time.Time `db:"first_seen_utc" json:"firstSeen"`
	LastSeen         *time.Time `db:"last_seen_utc" json:"lastSeen"`
}

// AuditRow is one mapping_audit row
type AuditRow struct {
	RunID          string   `db:"run_id" json:"runId"`
	LegacyID       string   `db:"legacy_id" json:"legacyId"`
	LegacyName     string   `db:"legacy_name" json:"legacyName"`
	CanonicalID    string   `db:"canonical_id" json:"canonicalId"`
	CanonicalName  string   `db:"canonical_name" json:"canonicalName"`
	CanonicalLat   *float64 `db:"canonical_lat" json:"canonicalLat"`
	CanonicalLon   *float64 `db:"canonical_lon" json:"canonicalLon"`
	MatchType      string   `db:"match_type" json:"matchType"`
	MatchTier      string   `db:"match_tier" json:"matchTier"`
	TripCount      int      `db:"trip_count" json:"tripCount"`
	MedianM        float64  `db:"median_distance_m" json:"medianDistanceM"`
	MeanM          float64  `db:"avg_distance_m" json:"avgDistanceM"`
	StdDevM        float64  `db:"stddev_distance_m" json:"stddevDistanceM"`
	P95M           float64  `db:"p95_distance_m" json:"p95DistanceM"`
	MaxM           float64  `db:"max_distance_m" json:"maxDistanceM"`
	TripsOver      int      `db:"trips_over_threshold" json:"tripsOverThreshold"`
	PctOver        float64  `db:"pct_over_threshold" json:"pctOverThreshold"`
	Classification string   `db:"classification" json:"classification"`
	Reused         bool     `db:"reused" json:"reused"`
}

// Run is one row of the runs table
type Run struct {
	RunID           string     `db:"run_id" json:"runId"`
	Kind            string     `db:"kind" json:"kind"`
	Status          string     `db:"status" json:"status"`
	CrosswalkDigest *string    `db:"crosswalk_digest" json:"crosswalkDigest,omitempty"`
	StartedAt       time.Time  `db:"started_at_utc" json:"startedAt"`
	FinishedAt      *time.Time `db:"finished_at_utc" json:"finishedAt,omitempty"`
	Error           *string    `db:"error" json:"error,omitempty"`
}

// FileFilterCounts are the per-file counters of a resolve run
type FileFilterCounts struct {
	SourceFile   string         `json:"sourceFile"`
	RowsIn       int            `json:"rowsIn"`
	RowsOut      int            `json:"rowsOut"`
	Unresolvable int            `json:"unresolvable"`
	Filtered     map[string]int `json:"filtered"`
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// parseTimeString converts an RFC3339 string to *time.Time, nil if absent
func parseTimeString(s sql.NullString) *time.Time {
	t := parseTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

const crosswalkColumns = `
	legacy_id, legacy_kind, legacy_name, legacy_lat, legacy_lon,
	canonical_id, canonical_name, canonical_lat, canonical_lon,
	match_tier, distance_m, name_similarity, reason, ghost_type, nearest_id,
	reused, observation_count, first_seen_utc, last_seen_utc`

type scanner interface {
	Scan(dest ...any) error
}

func scanCrosswalkRow(s scanner) (CrosswalkRow, error) {
	var (
		r                                           CrosswalkRow
		lLat, lLon, cLat, cLon, dist, sim           sql.NullFloat64
		canonicalID, nearestID, firstSeen, lastSeen sql.NullString
		reused                                      int
	)
	err := s.Scan(&r.LegacyID, &r.LegacyKind, &r.LegacyName, &lLat, &lLon,
		&canonicalID, &r.CanonicalName, &cLat, &cLon,
		&r.MatchTier, &dist, &sim, &r.Reason, &r.GhostType, &nearestID,
		&reused, &r.ObservationCount, &firstSeen, &lastSeen)
	if err != nil {
		return r, err
	}
	r.LegacyLat, r.LegacyLon = floatPtr(lLat), floatPtr(lLon)
	r.CanonicalLat, r.CanonicalLon = floatPtr(cLat), floatPtr(cLon)
	r.DistanceM, r.NameSimilarity = floatPtr(dist), floatPtr(sim)
	r.CanonicalID, r.NearestID = stringPtr(canonicalID), stringPtr(nearestID)
	r.FirstSeen, r.LastSeen = parseTimeString(firstSeen), parseTimeString(lastSeen)
	r.Reused = reused != 0
	return r, nil
}

func (db *DB) queryCrosswalk(ctx context.Context, where string, args ...any) ([]CrosswalkRow, error) {
	query := "SELECT " + crosswalkColumns + " FROM station_crosswalk " + where + " ORDER BY legacy_id"
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query crosswalk: %w", err)
	}
	defer rows.Close()

	result := []CrosswalkRow{}
	for rows.Next() {
		r, err := scanCrosswalkRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan crosswalk row: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ListCrosswalk returns crosswalk rows, all of them when tier is empty
func (db *DB) ListCrosswalk(ctx context.Context, tier string) ([]CrosswalkRow, error) {
	if tier == "" {
		return db.queryCrosswalk(ctx, "")
	}
	return db.queryCrosswalk(ctx, "WHERE match_tier = ?", tier)
}

// ReusedCrosswalk returns the entries whose legacy identifier was reused
func (db *DB) ReusedCrosswalk(ctx context.Context) ([]CrosswalkRow, error) {
	return db.queryCrosswalk(ctx, "WHERE reused = 1")
}

// GetCrosswalkEntry returns the entry for one legacy identifier
func (db *DB) GetCrosswalkEntry(ctx context.Context, legacyID string) (*CrosswalkRow, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+crosswalkColumns+" FROM station_crosswalk WHERE legacy_id = ?", legacyID)
	r, err := scanCrosswalkRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("crosswalk entry %s: %w", legacyID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query crosswalk entry: %w", err)
	}
	return &r, nil
}

// LatestRun returns the newest successful run of kind
func (db *DB) LatestRun(ctx context.Context, kind RunKind) (*Run, error) {
	runs, err := db.queryRuns(ctx, "WHERE kind = ? AND status = 'succeeded'", 1, string(kind))
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no %s run: %w", kind, ErrNotFound)
	}
	return &runs[0], nil
}

// ListRuns returns the newest runs first
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	return db.queryRuns(ctx, "", limit)
}

func (db *DB) queryRuns(ctx context.Context, where string, limit int, args ...any) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT run_id, kind, status, crosswalk_digest, started_at_utc, finished_at_utc, error
		FROM runs ` + where + ` ORDER BY started_at_utc DESC, rowid DESC LIMIT ?`
	rows, err := db.conn.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			r              Run
			startedAt      string
			digest, errMsg sql.NullString
			finishedAt     sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.Kind, &r.Status, &digest, &startedAt, &finishedAt, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		r.FinishedAt = parseTimeString(finishedAt)
		r.CrosswalkDigest = stringPtr(digest)
		r.Error = stringPtr(errMsg)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FilterCounts returns per-file counters of a resolve run
func (db *DB) FilterCounts(ctx context.Context, runID string) ([]FileFilterCounts, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT s.source_file, s.rows_in, s.rows_out, s.unresolvable, f.reason, f.count
		FROM trip_file_stats s
		JOIN trip_filter_counts f ON f.run_id = s.run_id AND f.source_file = s.source_file
		WHERE s.run_id = ?
		ORDER BY s.source_file, f.reason
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query filter counts: %w", err)
	}
	defer rows.Close()

	result := []FileFilterCounts{}
	for rows.Next() {
		var (
			c      FileFilterCounts
			reason string
			count  int
		)
		if err := rows.Scan(&c.SourceFile, &c.RowsIn, &c.RowsOut, &c.Unresolvable, &reason, &count); err != nil {
			return nil, fmt.Errorf("failed to scan filter count: %w", err)
		}
		if n := len(result); n == 0 || result[n-1].SourceFile != c.SourceFile {
			c.Filtered = make(map[string]int)
			result = append(result, c)
		}
		result[len(result)-1].Filtered[reason] = count
	}
	return result, rows.Err()
}

// ListAudit returns the audit of runID, or of the latest validate run when
// runID is empty, optionally limited to one classification. Worst median
// first.
func (db *DB) ListAudit(ctx context.Context, runID, classification string) ([]AuditRow, error) {
	if runID == "" {
		latest, err := db.LatestRun(ctx, RunValidate)
		if err != nil {
			return nil, err
		}
		runID = latest.RunID
	}

	query := `
		SELECT run_id, legacy_id, legacy_name, canonical_id, canonical_name,
		       canonical_lat, canonical_lon, match_type, match_tier, trip_count,
		       median_distance_m, avg_distance_m, stddev_distance_m, p95_distance_m,
		       max_distance_m, trips_over_threshold, pct_over_threshold,
		       classification, reused
		FROM mapping_audit
		WHERE run_id = ?`
	args := []any{runID}
	if classification != "" {
		query += " AND classification = ?"
		args = append(args, classification)
	}
	query += " ORDER BY median_distance_m DESC, legacy_id"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit: %w", err)
	}
	defer rows.Close()

	result := []AuditRow{}
	for rows.Next() {
		var (
			a        AuditRow
			lat, lon sql.NullFloat64
			reused   int
		)
		if err := rows.Scan(&a.RunID, &a.LegacyID, &a.LegacyName, &a.CanonicalID, &a.CanonicalName,
			&lat, &lon, &a.MatchType, &a.MatchTier, &a.TripCount,
			&a.MedianM, &a.MeanM, &a.StdDevM, &a.P95M,
			&a.MaxM, &a.TripsOver, &a.PctOver,
			&a.Classification, &reused); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		a.CanonicalLat, a.CanonicalLon = floatPtr(lat), floatPtr(lon)
		a.Reused = reused != 0
		result = append(result, a)
	}
	return result, rows.Err()
}

// Ping checks connectivity for health endpoints
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}
