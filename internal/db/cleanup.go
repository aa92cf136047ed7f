package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Cleanup keeps the newest keep runs of each resolve and validate kind and
// deletes the rest together with their counters and audits. A resolve run
// still named by processed_files owns current trips and is always kept.
// Build runs are kept because crosswalk_builds is a history.
func (db *DB) Cleanup(ctx context.Context, keep int) error {
	if keep < 1 {
		keep = 1
	}

	var stale []string
	for _, kind := range []RunKind{RunResolve, RunValidate} {
		ids, err := db.staleRuns(ctx, kind, keep)
		if err != nil {
			return err
		}
		stale = append(stale, ids...)
	}
	if len(stale) == 0 {
		return nil
	}

	totalDeleted := 0
	err := db.withTx(ctx, "cleanup", func(tx *sql.Tx) error {
		for _, runID := range stale {
			for _, table := range []string{
				"trip_file_stats",
				"trip_filter_counts",
				"trip_match_counts",
				"mapping_audit",
				"runs",
			} {
				result, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ?", runID)
				if err != nil {
					return fmt.Errorf("failed to cleanup %s for run %s: %w", table, runID, err)
				}
				rows, _ := result.RowsAffected()
				totalDeleted += int(rows)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	db.logger.Info("cleanup finished",
		slog.Int("runs", len(stale)),
		slog.Int("rows_deleted", totalDeleted),
		slog.Int("keep", keep),
	)
	return nil
}

func (db *DB) staleRuns(ctx context.Context, kind RunKind, keep int) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT run_id FROM runs
		WHERE kind = ?
		  AND status != 'running'
		  AND run_id NOT IN (SELECT run_id FROM processed_files)
		  AND run_id NOT IN (
		      SELECT run_id FROM runs WHERE kind = ?
		      ORDER BY started_at_utc DESC LIMIT ?
		  )
	`, string(kind), string(kind), keep)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale %s runs: %w", kind, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
