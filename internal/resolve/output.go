package resolve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
)

// resolvedRow is the partitioned CSV layout: raw fields, canonical fields
// and match tags for both endpoints.
type resolvedRow struct {
	RideID       string `csv:"ride_id"`
	StartedAt    string `csv:"started_at"`
	DurationSec  int    `csv:"duration_sec"`
	RideableType string `csv:"rideable_type"`
	MemberCasual string `csv:"member_casual"`

	StartIDRaw     string `csv:"start_station_id_raw"`
	StartNameRaw   string `csv:"start_station_name_raw"`
	StartLatRaw    string `csv:"start_lat_raw"`
	StartLonRaw    string `csv:"start_lon_raw"`
	StartID        string `csv:"start_station_id"`
	StartName      string `csv:"start_station_name"`
	StartLat       string `csv:"start_lat"`
	StartLon       string `csv:"start_lon"`
	StartMatchType string `csv:"start_match_type"`
	StartMatchTier string `csv:"start_match_tier"`
	EndIDRaw       string `csv:"end_station_id_raw"`
	EndNameRaw     string `csv:"end_station_name_raw"`
	EndLatRaw      string `csv:"end_lat_raw"`
	EndLonRaw      string `csv:"end_lon_raw"`
	EndID          string `csv:"end_station_id"`
	EndName        string `csv:"end_station_name"`
	EndLat         string `csv:"end_lat"`
	EndLon         string `csv:"end_lon"`
	EndMatchType   string `csv:"end_match_type"`
	EndMatchTier   string `csv:"end_match_tier"`
	SourceFile     string `csv:"source_file"`
	SourceRow      int    `csv:"source_row"`
}

func coord(f float64) string {
	if math.IsNaN(f) {
		return ""
	}
	return strconv.FormatFloat(f, 'f', 6, 64)
}

func toResolvedRow(t ResolvedTrip) resolvedRow {
	return resolvedRow{
		RideID:         t.RideID,
		StartedAt:      t.StartedAt.UTC().Format(time.RFC3339),
		DurationSec:    t.DurationSec,
		RideableType:   t.RideableType,
		MemberCasual:   t.MemberCasual,
		StartIDRaw:     t.Start.RawID,
		StartNameRaw:   t.Start.RawName,
		StartLatRaw:    coord(t.Start.RawLat),
		StartLonRaw:    coord(t.Start.RawLon),
		StartID:        t.Start.CanonicalID,
		StartName:      t.Start.CanonicalName,
		StartLat:       coord(t.Start.CanonicalLat),
		StartLon:       coord(t.Start.CanonicalLon),
		StartMatchType: string(t.Start.MatchType),
		StartMatchTier: string(t.Start.Tier),
		EndIDRaw:       t.End.RawID,
		EndNameRaw:     t.End.RawName,
		EndLatRaw:      coord(t.End.RawLat),
		EndLonRaw:      coord(t.End.RawLon),
		EndID:          t.End.CanonicalID,
		EndName:        t.End.CanonicalName,
		EndLat:         coord(t.End.CanonicalLat),
		EndLon:         coord(t.End.CanonicalLon),
		EndMatchType:   string(t.End.MatchType),
		EndMatchTier:   string(t.End.Tier),
		SourceFile:     t.SourceFile,
		SourceRow:      t.Row,
	}
}

// PartitionWriter writes retained trips as CSV under
// dir/period=YYYY-MM/<source file>. Each source file owns its partition
// files, so re-resolving one file replaces exactly its own output.
type PartitionWriter struct {
	dir   string
	open  map[string]*os.File // by output path
	owned map[string][]string // source file -> output paths
}

// NewPartitionWriter creates a writer rooted at dir
func NewPartitionWriter(dir string) *PartitionWriter {
	return &PartitionWriter{
		dir:   dir,
		open:  make(map[string]*os.File),
		owned: make(map[string][]string),
	}
}

func (w *PartitionWriter) path(period, sourceFile string) string {
	name := strings.TrimSuffix(filepath.Base(sourceFile), filepath.Ext(sourceFile)) + ".csv"
	return filepath.Join(w.dir, "period="+period, name)
}

// BeginFile removes partitions left by an earlier run of the same file
func (w *PartitionWriter) BeginFile(ctx context.Context, sourceFile string) error {
	matches, err := filepath.Glob(w.path("*", sourceFile))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale partition: %w", err)
		}
	}
	return nil
}

// WriteBatch appends trips to their period partitions
func (w *PartitionWriter) WriteBatch(ctx context.Context, sourceFile string, trips []ResolvedTrip) error {
	byPeriod := make(map[string][]resolvedRow)
	var order []string
	for _, t := range trips {
		if _, ok := byPeriod[t.Period]; !ok {
			order = append(order, t.Period)
		}
		byPeriod[t.Period] = append(byPeriod[t.Period], toResolvedRow(t))
	}

	for _, period := range order {
		path := w.path(period, sourceFile)
		f, ok := w.open[path]
		rows := byPeriod[period]
		if !ok {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("failed to create partition directory: %w", err)
			}
			created, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("failed to create partition: %w", err)
			}
			w.open[path] = created
			w.owned[sourceFile] = append(w.owned[sourceFile], path)
			if err := gocsv.Marshal(rows, created); err != nil {
				return fmt.Errorf("failed to write partition: %w", err)
			}
			continue
		}
		if err := gocsv.MarshalWithoutHeaders(rows, f); err != nil {
			return fmt.Errorf("failed to write partition: %w", err)
		}
	}
	return nil
}

// FinishFile closes the partitions of a completed source file
func (w *PartitionWriter) FinishFile(ctx context.Context, stats *Stats) error {
	var errs []error
	for _, path := range w.owned[stats.SourceFile] {
		if f, ok := w.open[path]; ok {
			errs = append(errs, f.Close())
			delete(w.open, path)
		}
	}
	delete(w.owned, stats.SourceFile)
	return errors.Join(errs...)
}

// Close closes any partitions still open after a failed run
func (w *PartitionWriter) Close() error {
	var errs []error
	for path, f := range w.open {
		errs = append(errs, f.Close())
		delete(w.open, path)
	}
	w.owned = make(map[string][]string)
	return errors.Join(errs...)
}

// MultiSink fans every call out to each sink in order
type MultiSink []Sink

func (m MultiSink) BeginFile(ctx context.Context, sourceFile string) error {
	for _, s := range m {
		if err := s.BeginFile(ctx, sourceFile); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) WriteBatch(ctx context.Context, sourceFile string, trips []ResolvedTrip) error {
	for _, s := range m {
		if err := s.WriteBatch(ctx, sourceFile, trips); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) FinishFile(ctx context.Context, stats *Stats) error {
	for _, s := range m {
		if err := s.FinishFile(ctx, stats); err != nil {
			return err
		}
	}
	return nil
}
