package crosswalk

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/bikeshare-atlas/pipeline/internal/station"
)

// entryRow is the canonical on-disk layout of station_crosswalk.csv. Every
// value is pre-formatted so the bytes depend only on the entries.
type entryRow struct {
	LegacyID         string `csv:"legacy_id"`
	LegacyName       string `csv:"legacy_name"`
	LegacyLat        string `csv:"legacy_lat"`
	LegacyLon        string `csv:"legacy_lon"`
	CanonicalID      string `csv:"canonical_id"`
	CanonicalName    string `csv:"canonical_name"`
	CanonicalLat     string `csv:"canonical_lat"`
	CanonicalLon     string `csv:"canonical_lon"`
	MatchTier        string `csv:"match_tier"`
	DistanceM        string `csv:"distance_m"`
	NameSimilarity   string `csv:"name_similarity"`
	Reason           string `csv:"reason"`
	GhostType        string `csv:"ghost_type"`
	NearestID        string `csv:"nearest_id"`
	Reused           string `csv:"reused"`
	ObservationCount string `csv:"observation_count"`
	FirstSeen        string `csv:"first_seen"`
	LastSeen         string `csv:"last_seen"`
}

func toRow(e Entry) entryRow {
	return entryRow{
		LegacyID:         e.LegacyID.String(),
		LegacyName:       e.LegacyName,
		LegacyLat:        formatFloat(e.LegacyLat, 6),
		LegacyLon:        formatFloat(e.LegacyLon, 6),
		CanonicalID:      e.CanonicalID.String(),
		CanonicalName:    e.CanonicalName,
		CanonicalLat:     formatFloat(e.CanonicalLat, 6),
		CanonicalLon:     formatFloat(e.CanonicalLon, 6),
		MatchTier:        string(e.Tier),
		DistanceM:        formatFloat(e.DistanceM, 2),
		NameSimilarity:   formatFloat(e.NameSimilarity, 4),
		Reason:           e.Reason,
		GhostType:        e.GhostType,
		NearestID:        e.NearestID.String(),
		Reused:           strconv.FormatBool(e.Reused),
		ObservationCount: strconv.Itoa(e.ObservationCount),
		FirstSeen:        formatTime(e.FirstSeen),
		LastSeen:         formatTime(e.LastSeen),
	}
}

func fromRow(r entryRow) (Entry, error) {
	legacy, ok := station.ParseID(r.LegacyID)
	if !ok {
		return Entry{}, fmt.Errorf("missing legacy_id")
	}
	tier, err := ParseTier(r.MatchTier)
	if err != nil {
		return Entry{}, err
	}
	canonical, _ := station.ParseID(r.CanonicalID)
	if tier.IsMatch() == canonical.IsZero() {
		return Entry{}, fmt.Errorf("legacy_id %s: tier %s inconsistent with canonical_id %q", legacy, tier, r.CanonicalID)
	}
	nearest, _ := station.ParseID(r.NearestID)

	count, _ := strconv.Atoi(r.ObservationCount)
	reused, _ := strconv.ParseBool(r.Reused)
	return Entry{
		LegacyID:         legacy,
		LegacyName:       r.LegacyName,
		LegacyLat:        station.ParseCoordinate(r.LegacyLat),
		LegacyLon:        station.ParseCoordinate(r.LegacyLon),
		CanonicalID:      canonical,
		CanonicalName:    r.CanonicalName,
		CanonicalLat:     station.ParseCoordinate(r.CanonicalLat),
		CanonicalLon:     station.ParseCoordinate(r.CanonicalLon),
		Tier:             tier,
		DistanceM:        station.ParseCoordinate(r.DistanceM),
		NameSimilarity:   station.ParseCoordinate(r.NameSimilarity),
		Reason:           r.Reason,
		GhostType:        r.GhostType,
		NearestID:        nearest,
		Reused:           reused,
		ObservationCount: count,
		FirstSeen:        parseTime(r.FirstSeen),
		LastSeen:         parseTime(r.LastSeen),
	}, nil
}

// MarshalCSV renders entries in their canonical CSV form
func MarshalCSV(entries []Entry) ([]byte, error) {
	rows := make([]entryRow, len(entries))
	for i, e := range entries {
		rows[i] = toRow(e)
	}
	var buf bytes.Buffer
	if err := gocsv.Marshal(rows, &buf); err != nil {
		return nil, fmt.Errorf("failed to encode crosswalk: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadCSV decodes a crosswalk written by MarshalCSV
func ReadCSV(r io.Reader) ([]Entry, error) {
	var rows []entryRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse crosswalk: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for n, row := range rows {
		e, err := fromRow(row)
		if err != nil {
			return nil, fmt.Errorf("crosswalk line %d: %w", n+2, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// WriteFile writes the canonical CSV atomically
func WriteFile(path string, entries []Entry) error {
	data, err := MarshalCSV(entries)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write crosswalk: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadFile loads a crosswalk CSV
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open crosswalk: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// Digest is the SHA-256 of the canonical CSV bytes. Two builds from the same
// inputs have the same digest.
func Digest(entries []Entry) (string, error) {
	data, err := MarshalCSV(entries)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func formatFloat(f float64, prec int) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	s := strconv.FormatFloat(f, 'f', prec, 64)
	if strings.Trim(s, "-0.") == "" {
		// avoid "-0.00"
		return strconv.FormatFloat(0, 'f', prec, 64)
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
