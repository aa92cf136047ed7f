package resolve

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/bikeshare-atlas/pipeline/internal/station"
)

// tripRow is the normalized trip CSV layout produced by schema
// normalization: one schema for every era of the source data.
type tripRow struct {
	RideID       string `csv:"ride_id"`
	StartedAt    string `csv:"started_at"`
	EndedAt      string `csv:"ended_at"`
	DurationSec  string `csv:"duration_sec"`
	StartID      string `csv:"start_station_id"`
	StartName    string `csv:"start_station_name"`
	StartLat     string `csv:"start_lat"`
	StartLon     string `csv:"start_lng"`
	EndID        string `csv:"end_station_id"`
	EndName      string `csv:"end_station_name"`
	EndLat       string `csv:"end_lat"`
	EndLon       string `csv:"end_lng"`
	RideableType string `csv:"rideable_type"`
	MemberCasual string `csv:"member_casual"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

var (
	citibikePeriod = regexp.MustCompile(`(\d{4})(\d{2})-citibike`)
	anyPeriod      = regexp.MustCompile(`(\d{4})(\d{2})`)
)

// ExpectedPeriod extracts the YYYY-MM a trip file should contain from its
// name, e.g. "201409-citibike-tripdata.csv" is 2014-09. It returns false
// when the name carries no plausible period.
func ExpectedPeriod(filename string) (string, bool) {
	base := filepath.Base(filename)
	for _, re := range []*regexp.Regexp{citibikePeriod, anyPeriod} {
		m := re.FindStringSubmatch(base)
		if m == nil {
			continue
		}
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if year >= 2013 && year <= 2035 && month >= 1 && month <= 12 {
			return fmt.Sprintf("%04d-%02d", year, month), true
		}
	}
	return "", false
}

// toTrip converts a CSV row. A timestamp is valid when it parses and, if the
// file names its period, lies in that period. Duration comes from
// duration_sec, or from ended_at when that column is empty.
func toTrip(row tripRow, n int, expected string) Trip {
	t := Trip{
		Row:          n,
		RideID:       strings.TrimSpace(row.RideID),
		StartID:      row.StartID,
		EndID:        row.EndID,
		StartName:    row.StartName,
		EndName:      row.EndName,
		StartLat:     station.ParseCoordinate(row.StartLat),
		StartLon:     station.ParseCoordinate(row.StartLon),
		EndLat:       station.ParseCoordinate(row.EndLat),
		EndLon:       station.ParseCoordinate(row.EndLon),
		RideableType: strings.TrimSpace(row.RideableType),
		MemberCasual: strings.TrimSpace(row.MemberCasual),
	}

	started, ok := parseTimestamp(row.StartedAt)
	t.StartedAt = started
	t.TimestampValid = ok && (expected == "" || PeriodOf(started) == expected)

	if secs, err := strconv.ParseFloat(strings.TrimSpace(row.DurationSec), 64); err == nil {
		t.Duration = time.Duration(secs * float64(time.Second))
	} else if ended, ok := parseTimestamp(row.EndedAt); ok && t.TimestampValid {
		t.Duration = ended.Sub(started)
	} else {
		t.TimestampValid = false
	}
	return t
}

// ReadTrips streams trip rows from r to fn, numbering data rows from 1.
// The expected period, when known, comes from the file name. A record that
// cannot be decoded, such as one with the wrong field count, reaches fn as a
// Malformed trip and reading continues with the next record.
func ReadTrips(r io.Reader, sourceFile string, fn func(Trip)) error {
	expected, _ := ExpectedPeriod(sourceFile)

	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	um, err := gocsv.NewUnmarshaller(reader, tripRow{})
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to read trip header from %s: %w", sourceFile, err)
	}
	reader.FieldsPerRecord = len(um.Headers)

	for n := 1; ; n++ {
		v, err := um.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			fn(Trip{Row: n, Malformed: true})
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read trips from %s: %w", sourceFile, err)
		}
		fn(toTrip(v.(tripRow), n, expected))
	}
}

// ListTripFiles returns the .csv files directly under dir in name order.
// A path naming a single file is returned as is.
func ListTripFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat trip input: %w", err)
	}
	if !info.IsDir() {
		return []string{dir}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read trip directory: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
