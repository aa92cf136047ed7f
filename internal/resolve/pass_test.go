package resolve

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bikeshare-atlas/pipeline/internal/config"
	"github.com/bikeshare-atlas/pipeline/internal/geo"
)

type memSink struct {
	begun    []string
	trips    []ResolvedTrip
	finished []*Stats
}

func (m *memSink) BeginFile(ctx context.Context, sourceFile string) error {
	m.begun = append(m.begun, sourceFile)
	return nil
}

func (m *memSink) WriteBatch(ctx context.Context, sourceFile string, trips []ResolvedTrip) error {
	m.trips = append(m.trips, trips...)
	return nil
}

func (m *memSink) FinishFile(ctx context.Context, stats *Stats) error {
	m.finished = append(m.finished, stats)
	return nil
}

func newTestPass(t *testing.T, strict bool) *Pass {
	t.Helper()
	r, err := NewResolver(fixtureTable(t), fixtureRoster(t), geo.WorldEnvelope)
	require.NoError(t, err)
	return NewPass(r, Options{
		Filters:   NewFilters(90*time.Second, 4*time.Hour, config.DefaultStationDenylist),
		Strict:    strict,
		BatchSize: 2,
	})
}

func validTrip(d time.Duration) Trip {
	return Trip{
		Row:            1,
		StartID:        "72",
		EndID:          "519",
		StartName:      "W 52 St & 11 Ave",
		EndName:        "Pershing Square North",
		StartLat:       w52.Lat,
		StartLon:       w52.Lon,
		EndLat:         40.7509,
		EndLon:         -73.9781,
		StartedAt:      time.Date(2014, 9, 3, 8, 15, 0, 0, time.UTC),
		TimestampValid: true,
		Duration:       d,
	}
}

func TestDurationWindow(t *testing.T) {
	p := newTestPass(t, false)
	tests := []struct {
		name   string
		d      time.Duration
		keep   bool
		reason FilterReason
	}{
		{"45 seconds is too short", 45 * time.Second, false, ReasonDurationTooShort},
		{"90 seconds is admissible", 90 * time.Second, true, ""},
		{"3:59:59 is retained", 3*time.Hour + 59*time.Minute + 59*time.Second, true, ""},
		{"exactly 4 hours is retained", 4 * time.Hour, true, ""},
		{"4:00:01 is too long", 4*time.Hour + time.Second, false, ReasonDurationTooLong},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stats := NewStats("f.csv")
			_, keep, err := p.Apply("f.csv", validTrip(tc.d), stats)
			require.NoError(t, err)
			assert.Equal(t, tc.keep, keep)
			if !tc.keep {
				assert.Equal(t, 1, stats.Filtered[tc.reason])
			}
			assert.Equal(t, 1, stats.FilteredTotal()+stats.RowsOut)
		})
	}
}

func TestFilterReasonsAreExclusive(t *testing.T) {
	p := newTestPass(t, false)
	stats := NewStats("f.csv")

	missing := validTrip(10 * time.Second) // also too short, but missing wins
	missing.EndID = "  "
	missing.TimestampValid = false

	badTime := validTrip(10 * time.Second)
	badTime.TimestampValid = false

	depot := validTrip(10 * time.Minute)
	depot.StartName = "NYCBS Depot - DELANCEY"

	for _, trip := range []Trip{missing, badTime, depot, validTrip(10 * time.Minute)} {
		_, _, err := p.Apply("f.csv", trip, stats)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, stats.Filtered[ReasonMissingStation])
	assert.Equal(t, 1, stats.Filtered[ReasonInvalidTimestamp])
	assert.Equal(t, 0, stats.Filtered[ReasonDurationTooShort])
	assert.Equal(t, 1, stats.Filtered[ReasonTestStation])
	assert.Equal(t, 4, stats.RowsIn)
	assert.Equal(t, 1, stats.RowsOut)
	assert.Equal(t, stats.RowsIn, stats.RowsOut+stats.FilteredTotal())
}

func TestGhostTripReportsLegacyCoordinate(t *testing.T) {
	p := newTestPass(t, false)
	stats := NewStats("f.csv")

	rt, keep, err := p.Apply("f.csv", validTrip(10*time.Minute), stats)
	require.NoError(t, err)
	require.True(t, keep)

	assert.Equal(t, MatchDirect, rt.Start.MatchType)
	assert.Equal(t, MatchGhost, rt.End.MatchType)
	assert.Equal(t, 40.7508, rt.End.CanonicalLat)
	assert.Equal(t, -73.9780, rt.End.CanonicalLon)
	assert.Empty(t, rt.End.CanonicalID)

	// raw coordinates survive resolution
	assert.Equal(t, 40.7509, rt.End.RawLat)
	assert.Equal(t, -73.9781, rt.End.RawLon)
	assert.Equal(t, "2014-09", rt.Period)
	assert.Equal(t, 600, rt.DurationSec)
	assert.Equal(t, 1, stats.EndMatch[MatchGhost])
	assert.Equal(t, 1, stats.Periods["2014-09"])
}

func TestUnresolvableIdentifier(t *testing.T) {
	trip := validTrip(10 * time.Minute)
	trip.EndID = "99999"

	t.Run("lenient mode tags unmatched", func(t *testing.T) {
		stats := NewStats("f.csv")
		rt, keep, err := newTestPass(t, false).Apply("f.csv", trip, stats)
		require.NoError(t, err)
		require.True(t, keep)
		assert.Equal(t, MatchUnmatched, rt.End.MatchType)
		assert.Equal(t, trip.EndLat, rt.End.CanonicalLat)
		assert.Equal(t, 1, stats.Unresolvable)
		assert.Equal(t, 1, stats.EndMatch[MatchUnmatched])
	})

	t.Run("strict mode aborts", func(t *testing.T) {
		_, _, err := newTestPass(t, true).Apply("f.csv", trip, NewStats("f.csv"))
		assert.True(t, errors.Is(err, ErrUnresolvableIdentifier))
	})
}

const tripCSV = `ride_id,started_at,ended_at,duration_sec,start_station_id,start_station_name,start_lat,start_lng,end_station_id,end_station_name,end_lat,end_lng,rideable_type,member_casual
a1,2014-09-01 08:00:00,,600,72,W 52 St & 11 Ave,40.76727,-73.99393,519,Pershing Square North,40.7508,-73.978,classic_bike,member
a2,2014-09-01 09:00:00,2014-09-01 09:20:00,,72.0,W 52 St & 11 Ave,40.76727,-73.99393,3000,Broadway & W 60,,,classic_bike,casual
a3,2014-09-02 10:00:00,,45,72,W 52 St & 11 Ave,40.76727,-73.99393,519,Pershing Square North,40.7508,-73.978,classic_bike,member
a4,2014-10-01 00:00:00,,600,72,W 52 St & 11 Ave,40.76727,-73.99393,519,Pershing Square North,40.7508,-73.978,classic_bike,member
a5,not a time,,600,72,W 52 St & 11 Ave,40.76727,-73.99393,519,Pershing Square North,40.7508,-73.978,classic_bike,member
a6,2014-09-03 10:00:00,,600,,,,,519,Pershing Square North,40.7508,-73.978,classic_bike,member
a7,2014-09-03 11:00:00,,900,72,W 52 St & 11 Ave,40.76727,-73.99393,519,Pershing Square North,40.7508,-73.978,classic_bike,member
`

func TestProcessReader(t *testing.T) {
	p := newTestPass(t, false)
	sink := &memSink{}

	stats, err := p.ProcessReader(context.Background(), "201409-citibike-tripdata.csv", strings.NewReader(tripCSV), sink)
	require.NoError(t, err)

	assert.Equal(t, 7, stats.RowsIn)
	assert.Equal(t, 3, stats.RowsOut)
	assert.Equal(t, 1, stats.Filtered[ReasonDurationTooShort])
	assert.Equal(t, 2, stats.Filtered[ReasonInvalidTimestamp], "unparseable and outside the file's month")
	assert.Equal(t, 1, stats.Filtered[ReasonMissingStation])
	assert.Equal(t, stats.RowsIn, stats.RowsOut+stats.FilteredTotal())

	require.Len(t, sink.trips, 3)
	assert.Equal(t, []string{"201409-citibike-tripdata.csv"}, sink.begun)
	require.Len(t, sink.finished, 1)

	second := sink.trips[1]
	assert.Equal(t, "a2", second.RideID)
	assert.Equal(t, 1200, second.DurationSec, "derived from ended_at")
	assert.Equal(t, "72", second.Start.RawID)
	assert.Equal(t, MatchCrosswalk, second.End.MatchType)
	assert.True(t, math.IsNaN(second.End.RawLat), "missing raw coordinate stays missing")
	assert.Equal(t, 40.77020, second.End.CanonicalLat)
	assert.Equal(t, 2, second.Row)
}

// withMalformedRows inserts a record with an extra field and a truncated
// record after the first data row of tripCSV
func withMalformedRows() string {
	lines := strings.SplitAfter(tripCSV, "\n")
	bad := []string{
		"x1,2014-09-01 08:30:00,,600,72,W 52 St & 11 Ave,40.76727,-73.99393,519,Pershing Square North,40.7508,-73.978,classic_bike,member,extra\n",
		"x2,2014-09-01 08:45:00,,600,72\n",
	}
	out := append([]string{}, lines[:2]...)
	out = append(out, bad...)
	return strings.Join(append(out, lines[2:]...), "")
}

func TestProcessReaderIsolatesMalformedRows(t *testing.T) {
	p := newTestPass(t, false)
	sink := &memSink{}

	stats, err := p.ProcessReader(context.Background(), "201409-citibike-tripdata.csv", strings.NewReader(withMalformedRows()), sink)
	require.NoError(t, err)

	assert.Equal(t, 9, stats.RowsIn)
	assert.Equal(t, 3, stats.RowsOut)
	assert.Equal(t, 2, stats.Filtered[ReasonMalformedRow])
	assert.Equal(t, 1, stats.Filtered[ReasonMissingStation], "rows after the malformed ones are still read")
	assert.Equal(t, stats.RowsIn, stats.RowsOut+stats.FilteredTotal())
	require.Len(t, sink.finished, 1)

	var ids []string
	for _, trip := range sink.trips {
		ids = append(ids, trip.RideID)
	}
	assert.Equal(t, []string{"a1", "a2", "a7"}, ids)
	assert.Equal(t, 4, sink.trips[1].Row, "malformed records keep their row numbers")
}

func TestProcessFiles(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"201409-citibike-tripdata_1.csv", "201409-citibike-tripdata_2.csv"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(tripCSV), 0644))
		paths = append(paths, path)
	}

	sink := &memSink{}
	stats, err := newTestPass(t, false).ProcessFiles(context.Background(), paths, 2, sink)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	total := NewStats("all")
	for _, s := range stats {
		total.Merge(s)
	}
	assert.Equal(t, 14, total.RowsIn)
	assert.Equal(t, 6, total.RowsOut)
	assert.Len(t, sink.trips, 6)
	assert.Len(t, sink.finished, 2)

	_, err = newTestPass(t, false).ProcessFiles(context.Background(), []string{filepath.Join(dir, "missing.csv")}, 1, sink)
	assert.Error(t, err)
}

func TestDenied(t *testing.T) {
	f := NewFilters(0, 0, []string{" NYCBS Depot ", "", "8D OPS"})
	assert.True(t, f.Denied("nycbs depot - delancey"))
	assert.True(t, f.Denied("8D Ops 01"))
	assert.False(t, f.Denied("W 52 St & 11 Ave"))
	assert.False(t, f.Denied(""))
}
