package validate

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bikeshare-atlas/pipeline/internal/crosswalk"
	"github.com/bikeshare-atlas/pipeline/internal/geo"
	"github.com/bikeshare-atlas/pipeline/internal/metrics"
	"github.com/bikeshare-atlas/pipeline/internal/resolve"
	"github.com/bikeshare-atlas/pipeline/internal/station"
)

const metersPerDegree = 6371000 * math.Pi / 180

var canonical = geo.Point{Lat: 40.7508, Lon: -73.9780}

func endpoint(id string, match resolve.MatchType, rawNorthM float64) resolve.Endpoint {
	return resolve.Endpoint{
		RawID:         id,
		RawName:       "raw " + id,
		RawLat:        canonical.Lat + rawNorthM/metersPerDegree,
		RawLon:        canonical.Lon,
		CanonicalID:   "C" + id,
		CanonicalName: "canonical " + id,
		CanonicalLat:  canonical.Lat,
		CanonicalLon:  canonical.Lon,
		MatchType:     match,
		Tier:          crosswalk.Tier1,
	}
}

// trip uses the same identifier at both ends so each trip counts twice
func trip(id string, match resolve.MatchType, rawNorthM float64) resolve.ResolvedTrip {
	e := endpoint(id, match, rawNorthM)
	return resolve.ResolvedTrip{Start: e, End: e}
}

func audit(t *testing.T, v *Validator, id string) StationAudit {
	t.Helper()
	for _, a := range v.Audits(nil) {
		if a.LegacyID == id {
			return a
		}
	}
	t.Fatalf("no audit for %s", id)
	return StationAudit{}
}

func TestClassify(t *testing.T) {
	opts := Options{DistanceM: 200, OutlierPct: 0}
	tests := []struct {
		name string
		s    metrics.Summary
		want Classification
	}{
		{"close and clean", metrics.Summary{Median: 12}, ClassGood},
		{"median at threshold is not suspicious", metrics.Summary{Median: 200}, ClassGood},
		{"high median", metrics.Summary{Median: 400, PercentOver: 80}, ClassSuspicious},
		{"low median with outliers", metrics.Summary{Median: 10, PercentOver: 1}, ClassBadRawData},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, opts.Classify(tc.s))
		})
	}

	tolerant := Options{DistanceM: 200, OutlierPct: 5}
	assert.Equal(t, ClassGood, tolerant.Classify(metrics.Summary{Median: 10, PercentOver: 5}))
	assert.Equal(t, ClassBadRawData, tolerant.Classify(metrics.Summary{Median: 10, PercentOver: 5.1}))
}

func TestSingleOutlierIsBadRawData(t *testing.T) {
	v := NewValidator(Options{DistanceM: 200})
	for i := 0; i < 99; i++ {
		v.Observe(trip("519", resolve.MatchGhost, 10))
	}
	v.Observe(trip("519", resolve.MatchGhost, 5000))

	a := audit(t, v, "519")
	assert.Equal(t, ClassBadRawData, a.Classification)
	assert.Equal(t, 200, a.TripCount)
	assert.InDelta(t, 10, a.MedianM, 0.01)
	assert.InDelta(t, 5000, a.MaxM, 0.5)
	assert.Equal(t, 2, a.TripsOver)
	assert.InDelta(t, 1.0, a.PctOver, 1e-9)
}

func TestHighMedianIsSuspicious(t *testing.T) {
	v := NewValidator(Options{DistanceM: 200})
	for i := 0; i < 100; i++ {
		v.Observe(trip("3000", resolve.MatchCrosswalk, 400))
	}
	a := audit(t, v, "3000")
	assert.Equal(t, ClassSuspicious, a.Classification)
	assert.InDelta(t, 400, a.MedianM, 0.01)
	assert.InDelta(t, 0, a.StdDevM, 1e-6)
}

func TestExcludedEndpoints(t *testing.T) {
	v := NewValidator(Options{})

	bad := endpoint("72", resolve.MatchDirect, 0)
	bad.RawLat = math.NaN()
	unmatched := endpoint("99999", resolve.MatchUnmatched, 0)
	v.Observe(resolve.ResolvedTrip{Start: bad, End: unmatched})
	v.Observe(trip("72", resolve.MatchDirect, 5))

	r := v.Report(nil)
	assert.Equal(t, 4, r.Summary.EndpointsAnalyzed)
	assert.Equal(t, 1, r.Summary.InvalidCoordinate)
	assert.Equal(t, 1, r.Summary.Unmatched)
	assert.Equal(t, 1, r.Summary.StationsAnalyzed)
	assert.Equal(t, 1, r.Summary.Good)
	require.Len(t, r.Stations, 1)
	assert.Equal(t, 2, r.Stations[0].TripCount)
}

func TestReportWithCrosswalk(t *testing.T) {
	id := station.MustParseID
	table, err := crosswalk.NewTable([]crosswalk.Entry{
		{LegacyID: id("519"), LegacyName: "Pershing Square North", Tier: crosswalk.TierGhost, Reused: true},
		{LegacyID: id("3000"), LegacyName: "Broadway & W 60", CanonicalID: id("R1"), Tier: crosswalk.Tier1},
		{LegacyID: id("4000"), LegacyName: "Never ridden", Tier: crosswalk.TierGhost, Reused: true},
	})
	require.NoError(t, err)

	v := NewValidator(Options{DistanceM: 200})
	ctx := context.Background()
	require.NoError(t, v.BeginFile(ctx, "f.csv"))
	require.NoError(t, v.WriteBatch(ctx, "f.csv", []resolve.ResolvedTrip{
		trip("519", resolve.MatchGhost, 5),
		trip("3000", resolve.MatchCrosswalk, 400),
	}))
	require.NoError(t, v.FinishFile(ctx, resolve.NewStats("f.csv")))

	r := v.Report(table)
	assert.Equal(t, []string{"4000", "519"}, r.Reused)
	require.Len(t, r.Suspicious, 1)
	assert.Equal(t, "3000", r.Suspicious[0].LegacyID)
	assert.Equal(t, "Broadway & W 60", r.Suspicious[0].LegacyName)
	assert.Empty(t, r.BadRawData)

	require.Len(t, r.Stations, 2)
	assert.Equal(t, "3000", r.Stations[0].LegacyID, "worst median first")
	assert.True(t, r.Stations[1].Reused)

	path, err := WriteReport(t.TempDir(), r)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "suspicious_mappings")
	assert.NotContains(t, decoded, "Stations")
}

func TestParseClassification(t *testing.T) {
	c, err := ParseClassification("bad_raw_data")
	require.NoError(t, err)
	assert.Equal(t, ClassBadRawData, c)

	_, err = ParseClassification("fine")
	assert.Error(t, err)
}

func TestValidatorAsSink(t *testing.T) {
	var sink resolve.Sink = NewValidator(Options{DistanceM: 200})
	ctx := context.Background()

	require.NoError(t, sink.BeginFile(ctx, "201409-citibike-tripdata.csv"))
	require.NoError(t, sink.WriteBatch(ctx, "201409-citibike-tripdata.csv", []resolve.ResolvedTrip{
		trip("72", resolve.MatchDirect, 5),
		trip("72", resolve.MatchDirect, 15),
	}))
	require.NoError(t, sink.FinishFile(ctx, &resolve.Stats{SourceFile: "201409-citibike-tripdata.csv"}))

	a := audit(t, sink.(*Validator), "72")
	assert.Equal(t, 4, a.TripCount)
	assert.Equal(t, ClassGood, a.Classification)
}
