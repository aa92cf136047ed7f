package resolve

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bikeshare-atlas/pipeline/internal/crosswalk"
	"github.com/bikeshare-atlas/pipeline/internal/geo"
	"github.com/bikeshare-atlas/pipeline/internal/station"
)

var (
	pershing = geo.Point{Lat: 40.7508, Lon: -73.9780}
	w52      = geo.Point{Lat: 40.76727, Lon: -73.99393}
)

func fixtureTable(t *testing.T) *crosswalk.Table {
	t.Helper()
	id := station.MustParseID
	table, err := crosswalk.NewTable([]crosswalk.Entry{
		{
			LegacyID: id("3000"), LegacyName: "Broadway & W 60", LegacyLat: 40.7700, LegacyLon: -73.9800,
			CanonicalID: id("R1"), CanonicalName: "Broadway & W 60 St (old copy)", CanonicalLat: 40.77013, CanonicalLon: -73.9800,
			Tier: crosswalk.Tier1, DistanceM: 15, NameSimilarity: 0.8,
		},
		{
			LegacyID: id("519"), LegacyName: "Pershing Square North", LegacyLat: pershing.Lat, LegacyLon: pershing.Lon,
			CanonicalName: "Pershing Square North", CanonicalLat: pershing.Lat, CanonicalLon: pershing.Lon,
			Tier: crosswalk.TierGhost, DistanceM: math.NaN(), NameSimilarity: math.NaN(),
		},
		{
			LegacyID: id("72"), LegacyName: "W 52 St & 11 Ave", LegacyLat: w52.Lat, LegacyLon: w52.Lon,
			CanonicalID: id("72"), CanonicalName: "W 52 St & 11 Ave", CanonicalLat: w52.Lat, CanonicalLon: w52.Lon,
			Tier: crosswalk.TierDirect,
		},
		{
			LegacyID: id("777"), LegacyName: "Unknown", LegacyLat: math.NaN(), LegacyLon: math.NaN(),
			CanonicalName: "Unknown", CanonicalLat: math.NaN(), CanonicalLon: math.NaN(),
			Tier: crosswalk.TierGhost, DistanceM: math.NaN(), NameSimilarity: math.NaN(),
		},
	})
	require.NoError(t, err)
	return table
}

func fixtureRoster(t *testing.T) *station.Roster {
	t.Helper()
	r, err := station.NewRoster([]station.LiveStation{
		{ID: station.MustParseID("72"), Name: "W 52 St & 11 Ave", Lat: w52.Lat, Lon: w52.Lon},
		// relocated a few metres since the crosswalk was built
		{ID: station.MustParseID("R1"), Name: "Broadway & W 60 St", Lat: 40.77020, Lon: -73.98005},
	}, time.Now())
	require.NoError(t, err)
	return r
}

func TestNewResolverRequiresCrosswalk(t *testing.T) {
	_, err := NewResolver(nil, nil, geo.WorldEnvelope)
	assert.True(t, errors.Is(err, ErrMissingCrosswalk))

	empty, err := crosswalk.NewTable(nil)
	require.NoError(t, err)
	_, err = NewResolver(empty, nil, geo.WorldEnvelope)
	assert.True(t, errors.Is(err, ErrMissingCrosswalk))
}

func TestResolverStates(t *testing.T) {
	r, err := NewResolver(fixtureTable(t), fixtureRoster(t), geo.WorldEnvelope)
	require.NoError(t, err)

	raw := geo.Point{Lat: 40.7511, Lon: -73.9779}

	t.Run("direct uses the live roster", func(t *testing.T) {
		res, err := r.Resolve(station.MustParseID("72"), "W 52", w52)
		require.NoError(t, err)
		assert.Equal(t, MatchDirect, res.MatchType)
		assert.Equal(t, crosswalk.TierDirect, res.Tier)
		assert.Equal(t, "72", res.CanonicalID.String())
	})

	t.Run("crosswalk match uses the current roster coordinate", func(t *testing.T) {
		res, err := r.Resolve(station.MustParseID("3000"), "Broadway & W 60", raw)
		require.NoError(t, err)
		assert.Equal(t, MatchCrosswalk, res.MatchType)
		assert.Equal(t, crosswalk.Tier1, res.Tier)
		assert.Equal(t, "Broadway & W 60 St", res.CanonicalName)
		assert.Equal(t, 40.77020, res.CanonicalLat)
		assert.Equal(t, -73.98005, res.CanonicalLon)
	})

	t.Run("ghost keeps the legacy identity", func(t *testing.T) {
		res, err := r.Resolve(station.MustParseID("519"), "Pershing Sq N", raw)
		require.NoError(t, err)
		assert.Equal(t, MatchGhost, res.MatchType)
		assert.True(t, res.CanonicalID.IsZero())
		assert.Equal(t, "Pershing Square North", res.CanonicalName)
		assert.Equal(t, pershing.Lat, res.CanonicalLat)
		assert.Equal(t, pershing.Lon, res.CanonicalLon)
	})

	t.Run("ghost without legacy coordinate falls back to raw", func(t *testing.T) {
		res, err := r.Resolve(station.MustParseID("777"), "Unknown", raw)
		require.NoError(t, err)
		assert.Equal(t, MatchGhost, res.MatchType)
		assert.Equal(t, raw.Lat, res.CanonicalLat)
		assert.Equal(t, raw.Lon, res.CanonicalLon)
	})

	t.Run("unseen identifier is unmatched and loud", func(t *testing.T) {
		res, err := r.Resolve(station.MustParseID("99999"), "Nowhere", raw)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnresolvableIdentifier))

		var ue *UnresolvableError
		require.True(t, errors.As(err, &ue))
		assert.Equal(t, "99999", ue.ID.String())

		assert.Equal(t, MatchUnmatched, res.MatchType)
		assert.Equal(t, "Nowhere", res.CanonicalName)
		assert.Equal(t, raw.Lat, res.CanonicalLat)
		assert.Empty(t, res.Tier)
	})
}

func TestResolverWithoutRosterUsesCrosswalkCopy(t *testing.T) {
	r, err := NewResolver(fixtureTable(t), nil, geo.Envelope{})
	require.NoError(t, err)

	res, err := r.Resolve(station.MustParseID("3000"), "", geo.Point{})
	require.NoError(t, err)
	assert.Equal(t, "Broadway & W 60 St (old copy)", res.CanonicalName)
	assert.Equal(t, 40.77013, res.CanonicalLat)
}

func TestDirectWithoutValidCoordinateFallsBackToRaw(t *testing.T) {
	id := station.MustParseID("88")
	table, err := crosswalk.NewTable([]crosswalk.Entry{{
		LegacyID: id, LegacyName: "Bad Row", LegacyLat: math.NaN(), LegacyLon: math.NaN(),
		CanonicalID: id, CanonicalName: "Bad Row", CanonicalLat: math.NaN(), CanonicalLon: math.NaN(),
		Tier: crosswalk.TierDirect, DistanceM: math.NaN(),
	}})
	require.NoError(t, err)
	roster, err := station.NewRoster([]station.LiveStation{
		{ID: id, Name: "Bad Row", Lat: math.NaN(), Lon: math.NaN()},
	}, time.Now())
	require.NoError(t, err)

	raw := geo.Point{Lat: 40.7300, Lon: -73.9900}
	for name, rs := range map[string]*station.Roster{"with roster": roster, "without roster": nil} {
		t.Run(name, func(t *testing.T) {
			r, err := NewResolver(table, rs, geo.WorldEnvelope)
			require.NoError(t, err)

			res, err := r.Resolve(id, "Bad Row", raw)
			require.NoError(t, err)
			assert.Equal(t, MatchDirect, res.MatchType)
			assert.Equal(t, "88", res.CanonicalID.String())
			assert.Equal(t, raw.Lat, res.CanonicalLat)
			assert.Equal(t, raw.Lon, res.CanonicalLon)
		})
	}
}
