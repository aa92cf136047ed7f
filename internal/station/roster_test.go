package station

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gbfsFixture = `{
  "last_updated": 1700000000,
  "ttl": 5,
  "data": {
    "stations": [
      {"station_id": "66db6387-0aca-11e7-82f6-3863bb44ef7c", "short_name": "6602.03", "name": "W 52 St & 11 Ave", "lat": 40.76727216, "lon": -73.99392888},
      {"station_id": "66db237e-0aca-11e7-82f6-3863bb44ef7c", "short_name": "6224.05", "name": "Park Ave & E 42 St", "lat": 40.751, "lon": -73.9777},
      {"station_id": "", "short_name": "0000.00", "name": "no id", "lat": 40.7, "lon": -73.9}
    ]
  }
}`

const rosterCSVFixture = `station_id,short_name,name,lat,lon,capacity
72,6926.01,W 52 St & 11 Ave,40.76727216,-73.99392888,55
519,6498.10,Pershing Square North,40.751873,-73.977706,61
3911,,Valet Only,,,0
`

func TestParseGBFS(t *testing.T) {
	r, err := ParseGBFS([]byte(gbfsFixture))
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), r.FetchedAt())

	// ordered by canonical identifier
	assert.Equal(t, "66db237e-0aca-11e7-82f6-3863bb44ef7c", r.Stations()[0].ID.String())

	s, ok := r.Lookup(MustParseID("6602.03"))
	require.True(t, ok, "short names are direct-hit identifiers")
	assert.Equal(t, "W 52 St & 11 Ave", s.Name)
	assert.Equal(t, KindUUID, s.ID.Kind())

	_, ok = r.Lookup(MustParseID("66DB6387-0ACA-11E7-82F6-3863BB44EF7C"))
	assert.True(t, ok)
}

func TestParseRosterCSV(t *testing.T) {
	fetched := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	r, err := ParseRosterCSV([]byte(rosterCSVFixture), fetched)
	require.NoError(t, err)
	require.Equal(t, 3, r.Len())

	s, ok := r.Lookup(MustParseID("519"))
	require.True(t, ok)
	assert.Equal(t, "Pershing Square North", s.Name)

	_, ok = r.Lookup(MustParseID("6498.10"))
	assert.True(t, ok)

	valet, ok := r.Lookup(MustParseID("3911"))
	require.True(t, ok)
	assert.True(t, math.IsNaN(valet.Lat))

	assert.False(t, r.IsStale(7*24*time.Hour, fetched.Add(24*time.Hour)))
	assert.True(t, r.IsStale(7*24*time.Hour, fetched.Add(8*24*time.Hour)))

	obs := r.Observations()
	require.Len(t, obs, 3)
	assert.Equal(t, SourceRoster, obs[0].Source)
}

func TestNewRosterRejectsDuplicateIdentifiers(t *testing.T) {
	_, err := NewRoster([]LiveStation{
		{ID: MustParseID("72"), Name: "a"},
		{ID: MustParseID("73"), ShortName: MustParseID("72"), Name: "b"},
	}, time.Time{})
	assert.Error(t, err)

	r, err := NewRoster(nil, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())
	assert.True(t, r.IsStale(time.Hour, time.Now()))
}

func TestLoadRoster(t *testing.T) {
	dir := t.TempDir()

	csvPath := filepath.Join(dir, "current_stations.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(rosterCSVFixture), 0644))
	r, err := LoadRoster(csvPath)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Len())
	assert.False(t, r.FetchedAt().IsZero())

	jsonPath := filepath.Join(dir, "station_information.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(gbfsFixture), 0644))
	r, err = LoadRoster(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	_, err = LoadRoster(filepath.Join(dir, "stations.xml"))
	assert.Error(t, err)
}

func TestFetcherRefreshIfStale(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(gbfsFixture))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "reference", "station_information.json")
	f := NewFetcher(nil)

	require.NoError(t, f.RefreshIfStale(context.Background(), srv.URL, path, 7*24*time.Hour))
	assert.EqualValues(t, 1, hits.Load())

	r, err := LoadRoster(path)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	// the fixture is from 2023, so it is always stale and gets re-fetched
	require.NoError(t, f.RefreshIfStale(context.Background(), srv.URL, path, 7*24*time.Hour))
	assert.EqualValues(t, 2, hits.Load())

	// fresh enough under a huge max age
	require.NoError(t, f.RefreshIfStale(context.Background(), srv.URL, path, 100*365*24*time.Hour))
	assert.EqualValues(t, 2, hits.Load())

	assert.NoError(t, f.RefreshIfStale(context.Background(), "", path, time.Hour), "no URL means no refresh")
}

func TestFetcherKeepsSnapshotOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(nil)

	missing := filepath.Join(dir, "missing.json")
	assert.Error(t, f.RefreshIfStale(context.Background(), srv.URL, missing, time.Hour))

	existing := filepath.Join(dir, "station_information.json")
	require.NoError(t, os.WriteFile(existing, []byte(gbfsFixture), 0644))
	assert.NoError(t, f.RefreshIfStale(context.Background(), srv.URL, existing, time.Hour))

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.JSONEq(t, gbfsFixture, string(data))
}
