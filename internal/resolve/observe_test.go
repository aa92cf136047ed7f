package resolve

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bikeshare-atlas/pipeline/internal/station"
)

const observeCSV = `started_at,duration_sec,start_station_id,start_station_name,start_lat,start_lng,end_station_id,end_station_name,end_lat,end_lng
2014-09-01 08:00:00,600,72,W 52 St & 11 Ave,40.76727,-73.99393,519,Pershing Square North,40.7518,-73.9777
2014-09-03 09:00:00,600,72.0,W 52 St & 11 Ave,40.76727,-73.99393,519,Pershing Sq N,,
2014-09-03 09:30:00,600,72,W 52 St & 11 Ave
not a time,600,72,W 52 St & 11 Ave,40.76727,-73.99393,,,,
`

func TestObserveReader(t *testing.T) {
	store := station.NewStore(station.StoreOptions{})
	rows, err := ObserveReader(context.Background(), store, "201409-citibike-tripdata.csv", strings.NewReader(observeCSV))
	require.NoError(t, err)
	assert.Equal(t, 4, rows, "the truncated record is read but not observed")

	obs := map[string]station.Observation{}
	for _, o := range store.Observations() {
		obs[o.ID.String()] = o
	}
	require.Len(t, obs, 2, "72.0 and 72 are one identifier, the empty end id is skipped")

	w52 := obs["72"]
	assert.Equal(t, 3, w52.Count)
	assert.Equal(t, time.Date(2014, 9, 1, 8, 0, 0, 0, time.UTC), w52.FirstSeen)
	assert.Equal(t, time.Date(2014, 9, 3, 9, 0, 0, 0, time.UTC), w52.LastSeen, "an invalid timestamp never moves last_seen")

	pershing := obs["519"]
	assert.Equal(t, 2, pershing.Count)
	assert.Equal(t, 1, pershing.InvalidCount)
	assert.InDelta(t, 40.7518, pershing.Lat, 1e-9)
}

func TestCollectObservations(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"201409-citibike-tripdata.csv", "201410-citibike-tripdata.csv"} {
		path := filepath.Join(dir, name)
		data := strings.ReplaceAll(observeCSV, "2014-09-", "2014-"+name[4:6]+"-")
		require.NoError(t, os.WriteFile(path, []byte(data), 0644))
		paths = append(paths, path)
	}

	store, err := CollectObservations(context.Background(), paths, 2, station.StoreOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())

	for _, o := range store.Observations() {
		if o.ID.String() == "72" {
			assert.Equal(t, 6, o.Count)
			assert.Equal(t, time.Date(2014, 10, 3, 9, 0, 0, 0, time.UTC), o.LastSeen)
		}
	}

	_, err = CollectObservations(context.Background(), append(paths, filepath.Join(dir, "missing.csv")), 2, station.StoreOptions{}, nil)
	assert.Error(t, err)
}
