package resolve

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpectedPeriod(t *testing.T) {
	tests := []struct {
		name   string
		want   string
		wantOK bool
	}{
		{"201409-citibike-tripdata.csv", "2014-09", true},
		{"data/202301-citibike-tripdata_2.csv", "2023-01", true},
		{"JC-202105-citibike-tripdata.csv", "2021-05", true},
		{"trips_201807.csv", "2018-07", true},
		{"201413-citibike-tripdata.csv", "", false},
		{"199901-trips.csv", "", false},
		{"trips.csv", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExpectedPeriod(tc.name)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestToTrip(t *testing.T) {
	row := tripRow{
		RideID:       " r1 ",
		StartedAt:    "2014-09-01 08:00:00",
		EndedAt:      "2014-09-01 08:12:30",
		StartID:      "72",
		StartLat:     "40.76727",
		StartLon:     "-73.99393",
		EndID:        "519",
		EndLat:       "",
		EndLon:       "bogus",
		MemberCasual: "member",
	}

	t.Run("duration from ended_at", func(t *testing.T) {
		trip := toTrip(row, 4, "2014-09")
		assert.Equal(t, "r1", trip.RideID)
		assert.Equal(t, 4, trip.Row)
		assert.True(t, trip.TimestampValid)
		assert.Equal(t, 12*time.Minute+30*time.Second, trip.Duration)
		assert.Equal(t, time.Date(2014, 9, 1, 8, 0, 0, 0, time.UTC), trip.StartedAt)
		assert.Equal(t, 40.76727, trip.StartLat)
		assert.True(t, math.IsNaN(trip.EndLat), "empty coordinate becomes NaN")
	})

	t.Run("duration_sec wins", func(t *testing.T) {
		r := row
		r.DurationSec = "61.5"
		trip := toTrip(r, 1, "")
		assert.Equal(t, 61500*time.Millisecond, trip.Duration)
	})

	t.Run("start outside the file's month", func(t *testing.T) {
		trip := toTrip(row, 1, "2014-10")
		assert.False(t, trip.TimestampValid)
	})

	t.Run("no duration at all", func(t *testing.T) {
		r := row
		r.EndedAt = ""
		trip := toTrip(r, 1, "")
		assert.False(t, trip.TimestampValid)
	})

	t.Run("legacy layout", func(t *testing.T) {
		r := row
		r.StartedAt = "9/1/2014 00:00:25"
		r.EndedAt = "9/1/2014 00:10:25"
		trip := toTrip(r, 1, "2014-09")
		assert.True(t, trip.TimestampValid)
		assert.Equal(t, 10*time.Minute, trip.Duration)
	})
}

func TestReadTripsNumbersRows(t *testing.T) {
	var rows []int
	err := ReadTrips(strings.NewReader(tripCSV), "201409-citibike-tripdata.csv", func(trip Trip) {
		rows = append(rows, trip.Row)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, rows)
}

func TestReadTripsContinuesPastMalformedRecords(t *testing.T) {
	data := `ride_id,started_at,duration_sec,start_station_id,start_station_name,end_station_id
r1,2014-09-01 08:00:00,600,72,W 52 St,519
r2,2014-09-01 08:10:00,600
r3,2014-09-01 08:20:00,600,72,Joe's "Corner,519
r4,2014-09-01 08:30:00,600,72,W 52 St,519,surplus
r5,2014-09-01 08:40:00,600,72,W 52 St,519
`
	var trips []Trip
	err := ReadTrips(strings.NewReader(data), "201409-citibike-tripdata.csv", func(trip Trip) {
		trips = append(trips, trip)
	})
	require.NoError(t, err)
	require.Len(t, trips, 5)

	assert.False(t, trips[0].Malformed)
	assert.True(t, trips[1].Malformed, "too few fields")
	assert.False(t, trips[2].Malformed, "a bare quote is kept literally")
	assert.Equal(t, `Joe's "Corner`, trips[2].StartName)
	assert.True(t, trips[3].Malformed, "too many fields")
	assert.Equal(t, 4, trips[3].Row)
	assert.Equal(t, "r5", trips[4].RideID)
}

func TestReadTripsEmptyInput(t *testing.T) {
	called := false
	err := ReadTrips(strings.NewReader(""), "201409-citibike-tripdata.csv", func(Trip) { called = true })
	require.NoError(t, err)
	assert.False(t, called)
}

func TestListTripFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"201410-citibike-tripdata.csv", "201409-citibike-tripdata.CSV", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.csv"), 0755))

	paths, err := ListTripFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "201409-citibike-tripdata.CSV"),
		filepath.Join(dir, "201410-citibike-tripdata.csv"),
	}, paths)

	single, err := ListTripFiles(paths[1])
	require.NoError(t, err)
	assert.Equal(t, paths[1:], single)

	_, err = ListTripFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
