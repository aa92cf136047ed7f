package station

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/bikeshare-atlas/pipeline/internal/geo"
)

// LiveStation is one canonical station of the current roster
type LiveStation struct {
	ID        ID // durable station_id, the canonical identifier
	ShortName ID // operator short name, zero if absent
	Name      string
	Lat       float64
	Lon       float64
}

// Point returns the station coordinate
func (s LiveStation) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lon: s.Lon}
}

// Roster is an immutable snapshot of the live station roster. Lookups match
// either the durable station_id or the short name, each within its own
// identifier namespace.
type Roster struct {
	stations  []LiveStation
	byID      map[ID]int
	fetchedAt time.Time
}

// NewRoster builds a snapshot. Stations are ordered by canonical identifier;
// an identifier claimed by two stations is an error.
func NewRoster(stations []LiveStation, fetchedAt time.Time) (*Roster, error) {
	sorted := append([]LiveStation(nil), stations...)
	sort.Slice(sorted, func(i, j int) bool {
		return Compare(sorted[i].ID, sorted[j].ID) < 0
	})

	r := &Roster{
		stations:  sorted,
		byID:      make(map[ID]int, len(sorted)*2),
		fetchedAt: fetchedAt,
	}
	for i, s := range sorted {
		if s.ID.IsZero() {
			return nil, fmt.Errorf("roster station %q has no station_id", s.Name)
		}
		for _, id := range []ID{s.ID, s.ShortName} {
			if id.IsZero() {
				continue
			}
			if prev, dup := r.byID[id]; dup && prev != i {
				return nil, fmt.Errorf("roster identifier %s claimed by %s and %s",
					id, sorted[prev].ID, s.ID)
			}
			r.byID[id] = i
		}
	}
	return r, nil
}

// Len returns the number of stations
func (r *Roster) Len() int {
	return len(r.stations)
}

// Stations returns the stations ordered by canonical identifier. The slice
// must not be modified.
func (r *Roster) Stations() []LiveStation {
	return r.stations
}

// Lookup finds the station an identifier names directly
func (r *Roster) Lookup(id ID) (LiveStation, bool) {
	i, ok := r.byID[id]
	if !ok {
		return LiveStation{}, false
	}
	return r.stations[i], true
}

// FetchedAt is when the roster was published or downloaded
func (r *Roster) FetchedAt() time.Time {
	return r.fetchedAt
}

// IsStale reports whether the snapshot is older than maxAge
func (r *Roster) IsStale(maxAge time.Duration, now time.Time) bool {
	if r.fetchedAt.IsZero() {
		return true
	}
	return now.Sub(r.fetchedAt) > maxAge
}

// Observations returns the roster as observations, ordered by identifier
func (r *Roster) Observations() []Observation {
	out := make([]Observation, 0, len(r.stations))
	for _, s := range r.stations {
		out = append(out, Observation{
			Source:    SourceRoster,
			ID:        s.ID,
			Name:      s.Name,
			Lat:       s.Lat,
			Lon:       s.Lon,
			FirstSeen: r.fetchedAt,
			LastSeen:  r.fetchedAt,
			Count:     1,
		})
	}
	return out
}

// rosterRow is one line of current_stations.csv
type rosterRow struct {
	StationID string `csv:"station_id"`
	ShortName string `csv:"short_name"`
	Name      string `csv:"name"`
	Lat       string `csv:"lat"`
	Lon       string `csv:"lon"`
}

// gbfsStationInformation is the station_information.json document
type gbfsStationInformation struct {
	LastUpdated int64 `json:"last_updated"`
	Data        struct {
		Stations []struct {
			StationID string  `json:"station_id"`
			ShortName string  `json:"short_name"`
			Name      string  `json:"name"`
			Lat       float64 `json:"lat"`
			Lon       float64 `json:"lon"`
		} `json:"stations"`
	} `json:"data"`
}

// LoadRoster reads a roster snapshot from a GBFS station_information.json
// or a current_stations.csv file, chosen by extension.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseGBFS(data)
	case ".csv":
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat roster: %w", err)
		}
		return ParseRosterCSV(data, info.ModTime().UTC())
	default:
		return nil, fmt.Errorf("unsupported roster format %q", filepath.Ext(path))
	}
}

// ParseGBFS decodes a GBFS station_information document
func ParseGBFS(data []byte) (*Roster, error) {
	var doc gbfsStationInformation
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse GBFS station information: %w", err)
	}

	stations := make([]LiveStation, 0, len(doc.Data.Stations))
	for _, s := range doc.Data.Stations {
		id, ok := ParseID(s.StationID)
		if !ok {
			continue
		}
		short, _ := ParseID(s.ShortName)
		stations = append(stations, LiveStation{
			ID:        id,
			ShortName: short,
			Name:      trimName(s.Name),
			Lat:       s.Lat,
			Lon:       s.Lon,
		})
	}

	var fetchedAt time.Time
	if doc.LastUpdated > 0 {
		fetchedAt = time.Unix(doc.LastUpdated, 0).UTC()
	}
	return NewRoster(stations, fetchedAt)
}

// ParseRosterCSV decodes current_stations.csv. Rows without a station_id are
// skipped; unparseable coordinates become NaN so the station can still be
// hit directly by identifier.
func ParseRosterCSV(data []byte, fetchedAt time.Time) (*Roster, error) {
	var rows []rosterRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse roster CSV: %w", err)
	}

	stations := make([]LiveStation, 0, len(rows))
	for _, row := range rows {
		id, ok := ParseID(row.StationID)
		if !ok {
			continue
		}
		short, _ := ParseID(row.ShortName)
		stations = append(stations, LiveStation{
			ID:        id,
			ShortName: short,
			Name:      trimName(row.Name),
			Lat:       ParseCoordinate(row.Lat),
			Lon:       ParseCoordinate(row.Lon),
		})
	}
	return NewRoster(stations, fetchedAt)
}

// ParseCoordinate parses a raw coordinate field, NaN when empty or malformed
func ParseCoordinate(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}
