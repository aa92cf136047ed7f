package validate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bikeshare-atlas/pipeline/internal/crosswalk"
	"github.com/bikeshare-atlas/pipeline/internal/resolve"
	"github.com/bikeshare-atlas/pipeline/internal/station"
)

// StationAudit is the distance distribution and verdict for one legacy
// identifier
type StationAudit struct {
	LegacyID       string              `json:"legacy_id"`
	LegacyName     string              `json:"legacy_name"`
	CanonicalID    string              `json:"canonical_id"`
	CanonicalName  string              `json:"canonical_name"`
	CanonicalLat   float64             `json:"canonical_lat"`
	CanonicalLon   float64             `json:"canonical_lon"`
	MatchType      resolve.MatchType   `json:"match_type"`
	Tier           crosswalk.MatchTier `json:"match_tier"`
	TripCount      int                 `json:"trip_count"`
	MedianM        float64             `json:"median_distance_m"`
	MeanM          float64             `json:"avg_distance_m"`
	StdDevM        float64             `json:"stddev_distance_m"`
	P95M           float64             `json:"p95_distance_m"`
	MaxM           float64             `json:"max_distance_m"`
	TripsOver      int                 `json:"trips_over_threshold"`
	PctOver        float64             `json:"pct_over_threshold"`
	Classification Classification      `json:"classification"`
	Reused         bool                `json:"reused"`
}

// Summary counts verdicts and the endpoints that could not be audited
type Summary struct {
	StationsAnalyzed  int `json:"total_stations_analyzed"`
	Good              int `json:"good_mappings"`
	BadRawData        int `json:"bad_data_stations"`
	Suspicious        int `json:"suspicious_mappings"`
	EndpointsAnalyzed int `json:"endpoints_analyzed"`
	InvalidCoordinate int `json:"excluded_invalid_coordinates"`
	Unmatched         int `json:"unmatched_endpoints"`
}

// Report is the mapping audit for human review. Good mappings are counted
// but only listed in Stations, which is not part of the JSON log.
type Report struct {
	GeneratedAt         time.Time      `json:"generated_at"`
	DistanceThresholdM  float64        `json:"distance_threshold_m"`
	OutlierPctThreshold float64        `json:"outlier_pct_threshold"`
	Summary             Summary        `json:"summary"`
	Suspicious          []StationAudit `json:"suspicious_mappings"`
	BadRawData          []StationAudit `json:"bad_data_stations"`
	Reused              []string       `json:"reused_identifiers"`

	Stations []StationAudit `json:"-"`
}

// Report classifies everything observed so far. Reused identifiers are
// listed from the crosswalk whether or not any trip used them.
func (v *Validator) Report(table *crosswalk.Table) Report {
	r := Report{
		GeneratedAt:         time.Now().UTC(),
		DistanceThresholdM:  v.opts.DistanceM,
		OutlierPctThreshold: v.opts.OutlierPct,
		Suspicious:          []StationAudit{},
		BadRawData:          []StationAudit{},
		Reused:              []string{},
		Stations:            v.Audits(table),
	}
	r.Summary.EndpointsAnalyzed = v.endpoints
	r.Summary.InvalidCoordinate = v.excluded
	r.Summary.Unmatched = v.unmatched
	r.Summary.StationsAnalyzed = len(r.Stations)

	for _, a := range r.Stations {
		switch a.Classification {
		case ClassSuspicious:
			r.Summary.Suspicious++
			r.Suspicious = append(r.Suspicious, a)
		case ClassBadRawData:
			r.Summary.BadRawData++
			r.BadRawData = append(r.BadRawData, a)
		default:
			r.Summary.Good++
		}
	}

	if table != nil {
		for _, e := range table.Entries() {
			if e.Reused {
				r.Reused = append(r.Reused, e.LegacyID.String())
			}
		}
	}
	return r
}

// WriteReport writes the report as indented JSON into dir and returns the
// path
func WriteReport(dir string, r Report) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode validation report: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("validation_%s.json", r.GeneratedAt.Format("20060102T150405Z")))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write validation report: %w", err)
	}
	return path, nil
}

func lookup(table *crosswalk.Table, raw string) (crosswalk.Entry, bool) {
	id, ok := station.ParseID(raw)
	if !ok {
		return crosswalk.Entry{}, false
	}
	return table.Lookup(id)
}
