package resolve

import (
	"time"

	"github.com/bikeshare-atlas/pipeline/internal/crosswalk"
	"github.com/bikeshare-atlas/pipeline/internal/geo"
)

// Trip is one schema-normalized trip row
type Trip struct {
	Row            int
	RideID         string
	StartID        string
	EndID          string
	StartName      string
	EndName        string
	StartLat       float64
	StartLon       float64
	EndLat         float64
	EndLon         float64
	StartedAt      time.Time
	TimestampValid bool // started_at parsed and fell in the file's expected period
	Duration       time.Duration
	RideableType   string
	MemberCasual   string
	Malformed      bool // the CSV record could not be decoded; only Row is set
}

// Endpoint is one resolved end of a trip. The raw values are always kept
// next to the canonical ones.
type Endpoint struct {
	RawID   string
	RawName string
	RawLat  float64
	RawLon  float64

	CanonicalID   string // empty for ghost and unmatched
	CanonicalName string
	CanonicalLat  float64
	CanonicalLon  float64
	MatchType     MatchType
	Tier          crosswalk.MatchTier
}

// RawPoint returns the endpoint's original coordinate
func (e Endpoint) RawPoint() geo.Point {
	return geo.Point{Lat: e.RawLat, Lon: e.RawLon}
}

// CanonicalPoint returns the resolved coordinate
func (e Endpoint) CanonicalPoint() geo.Point {
	return geo.Point{Lat: e.CanonicalLat, Lon: e.CanonicalLon}
}

// ResolvedTrip is a retained trip with both endpoints resolved
type ResolvedTrip struct {
	SourceFile   string
	Row          int
	RideID       string
	Period       string // YYYY-MM of StartedAt
	StartedAt    time.Time
	DurationSec  int
	RideableType string
	MemberCasual string
	Start        Endpoint
	End          Endpoint
}

// PeriodOf formats the output partition key for a start time
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}
