package geo

import (
	"errors"
	"fmt"
	"math"
)

const earthRadiusMeters = 6371000

// ErrInvalidCoordinate is returned when a coordinate is NaN or outside the validity envelope.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a WGS84 latitude/longitude pair in degrees
type Point struct {
	Lat float64
	Lon float64
}

// Envelope bounds the coordinates accepted for distance computation
type Envelope struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// WorldEnvelope accepts any coordinate on the globe
var WorldEnvelope = Envelope{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}

// Contains reports whether p is a finite coordinate inside the envelope (inclusive)
func (e Envelope) Contains(p Point) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	return p.Lat >= e.MinLat && p.Lat <= e.MaxLat && p.Lon >= e.MinLon && p.Lon <= e.MaxLon
}

// Validate returns a *CoordinateError wrapping ErrInvalidCoordinate if p is outside the envelope
func (e Envelope) Validate(p Point) error {
	if e.Contains(p) {
		return nil
	}
	return &CoordinateError{Point: p}
}

// CoordinateError describes the rejected coordinate
type CoordinateError struct {
	Point Point
}

func (e *CoordinateError) Error() string {
	return fmt.Sprintf("invalid coordinate (%v, %v)", e.Point.Lat, e.Point.Lon)
}

func (e *CoordinateError) Unwrap() error {
	return ErrInvalidCoordinate
}

// Haversine calculates the distance between two points in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	deltaPhi := (lat2 - lat1) * math.Pi / 180
	deltaLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// DistanceM returns the great-circle distance between a and b in meters.
// Both points must lie inside env. The arguments are put in a fixed order
// before computing, so DistanceM(a, b) and DistanceM(b, a) are bit-identical.
func DistanceM(env Envelope, a, b Point) (float64, error) {
	if err := env.Validate(a); err != nil {
		return 0, err
	}
	if err := env.Validate(b); err != nil {
		return 0, err
	}
	if less(b, a) {
		a, b = b, a
	}
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon), nil
}

func less(a, b Point) bool {
	if a.Lat != b.Lat {
		return a.Lat < b.Lat
	}
	return a.Lon < b.Lon
}
