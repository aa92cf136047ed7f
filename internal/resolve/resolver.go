package resolve

import (
	"errors"
	"fmt"

	"github.com/bikeshare-atlas/pipeline/internal/crosswalk"
	"github.com/bikeshare-atlas/pipeline/internal/geo"
	"github.com/bikeshare-atlas/pipeline/internal/station"
)

var (
	// ErrMissingCrosswalk aborts a run: resolution without a complete
	// crosswalk would classify every endpoint as unmatched.
	ErrMissingCrosswalk = errors.New("crosswalk is missing or empty")

	// ErrUnresolvableIdentifier means an identifier reached resolution
	// without a crosswalk entry, which a complete build never allows.
	ErrUnresolvableIdentifier = errors.New("identifier has no crosswalk entry")
)

// UnresolvableError carries the identifier that failed to resolve
type UnresolvableError struct {
	ID station.ID
}

func (e *UnresolvableError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrUnresolvableIdentifier, e.ID, e.ID.Kind())
}

func (e *UnresolvableError) Unwrap() error {
	return ErrUnresolvableIdentifier
}

// MatchType tags how an endpoint's canonical values were chosen
type MatchType string

const (
	MatchDirect    MatchType = "direct"
	MatchCrosswalk MatchType = "crosswalk"
	MatchGhost     MatchType = "ghost"
	MatchUnmatched MatchType = "unmatched"
)

// AllMatchTypes lists match types in report order
var AllMatchTypes = []MatchType{MatchDirect, MatchCrosswalk, MatchGhost, MatchUnmatched}

// Resolution is the canonical identity chosen for one endpoint
type Resolution struct {
	MatchType     MatchType
	Tier          crosswalk.MatchTier // empty when unmatched
	CanonicalID   station.ID          // zero for ghost and unmatched
	CanonicalName string
	CanonicalLat  float64
	CanonicalLon  float64
}

// state is the resolver's branch for one lookup
type state int

const (
	stateMatched state = iota // crosswalk assigns a live station
	stateGhost                // crosswalk keeps the legacy identity
	stateUnseen               // no crosswalk entry at all
)

// Resolver picks canonical coordinates for trip endpoints. It is read-only
// after construction and safe for concurrent use.
type Resolver struct {
	table  *crosswalk.Table
	roster *station.Roster
	env    geo.Envelope
}

// NewResolver creates a Resolver over a built crosswalk. roster, when given,
// supplies the current coordinate and name of matched stations; without it
// the canonical copy stored in the crosswalk is used.
func NewResolver(table *crosswalk.Table, roster *station.Roster, env geo.Envelope) (*Resolver, error) {
	if table == nil || table.Len() == 0 {
		return nil, ErrMissingCrosswalk
	}
	if env == (geo.Envelope{}) {
		env = geo.WorldEnvelope
	}
	return &Resolver{table: table, roster: roster, env: env}, nil
}

func classify(entry crosswalk.Entry, found bool) state {
	switch {
	case !found:
		return stateUnseen
	case entry.Tier.IsMatch():
		return stateMatched
	default:
		return stateGhost
	}
}

// Resolve returns the canonical identity for an endpoint. An identifier
// without a crosswalk entry resolves to its raw values, tagged unmatched,
// together with an *UnresolvableError.
func (r *Resolver) Resolve(id station.ID, rawName string, raw geo.Point) (Resolution, error) {
	entry, found := r.table.Lookup(id)

	switch classify(entry, found) {
	case stateMatched:
		return r.matched(entry, raw), nil
	case stateGhost:
		return r.ghost(entry, raw), nil
	default:
		return Resolution{
			MatchType:     MatchUnmatched,
			CanonicalName: rawName,
			CanonicalLat:  raw.Lat,
			CanonicalLon:  raw.Lon,
		}, &UnresolvableError{ID: id}
	}
}

// matched prefers the roster's current values, then the crosswalk's copy.
// When neither holds a valid coordinate the raw one is used.
func (r *Resolver) matched(entry crosswalk.Entry, raw geo.Point) Resolution {
	res := Resolution{
		MatchType:     MatchCrosswalk,
		Tier:          entry.Tier,
		CanonicalID:   entry.CanonicalID,
		CanonicalName: entry.CanonicalName,
		CanonicalLat:  entry.CanonicalLat,
		CanonicalLon:  entry.CanonicalLon,
	}
	if entry.Tier == crosswalk.TierDirect {
		res.MatchType = MatchDirect
	}

	if r.roster != nil {
		if s, ok := r.roster.Lookup(entry.CanonicalID); ok {
			if s.Name != "" {
				res.CanonicalName = s.Name
			}
			if r.env.Contains(s.Point()) {
				res.CanonicalLat, res.CanonicalLon = s.Lat, s.Lon
			}
		}
	}
	if !r.env.Contains(geo.Point{Lat: res.CanonicalLat, Lon: res.CanonicalLon}) {
		res.CanonicalLat, res.CanonicalLon = raw.Lat, raw.Lon
	}
	return res
}

// ghost keeps the legacy identity; the raw coordinate fills in only when
// the legacy record never had a valid one
func (r *Resolver) ghost(entry crosswalk.Entry, raw geo.Point) Resolution {
	res := Resolution{
		MatchType:     MatchGhost,
		Tier:          crosswalk.TierGhost,
		CanonicalName: entry.LegacyName,
		CanonicalLat:  entry.LegacyLat,
		CanonicalLon:  entry.LegacyLon,
	}
	if !r.env.Contains(entry.LegacyPoint()) {
		res.CanonicalLat, res.CanonicalLon = raw.Lat, raw.Lon
	}
	return res
}
