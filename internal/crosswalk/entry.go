package crosswalk

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bikeshare-atlas/pipeline/internal/geo"
	"github.com/bikeshare-atlas/pipeline/internal/station"
)

// ErrEmptyRoster aborts a build: without canonical stations every legacy
// identifier would silently become a ghost.
var ErrEmptyRoster = errors.New("live roster is empty")

// MatchTier is the confidence with which a legacy identifier was resolved
type MatchTier string

const (
	TierDirect MatchTier = "direct"
	Tier1      MatchTier = "tier1"
	Tier2      MatchTier = "tier2"
	Tier3      MatchTier = "tier3"
	TierGhost  MatchTier = "ghost"
)

// AllTiers lists tiers in priority order
var AllTiers = []MatchTier{TierDirect, Tier1, Tier2, Tier3, TierGhost}

// ParseTier validates a tier name
func ParseTier(s string) (MatchTier, error) {
	for _, t := range AllTiers {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown match tier %q", s)
}

// IsMatch reports whether the tier assigns a canonical station
func (t MatchTier) IsMatch() bool {
	return t == TierDirect || t == Tier1 || t == Tier2 || t == Tier3
}

// Ghost classifications, from the nearest roster station
const (
	GhostRemoved      = "removed"       // nothing live anywhere near
	GhostMovedRenamed = "moved_renamed" // something nearby, under a different name
	GhostUnclear      = "unclear"
)

// Entry maps one legacy identifier to its canonical station. CanonicalID is
// set if and only if Tier is not ghost; a ghost carries its own legacy
// name and coordinate as its canonical values.
type Entry struct {
	LegacyID   station.ID
	LegacyName string
	LegacyLat  float64
	LegacyLon  float64

	CanonicalID   station.ID
	CanonicalName string
	CanonicalLat  float64
	CanonicalLon  float64

	Tier           MatchTier
	DistanceM      float64 // NaN when either side has no valid coordinate
	NameSimilarity float64

	// Diagnostics
	Reason           string
	GhostType        string
	NearestID        station.ID
	Reused           bool
	ObservationCount int
	FirstSeen        time.Time
	LastSeen         time.Time
}

// LegacyPoint returns the legacy coordinate
func (e Entry) LegacyPoint() geo.Point {
	return geo.Point{Lat: e.LegacyLat, Lon: e.LegacyLon}
}

// CanonicalPoint returns the canonical coordinate
func (e Entry) CanonicalPoint() geo.Point {
	return geo.Point{Lat: e.CanonicalLat, Lon: e.CanonicalLon}
}

// ghostEntry returns the entry for an identifier with no confident match
func ghostEntry(obs station.Observation, reason string) Entry {
	e := fromObservation(obs)
	e.Tier = TierGhost
	e.CanonicalName = obs.Name
	e.CanonicalLat = obs.Lat
	e.CanonicalLon = obs.Lon
	e.DistanceM = math.NaN()
	e.NameSimilarity = math.NaN()
	e.Reason = reason
	return e
}

// matchedEntry assigns obs to a live station
func matchedEntry(obs station.Observation, s station.LiveStation, tier MatchTier, d, sim float64) Entry {
	e := fromObservation(obs)
	e.Tier = tier
	e.CanonicalID = s.ID
	e.CanonicalName = s.Name
	e.CanonicalLat = s.Lat
	e.CanonicalLon = s.Lon
	e.DistanceM = d
	e.NameSimilarity = sim
	return e
}

func fromObservation(obs station.Observation) Entry {
	return Entry{
		LegacyID:         obs.ID,
		LegacyName:       obs.Name,
		LegacyLat:        obs.Lat,
		LegacyLon:        obs.Lon,
		Reused:           obs.Reused,
		ObservationCount: obs.Count,
		FirstSeen:        obs.FirstSeen,
		LastSeen:         obs.LastSeen,
	}
}

// Table is an immutable, indexed crosswalk
type Table struct {
	entries []Entry
	byID    map[station.ID]int
}

// NewTable indexes a copy of entries by legacy identifier. A legacy
// identifier may appear only once.
func NewTable(entries []Entry) (*Table, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return station.Compare(sorted[i].LegacyID, sorted[j].LegacyID) < 0
	})

	t := &Table{
		entries: sorted,
		byID:    make(map[station.ID]int, len(sorted)),
	}
	for i, e := range sorted {
		if _, dup := t.byID[e.LegacyID]; dup {
			return nil, fmt.Errorf("duplicate crosswalk entry for %s", e.LegacyID)
		}
		t.byID[e.LegacyID] = i
	}
	return t, nil
}

// Lookup returns the entry for a legacy identifier
func (t *Table) Lookup(id station.ID) (Entry, bool) {
	i, ok := t.byID[id]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Len returns the number of entries
func (t *Table) Len() int {
	return len(t.entries)
}

// Entries returns all entries in legacy identifier order. The slice must
// not be modified.
func (t *Table) Entries() []Entry {
	return t.entries
}
