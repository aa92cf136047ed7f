package crosswalk

import (
	"github.com/bikeshare-atlas/pipeline/internal/config"
	"github.com/bikeshare-atlas/pipeline/internal/station"
)

// Tiers holds the distance ceilings and name similarity floors of the
// geo-match tiers. Bands are half-open: tier 2 covers [Tier1MaxM, Tier2MaxM).
type Tiers struct {
	Tier1MaxM   float64
	Tier2MaxM   float64
	Tier2MinSim float64
	Tier3MaxM   float64
	Tier3MinSim float64
}

// DefaultTiers returns the standard 20/50/150 metre bands
func DefaultTiers() Tiers {
	return Tiers{
		Tier1MaxM:   20,
		Tier2MaxM:   50,
		Tier2MinSim: 0.5,
		Tier3MaxM:   150,
		Tier3MinSim: 0.6,
	}
}

// TiersFromConfig reads tier thresholds from cfg
func TiersFromConfig(cfg *config.Config) Tiers {
	return Tiers{
		Tier1MaxM:   cfg.Tier1MaxM,
		Tier2MaxM:   cfg.Tier2MaxM,
		Tier2MinSim: cfg.Tier2MinSim,
		Tier3MaxM:   cfg.Tier3MaxM,
		Tier3MinSim: cfg.Tier3MinSim,
	}
}

// qualifies reports whether a candidate at distance d with name similarity
// sim satisfies tier. Similarity floors are strict.
func (t Tiers) qualifies(tier MatchTier, d, sim float64) bool {
	switch tier {
	case Tier1:
		return d < t.Tier1MaxM
	case Tier2:
		return d >= t.Tier1MaxM && d < t.Tier2MaxM && sim > t.Tier2MinSim
	case Tier3:
		return d >= t.Tier2MaxM && d < t.Tier3MaxM && sim > t.Tier3MinSim
	default:
		return false
	}
}

// candidate is a roster station scored against one legacy observation
type candidate struct {
	station   station.LiveStation
	distanceM float64
	sim       float64
}

// better reports whether a wins the tie-break against b: higher similarity,
// then the smaller canonical identifier.
func better(a, b candidate) bool {
	if a.sim != b.sim {
		return a.sim > b.sim
	}
	return station.Compare(a.station.ID, b.station.ID) < 0
}

// nearer orders candidates by distance, then canonical identifier
func nearer(a, b candidate) bool {
	if a.distanceM != b.distanceM {
		return a.distanceM < b.distanceM
	}
	return station.Compare(a.station.ID, b.station.ID) < 0
}

// pick applies the tiers in priority order. Within the first tier that any
// candidate satisfies, the tie-break selects the winner.
func (t Tiers) pick(cands []candidate) (candidate, MatchTier, bool) {
	for _, tier := range []MatchTier{Tier1, Tier2, Tier3} {
		var best candidate
		found := false
		for _, c := range cands {
			if !t.qualifies(tier, c.distanceM, c.sim) {
				continue
			}
			if !found || better(c, best) {
				best, found = c, true
			}
		}
		if found {
			return best, tier, true
		}
	}
	return candidate{}, TierGhost, false
}
