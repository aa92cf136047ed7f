package crosswalk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bikeshare-atlas/pipeline/internal/station"
)

func cand(id string, d, sim float64) candidate {
	return candidate{
		station:   station.LiveStation{ID: station.MustParseID(id)},
		distanceM: d,
		sim:       sim,
	}
}

func TestTierClassification(t *testing.T) {
	tiers := DefaultTiers()
	tests := []struct {
		name string
		d    float64
		sim  float64
		want MatchTier
	}{
		{"close coordinates are conclusive", 15, 0.3, Tier1},
		{"tier1 ignores similarity entirely", 19.99, 0, Tier1},
		{"tier2 lower bound is inclusive", 20, 0.9, Tier2},
		{"tier2 similarity floor is strict", 30, 0.5, TierGhost},
		{"tier2 just above floor", 30, 0.51, Tier2},
		{"tier3 low confidence match", 100, 0.65, Tier3},
		{"tier3 below floor falls to ghost", 100, 0.55, TierGhost},
		{"tier3 similarity floor is strict", 100, 0.6, TierGhost},
		{"tier3 lower bound is inclusive", 50, 0.61, Tier3},
		{"150m is out of range", 150, 1, TierGhost},
		{"far away", 5000, 1, TierGhost},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, tier, ok := tiers.pick([]candidate{cand("A", tc.d, tc.sim)})
			assert.Equal(t, tc.want, tier)
			assert.Equal(t, tc.want != TierGhost, ok)
		})
	}
}

func TestTierTieBreak(t *testing.T) {
	tiers := DefaultTiers()

	t.Run("higher similarity wins within the tier", func(t *testing.T) {
		best, tier, ok := tiers.pick([]candidate{
			cand("A", 5, 0.4),
			cand("B", 12, 0.8),
		})
		assert.True(t, ok)
		assert.Equal(t, Tier1, tier)
		assert.Equal(t, "B", best.station.ID.String())
	})

	t.Run("equal similarity prefers smaller identifier", func(t *testing.T) {
		best, _, _ := tiers.pick([]candidate{
			cand("C", 5, 0.7),
			cand("B", 12, 0.7),
			cand("D", 1, 0.7),
		})
		assert.Equal(t, "B", best.station.ID.String())
	})

	t.Run("order of candidates does not matter", func(t *testing.T) {
		a, _, _ := tiers.pick([]candidate{cand("X", 30, 0.9), cand("Y", 40, 0.9)})
		b, _, _ := tiers.pick([]candidate{cand("Y", 40, 0.9), cand("X", 30, 0.9)})
		assert.Equal(t, a.station.ID, b.station.ID)
	})

	t.Run("higher tier beats better similarity", func(t *testing.T) {
		best, tier, _ := tiers.pick([]candidate{
			cand("A", 30, 1.0),
			cand("B", 10, 0.1),
		})
		assert.Equal(t, Tier1, tier)
		assert.Equal(t, "B", best.station.ID.String())
	})
}

func TestParseTier(t *testing.T) {
	for _, tier := range AllTiers {
		got, err := ParseTier(string(tier))
		assert.NoError(t, err)
		assert.Equal(t, tier, got)
	}
	_, err := ParseTier("tier4")
	assert.Error(t, err)

	assert.True(t, TierDirect.IsMatch())
	assert.True(t, Tier3.IsMatch())
	assert.False(t, TierGhost.IsMatch())
}
