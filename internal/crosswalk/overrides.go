package crosswalk

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/bikeshare-atlas/pipeline/internal/geo"
	"github.com/bikeshare-atlas/pipeline/internal/station"
)

// Override is a hand-curated correction applied after matching
type Override struct {
	LegacyID    station.ID
	CanonicalID station.ID // zero for a forced ghost
	Tier        MatchTier
	Note        string
}

// IgnoredOverride is an override that could not be applied
type IgnoredOverride struct {
	Override Override `json:"-"`
	LegacyID string   `json:"legacy_id"`
	Reason   string   `json:"reason"`
}

type overrideRow struct {
	LegacyID    string `csv:"legacy_id"`
	CanonicalID string `csv:"canonical_id"`
	MatchTier   string `csv:"match_tier"`
	Note        string `csv:"note"`
}

// LoadOverrides reads manual_overrides.csv. A missing file means no
// overrides.
func LoadOverrides(path string) ([]Override, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open overrides: %w", err)
	}
	defer f.Close()
	return ReadOverrides(f)
}

// ReadOverrides decodes override rows. Rows must name a legacy identifier
// and a valid tier; a matched tier also needs a canonical identifier.
func ReadOverrides(r io.Reader) ([]Override, error) {
	var rows []overrideRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse overrides: %w", err)
	}

	out := make([]Override, 0, len(rows))
	for n, row := range rows {
		line := n + 2 // header is line 1
		legacy, ok := station.ParseID(row.LegacyID)
		if !ok {
			return nil, fmt.Errorf("override line %d: missing legacy_id", line)
		}
		tier, err := ParseTier(strings.TrimSpace(row.MatchTier))
		if err != nil {
			return nil, fmt.Errorf("override line %d: %w", line, err)
		}
		canonical, _ := station.ParseID(row.CanonicalID)
		if tier.IsMatch() && canonical.IsZero() {
			return nil, fmt.Errorf("override line %d: tier %s needs a canonical_id", line, tier)
		}
		if tier == TierGhost && !canonical.IsZero() {
			return nil, fmt.Errorf("override line %d: ghost override cannot name a canonical_id", line)
		}
		out = append(out, Override{
			LegacyID:    legacy,
			CanonicalID: canonical,
			Tier:        tier,
			Note:        strings.TrimSpace(row.Note),
		})
	}
	return out, nil
}

// applyOverrides rewrites entries in place. An override never adds an
// identifier, so completeness is unchanged.
func applyOverrides(entries []Entry, overrides []Override, roster *station.Roster, env geo.Envelope) (int, []IgnoredOverride) {
	if len(overrides) == 0 {
		return 0, nil
	}
	byID := make(map[station.ID]int, len(entries))
	for i, e := range entries {
		byID[e.LegacyID] = i
	}

	applied := 0
	var ignored []IgnoredOverride
	skip := func(o Override, reason string) {
		ignored = append(ignored, IgnoredOverride{Override: o, LegacyID: o.LegacyID.String(), Reason: reason})
	}

	for _, o := range overrides {
		i, ok := byID[o.LegacyID]
		if !ok {
			skip(o, "legacy identifier never observed")
			continue
		}
		cur := entries[i]
		obs := station.Observation{
			ID:        cur.LegacyID,
			Name:      cur.LegacyName,
			Lat:       cur.LegacyLat,
			Lon:       cur.LegacyLon,
			Count:     cur.ObservationCount,
			FirstSeen: cur.FirstSeen,
			LastSeen:  cur.LastSeen,
			Reused:    cur.Reused,
		}

		var next Entry
		if o.Tier == TierGhost {
			next = ghostEntry(obs, "manual override")
			next.GhostType = GhostUnclear
		} else {
			s, ok := roster.Lookup(o.CanonicalID)
			if !ok {
				skip(o, fmt.Sprintf("canonical identifier %s not in roster", o.CanonicalID))
				continue
			}
			d := math.NaN()
			if dist, err := geo.DistanceM(env, obs.Point(), s.Point()); err == nil {
				d = dist
			}
			next = matchedEntry(obs, s, o.Tier, d, station.NameSimilarity(obs.Name, s.Name))
			next.Reason = "manual override"
		}
		if o.Note != "" {
			next.Reason += ": " + o.Note
		}
		entries[i] = next
		applied++
	}
	return applied, ignored
}
