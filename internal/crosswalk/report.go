package crosswalk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bikeshare-atlas/pipeline/internal/station"
)

// Report summarizes a build for the build log
type Report struct {
	BuiltAt         time.Time         `json:"built_at"`
	RosterSize      int               `json:"roster_size"`
	RosterFetchedAt time.Time         `json:"roster_fetched_at"`
	Total           int               `json:"total"`
	TierCounts      map[MatchTier]int `json:"tier_counts"`
	GhostTypes      map[string]int    `json:"ghost_types"`
	MatchRate       float64           `json:"match_rate"`
	Ghosts          []string          `json:"ghosts"`
	LowConfidence   []string          `json:"low_confidence"`
	Reused          []string          `json:"reused"`
	NoCoordinates   []string          `json:"no_coordinates"`

	OverridesApplied int               `json:"overrides_applied"`
	IgnoredOverrides []IgnoredOverride `json:"ignored_overrides"`
	Digest           string            `json:"digest"`
}

func newReport(entries []Entry, roster *station.Roster) Report {
	r := Report{
		BuiltAt:          time.Now().UTC(),
		RosterSize:       roster.Len(),
		RosterFetchedAt:  roster.FetchedAt(),
		Total:            len(entries),
		TierCounts:       make(map[MatchTier]int, len(AllTiers)),
		GhostTypes:       make(map[string]int),
		Ghosts:           []string{},
		LowConfidence:    []string{},
		Reused:           []string{},
		NoCoordinates:    []string{},
		IgnoredOverrides: []IgnoredOverride{},
	}
	for _, t := range AllTiers {
		r.TierCounts[t] = 0
	}

	for _, e := range entries {
		r.TierCounts[e.Tier]++
		switch e.Tier {
		case TierGhost:
			r.Ghosts = append(r.Ghosts, e.LegacyID.String())
			r.GhostTypes[e.GhostType]++
			if e.Reason == reasonNoCoords {
				r.NoCoordinates = append(r.NoCoordinates, e.LegacyID.String())
			}
		case Tier3:
			r.LowConfidence = append(r.LowConfidence, e.LegacyID.String())
		}
		if e.Reused {
			r.Reused = append(r.Reused, e.LegacyID.String())
		}
	}
	if r.Total > 0 {
		r.MatchRate = float64(r.Total-r.TierCounts[TierGhost]) / float64(r.Total)
	}
	return r
}

// WriteReport writes the report as indented JSON into dir, named after the
// build time, and returns the path.
func WriteReport(dir string, r Report) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode build report: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("crosswalk_build_%s.json", r.BuiltAt.Format("20060102T150405Z")))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write build report: %w", err)
	}
	return path, nil
}
