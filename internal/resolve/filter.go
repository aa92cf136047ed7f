package resolve

import (
	"strings"
	"time"

	"github.com/bikeshare-atlas/pipeline/internal/config"
)

// FilterReason names why a trip was dropped. Every dropped trip has exactly
// one reason.
type FilterReason string

const (
	ReasonMalformedRow     FilterReason = "malformed_row"
	ReasonMissingStation   FilterReason = "missing_station"
	ReasonInvalidTimestamp FilterReason = "invalid_timestamp"
	ReasonDurationTooShort FilterReason = "duration_too_short"
	ReasonDurationTooLong  FilterReason = "duration_too_long"
	ReasonTestStation      FilterReason = "test_station"
)

// AllReasons lists reasons in evaluation order
var AllReasons = []FilterReason{
	ReasonMalformedRow,
	ReasonMissingStation,
	ReasonInvalidTimestamp,
	ReasonDurationTooShort,
	ReasonDurationTooLong,
	ReasonTestStation,
}

// Filters holds the admissibility rules for trips
type Filters struct {
	MinDuration time.Duration
	MaxDuration time.Duration
	denylist    []string
}

// NewFilters builds filters. Denylist patterns match as case-insensitive
// substrings.
func NewFilters(minDuration, maxDuration time.Duration, denylist []string) Filters {
	f := Filters{MinDuration: minDuration, MaxDuration: maxDuration}
	for _, p := range denylist {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			f.denylist = append(f.denylist, p)
		}
	}
	return f
}

// FiltersFromConfig reads the admissibility window and denylist from cfg
func FiltersFromConfig(cfg *config.Config) Filters {
	return NewFilters(cfg.MinDuration, cfg.MaxDuration, cfg.StationDenylist)
}

// duration checks the inclusive admissible window
func (f Filters) duration(d time.Duration) (FilterReason, bool) {
	switch {
	case d < f.MinDuration:
		return ReasonDurationTooShort, false
	case f.MaxDuration > 0 && d > f.MaxDuration:
		return ReasonDurationTooLong, false
	}
	return "", true
}

// Denied reports whether name matches an internal or test station pattern
func (f Filters) Denied(name string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	for _, p := range f.denylist {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
