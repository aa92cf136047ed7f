package crosswalk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bikeshare-atlas/pipeline/internal/geo"
	"github.com/bikeshare-atlas/pipeline/internal/logging"
	"github.com/bikeshare-atlas/pipeline/internal/station"
)

// A ghost whose nearest live station is farther than this was removed
// outright; closer ones moved or were renamed.
const (
	ghostRemovedM     = 200.0
	ghostMovedMinM    = 50.0
	ghostMovedMaxSim  = 0.4
	reasonNoCoords    = "no valid coordinates"
	reasonLowSimilar  = "name similarity below tier floor"
	reasonNoneInRange = "no roster station within %.0fm"
)

// Options configures a Builder
type Options struct {
	Tiers    Tiers
	Envelope geo.Envelope
	Workers  int
	Logger   *slog.Logger
}

// Builder regenerates the crosswalk from observations and a roster snapshot
type Builder struct {
	tiers   Tiers
	env     geo.Envelope
	workers int
	logger  *slog.Logger
}

// NewBuilder creates a Builder. Zero options fall back to DefaultTiers, the
// world envelope and a single worker.
func NewBuilder(opts Options) *Builder {
	if opts.Tiers == (Tiers{}) {
		opts.Tiers = DefaultTiers()
	}
	if opts.Envelope == (geo.Envelope{}) {
		opts.Envelope = geo.WorldEnvelope
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Builder{
		tiers:   opts.Tiers,
		env:     opts.Envelope,
		workers: opts.Workers,
		logger:  logging.OrDefault(opts.Logger).With(slog.String("component", "crosswalk_builder")),
	}
}

// Result is the output of one build
type Result struct {
	Entries []Entry // ordered by legacy identifier
	Report  Report
}

// Table indexes the result for lookups
func (r *Result) Table() (*Table, error) {
	return NewTable(r.Entries)
}

// Build produces exactly one entry per observed legacy identifier. Matching
// is sharded across workers with no shared mutable state; each worker writes
// only its own slots of the output slice. Overrides are applied last.
func (b *Builder) Build(ctx context.Context, observations []station.Observation, roster *station.Roster, overrides []Override) (*Result, error) {
	start := time.Now()
	if roster == nil || roster.Len() == 0 {
		return nil, ErrEmptyRoster
	}

	seen := make(map[station.ID]struct{}, len(observations))
	for _, obs := range observations {
		if obs.ID.IsZero() {
			return nil, fmt.Errorf("observation without identifier (name %q)", obs.Name)
		}
		if _, dup := seen[obs.ID]; dup {
			return nil, fmt.Errorf("duplicate observation for %s", obs.ID)
		}
		seen[obs.ID] = struct{}{}
	}

	m := newMatcher(b.tiers, b.env, roster)
	entries := make([]Entry, len(observations))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < b.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				entries[i] = m.match(observations[i])
			}
		}()
	}

feed:
	for i := range observations {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("crosswalk build cancelled: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return station.Compare(entries[i].LegacyID, entries[j].LegacyID) < 0
	})

	applied, ignored := applyOverrides(entries, overrides, roster, b.env)
	for _, o := range ignored {
		b.logger.Warn("manual override ignored",
			slog.String("legacy_id", o.Override.LegacyID.String()),
			slog.String("reason", o.Reason))
	}

	report := newReport(entries, roster)
	report.OverridesApplied = applied
	report.IgnoredOverrides = ignored
	digest, err := Digest(entries)
	if err != nil {
		return nil, err
	}
	report.Digest = digest

	logging.LogOperation(b.logger, "crosswalk_built",
		slog.Int("entries", len(entries)),
		slog.Int("roster_size", roster.Len()),
		slog.Float64("match_rate", report.MatchRate),
		slog.Int("ghosts", report.TierCounts[TierGhost]),
		slog.Int("reused", len(report.Reused)),
		slog.String("digest", digest),
		slog.Duration("duration", time.Since(start)))

	return &Result{Entries: entries, Report: report}, nil
}

// matcher holds the read-only state shared by all workers
type matcher struct {
	tiers  Tiers
	env    geo.Envelope
	roster *station.Roster
	index  *geo.Index
}

func newMatcher(tiers Tiers, env geo.Envelope, roster *station.Roster) *matcher {
	m := &matcher{
		tiers:  tiers,
		env:    env,
		roster: roster,
		index:  geo.NewIndex(tiers.Tier3MaxM),
	}
	for i, s := range roster.Stations() {
		if env.Contains(s.Point()) {
			m.index.Insert(s.Point(), i)
		}
	}
	return m
}

func (m *matcher) match(obs station.Observation) Entry {
	if s, ok := m.roster.Lookup(obs.ID); ok {
		d := math.NaN()
		if dist, err := geo.DistanceM(m.env, obs.Point(), s.Point()); err == nil {
			d = dist
		}
		return matchedEntry(obs, s, TierDirect, d, station.NameSimilarity(obs.Name, s.Name))
	}

	if !obs.HasCoordinate(m.env) {
		e := ghostEntry(obs, reasonNoCoords)
		e.GhostType = GhostUnclear
		return e
	}

	stations := m.roster.Stations()
	near := m.index.Near(obs.Point())
	cands := make([]candidate, 0, len(near))
	for _, i := range near {
		s := stations[i]
		d, err := geo.DistanceM(m.env, obs.Point(), s.Point())
		if err != nil {
			continue
		}
		cands = append(cands, candidate{
			station:   s,
			distanceM: d,
			sim:       station.NameSimilarity(obs.Name, s.Name),
		})
	}

	if best, tier, ok := m.tiers.pick(cands); ok {
		return matchedEntry(obs, best.station, tier, best.distanceM, best.sim)
	}
	return m.ghost(obs, cands)
}

// ghost builds a ghost entry annotated with the nearest candidate
func (m *matcher) ghost(obs station.Observation, cands []candidate) Entry {
	if len(cands) == 0 {
		e := ghostEntry(obs, fmt.Sprintf(reasonNoneInRange, m.tiers.Tier3MaxM))
		e.GhostType = GhostRemoved
		return e
	}

	nearest := cands[0]
	for _, c := range cands[1:] {
		if nearer(c, nearest) {
			nearest = c
		}
	}

	reason := reasonLowSimilar
	if nearest.distanceM >= m.tiers.Tier3MaxM {
		reason = fmt.Sprintf(reasonNoneInRange, m.tiers.Tier3MaxM)
	}
	e := ghostEntry(obs, reason)
	e.NearestID = nearest.station.ID
	e.DistanceM = nearest.distanceM
	e.NameSimilarity = nearest.sim

	switch {
	case nearest.distanceM > ghostRemovedM:
		e.GhostType = GhostRemoved
	case nearest.distanceM > ghostMovedMinM && nearest.sim < ghostMovedMaxSim:
		e.GhostType = GhostMovedRenamed
	default:
		e.GhostType = GhostUnclear
	}
	return e
}
