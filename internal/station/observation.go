package station

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/bikeshare-atlas/pipeline/internal/geo"
)

// Source tells where an observation came from
type Source string

const (
	SourceRoster  Source = "live_roster"
	SourceHistory Source = "trip_history"
)

// Observation is the representative record for one identifier: the most
// common name and the median of all valid coordinates it was seen at.
type Observation struct {
	Source    Source
	ID        ID
	Name      string
	Lat       float64 // NaN when no valid coordinate was ever seen
	Lon       float64
	FirstSeen time.Time
	LastSeen  time.Time

	Count        int // sightings, valid or not
	InvalidCount int // sightings without a usable coordinate
	NameVariants int

	// Reuse diagnostics: share of valid sightings far from the median
	Reused     bool
	ReuseShare float64
}

// Point returns the representative coordinate
func (o Observation) Point() geo.Point {
	return geo.Point{Lat: o.Lat, Lon: o.Lon}
}

// HasCoordinate reports whether the observation can be geo-matched
func (o Observation) HasCoordinate(env geo.Envelope) bool {
	return env.Contains(o.Point())
}

// coordinates are bucketed at microdegree precision (~11cm)
type coordKey struct {
	lat, lon int64
}

const microdegrees = 1e6

func keyFor(p geo.Point) coordKey {
	return coordKey{
		lat: int64(math.Round(p.Lat * microdegrees)),
		lon: int64(math.Round(p.Lon * microdegrees)),
	}
}

type accumulator struct {
	names   map[string]int
	coords  map[coordKey]int
	count   int
	invalid int
	first   time.Time
	last    time.Time
}

func newAccumulator() *accumulator {
	return &accumulator{
		names:  make(map[string]int),
		coords: make(map[coordKey]int),
	}
}

func (a *accumulator) seen(at time.Time) {
	if at.IsZero() {
		return
	}
	if a.first.IsZero() || at.Before(a.first) {
		a.first = at
	}
	if a.last.IsZero() || at.After(a.last) {
		a.last = at
	}
}

// StoreOptions configures how a Store validates and summarizes sightings
type StoreOptions struct {
	Envelope       geo.Envelope
	ReuseDistanceM float64
	ReuseMinShare  float64
}

// Store accumulates every (id, name, coordinate) sighting from trip history.
// A Store is not safe for concurrent use; build one per worker and Merge.
type Store struct {
	opts StoreOptions
	ids  map[ID]*accumulator
}

// NewStore creates an empty observation store
func NewStore(opts StoreOptions) *Store {
	if opts.Envelope == (geo.Envelope{}) {
		opts.Envelope = geo.WorldEnvelope
	}
	return &Store{
		opts: opts,
		ids:  make(map[ID]*accumulator),
	}
}

// Add records one sighting. Invalid coordinates still count as a sighting so
// the identifier is never lost, they are just excluded from the median.
func (s *Store) Add(id ID, name string, lat, lon float64, seenAt time.Time) {
	if id.IsZero() {
		return
	}
	acc, ok := s.ids[id]
	if !ok {
		acc = newAccumulator()
		s.ids[id] = acc
	}

	acc.count++
	acc.seen(seenAt)
	if name = trimName(name); name != "" {
		acc.names[name]++
	}

	p := geo.Point{Lat: lat, Lon: lon}
	if !s.opts.Envelope.Contains(p) {
		acc.invalid++
		return
	}
	acc.coords[keyFor(p)]++
}

// Merge folds other into s. other must not be used afterwards.
func (s *Store) Merge(other *Store) {
	for id, src := range other.ids {
		dst, ok := s.ids[id]
		if !ok {
			s.ids[id] = src
			continue
		}
		dst.count += src.count
		dst.invalid += src.invalid
		dst.seen(src.first)
		dst.seen(src.last)
		for n, c := range src.names {
			dst.names[n] += c
		}
		for k, c := range src.coords {
			dst.coords[k] += c
		}
	}
}

// Len returns the number of distinct identifiers seen
func (s *Store) Len() int {
	return len(s.ids)
}

// Observations summarizes every identifier, ordered by identifier
func (s *Store) Observations() []Observation {
	out := make([]Observation, 0, len(s.ids))
	for id, acc := range s.ids {
		out = append(out, s.summarize(id, acc))
	}
	sort.Slice(out, func(i, j int) bool {
		return Compare(out[i].ID, out[j].ID) < 0
	})
	return out
}

func (s *Store) summarize(id ID, acc *accumulator) Observation {
	obs := Observation{
		Source:       SourceHistory,
		ID:           id,
		Name:         modeName(acc.names),
		Lat:          math.NaN(),
		Lon:          math.NaN(),
		FirstSeen:    acc.first,
		LastSeen:     acc.last,
		Count:        acc.count,
		InvalidCount: acc.invalid,
		NameVariants: len(acc.names),
	}
	if len(acc.coords) == 0 {
		return obs
	}

	lats := make(map[int64]int, len(acc.coords))
	lons := make(map[int64]int, len(acc.coords))
	valid := 0
	for k, c := range acc.coords {
		lats[k.lat] += c
		lons[k.lon] += c
		valid += c
	}
	obs.Lat = weightedMedian(lats) / microdegrees
	obs.Lon = weightedMedian(lons) / microdegrees

	if s.opts.ReuseDistanceM > 0 {
		far := 0
		for k, c := range acc.coords {
			p := geo.Point{Lat: float64(k.lat) / microdegrees, Lon: float64(k.lon) / microdegrees}
			if geo.Haversine(obs.Lat, obs.Lon, p.Lat, p.Lon) > s.opts.ReuseDistanceM {
				far += c
			}
		}
		obs.ReuseShare = float64(far) / float64(valid)
		obs.Reused = far > 0 && obs.ReuseShare >= s.opts.ReuseMinShare
	}
	return obs
}

// modeName picks the most frequent name, the smallest on ties
func modeName(names map[string]int) string {
	best, bestCount := "", 0
	for n, c := range names {
		if c > bestCount || (c == bestCount && n < best) {
			best, bestCount = n, c
		}
	}
	return best
}

// weightedMedian returns the median of values repeated count times. For an
// even total it averages the two middle values.
func weightedMedian(counts map[int64]int) float64 {
	keys := make([]int64, 0, len(counts))
	total := 0
	for k, c := range counts {
		keys = append(keys, k)
		total += c
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	lo, hi := (total-1)/2, total/2
	var loVal, hiVal int64
	seen := 0
	for _, k := range keys {
		next := seen + counts[k]
		if lo >= seen && lo < next {
			loVal = k
		}
		if hi >= seen && hi < next {
			hiVal = k
			break
		}
		seen = next
	}
	return (float64(loVal) + float64(hiVal)) / 2
}

// trimName collapses whitespace runs (tabs included) so "A\tB" and "A B"
// count as the same name
func trimName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
