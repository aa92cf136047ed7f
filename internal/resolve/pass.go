package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bikeshare-atlas/pipeline/internal/geo"
	"github.com/bikeshare-atlas/pipeline/internal/logging"
	"github.com/bikeshare-atlas/pipeline/internal/station"
)

const defaultBatchSize = 5000

// Sink receives the retained trips of each file. Calls for one file are
// ordered BeginFile, WriteBatch..., FinishFile. A Pass serializes all calls,
// so implementations need no locking of their own. The batch slice is reused
// after WriteBatch returns.
type Sink interface {
	BeginFile(ctx context.Context, sourceFile string) error
	WriteBatch(ctx context.Context, sourceFile string, trips []ResolvedTrip) error
	FinishFile(ctx context.Context, stats *Stats) error
}

// Stats counts what happened to every row of one file. RowsIn always equals
// RowsOut plus the sum of Filtered.
type Stats struct {
	SourceFile   string               `json:"source_file"`
	RowsIn       int                  `json:"rows_in"`
	RowsOut      int                  `json:"rows_out"`
	Filtered     map[FilterReason]int `json:"filtered"`
	StartMatch   map[MatchType]int    `json:"start_match"`
	EndMatch     map[MatchType]int    `json:"end_match"`
	Unresolvable int                  `json:"unresolvable"`
	Periods      map[string]int       `json:"periods"`
	Duration     time.Duration        `json:"duration"`
}

// NewStats returns zeroed counters for sourceFile
func NewStats(sourceFile string) *Stats {
	s := &Stats{
		SourceFile: sourceFile,
		Filtered:   make(map[FilterReason]int, len(AllReasons)),
		StartMatch: make(map[MatchType]int, len(AllMatchTypes)),
		EndMatch:   make(map[MatchType]int, len(AllMatchTypes)),
		Periods:    make(map[string]int),
	}
	for _, r := range AllReasons {
		s.Filtered[r] = 0
	}
	for _, m := range AllMatchTypes {
		s.StartMatch[m] = 0
		s.EndMatch[m] = 0
	}
	return s
}

// FilteredTotal sums all filter counters
func (s *Stats) FilteredTotal() int {
	total := 0
	for _, c := range s.Filtered {
		total += c
	}
	return total
}

// Merge adds other's counters into s
func (s *Stats) Merge(other *Stats) {
	s.RowsIn += other.RowsIn
	s.RowsOut += other.RowsOut
	s.Unresolvable += other.Unresolvable
	s.Duration += other.Duration
	for k, v := range other.Filtered {
		s.Filtered[k] += v
	}
	for k, v := range other.StartMatch {
		s.StartMatch[k] += v
	}
	for k, v := range other.EndMatch {
		s.EndMatch[k] += v
	}
	for k, v := range other.Periods {
		s.Periods[k] += v
	}
}

// Options configures a Pass
type Options struct {
	Filters   Filters
	Strict    bool // abort on an unresolvable identifier instead of tagging it unmatched
	BatchSize int
	Logger    *slog.Logger
}

// Pass resolves trip files against a fixed crosswalk
type Pass struct {
	resolver  *Resolver
	filters   Filters
	strict    bool
	batchSize int
	logger    *slog.Logger
}

// NewPass creates a Pass
func NewPass(resolver *Resolver, opts Options) *Pass {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Pass{
		resolver:  resolver,
		filters:   opts.Filters,
		strict:    opts.Strict,
		batchSize: opts.BatchSize,
		logger:    logging.OrDefault(opts.Logger).With(slog.String("component", "trip_resolution")),
	}
}

// Apply runs the admissibility filters and resolves both endpoints of one
// trip, updating stats. It reports whether the trip is retained. The only
// error is an unresolvable identifier in strict mode.
func (p *Pass) Apply(sourceFile string, t Trip, stats *Stats) (ResolvedTrip, bool, error) {
	stats.RowsIn++

	drop := func(reason FilterReason) (ResolvedTrip, bool, error) {
		stats.Filtered[reason]++
		return ResolvedTrip{}, false, nil
	}

	if t.Malformed {
		return drop(ReasonMalformedRow)
	}

	startID, okStart := station.ParseID(t.StartID)
	endID, okEnd := station.ParseID(t.EndID)
	if !okStart || !okEnd {
		return drop(ReasonMissingStation)
	}
	if !t.TimestampValid {
		return drop(ReasonInvalidTimestamp)
	}
	if reason, ok := p.filters.duration(t.Duration); !ok {
		return drop(reason)
	}

	start, err := p.endpoint(sourceFile, t, startID, t.StartName, t.StartLat, t.StartLon, stats)
	if err != nil {
		return ResolvedTrip{}, false, err
	}
	end, err := p.endpoint(sourceFile, t, endID, t.EndName, t.EndLat, t.EndLon, stats)
	if err != nil {
		return ResolvedTrip{}, false, err
	}

	for _, name := range []string{t.StartName, t.EndName, start.CanonicalName, end.CanonicalName} {
		if p.filters.Denied(name) {
			return drop(ReasonTestStation)
		}
	}

	period := PeriodOf(t.StartedAt)
	stats.RowsOut++
	stats.StartMatch[start.MatchType]++
	stats.EndMatch[end.MatchType]++
	stats.Periods[period]++

	return ResolvedTrip{
		SourceFile:   sourceFile,
		Row:          t.Row,
		RideID:       t.RideID,
		Period:       period,
		StartedAt:    t.StartedAt,
		DurationSec:  int(t.Duration / time.Second),
		RideableType: t.RideableType,
		MemberCasual: t.MemberCasual,
		Start:        start,
		End:          end,
	}, true, nil
}

func (p *Pass) endpoint(sourceFile string, t Trip, id station.ID, name string, lat, lon float64, stats *Stats) (Endpoint, error) {
	raw := geo.Point{Lat: lat, Lon: lon}
	res, err := p.resolver.Resolve(id, name, raw)
	if err != nil {
		stats.Unresolvable++
		logging.LogError(p.logger, "unresolvable station identifier", err,
			slog.String("source_file", sourceFile),
			slog.Int("row", t.Row),
			slog.String("station_id", id.String()))
		if p.strict {
			return Endpoint{}, fmt.Errorf("%s row %d: %w", sourceFile, t.Row, err)
		}
	}
	return Endpoint{
		RawID:         id.String(),
		RawName:       name,
		RawLat:        lat,
		RawLon:        lon,
		CanonicalID:   res.CanonicalID.String(),
		CanonicalName: res.CanonicalName,
		CanonicalLat:  res.CanonicalLat,
		CanonicalLon:  res.CanonicalLon,
		MatchType:     res.MatchType,
		Tier:          res.Tier,
	}, nil
}

// ProcessFile resolves one trip file into sink
func (p *Pass) ProcessFile(ctx context.Context, path string, sink Sink) (*Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trip file: %w", err)
	}
	defer logging.SafeCloseWithLogging(f, p.logger, "close_trip_file")

	return p.ProcessReader(ctx, filepath.Base(path), f, sink)
}

// ProcessReader resolves trips read from r under the name sourceFile
func (p *Pass) ProcessReader(ctx context.Context, sourceFile string, r io.Reader, sink Sink) (*Stats, error) {
	start := time.Now()
	stats := NewStats(sourceFile)

	if err := sink.BeginFile(ctx, sourceFile); err != nil {
		return nil, fmt.Errorf("failed to begin %s: %w", sourceFile, err)
	}

	batch := make([]ResolvedTrip, 0, p.batchSize)
	var firstErr error
	flush := func() {
		if len(batch) == 0 || firstErr != nil {
			return
		}
		if err := sink.WriteBatch(ctx, sourceFile, batch); err != nil {
			firstErr = fmt.Errorf("failed to write trips from %s: %w", sourceFile, err)
		}
		batch = batch[:0]
	}

	readErr := ReadTrips(r, sourceFile, func(t Trip) {
		if firstErr != nil {
			return
		}
		if err := ctx.Err(); err != nil {
			firstErr = err
			return
		}
		rt, keep, err := p.Apply(sourceFile, t, stats)
		if err != nil {
			firstErr = err
			return
		}
		if keep {
			batch = append(batch, rt)
			if len(batch) >= p.batchSize {
				flush()
			}
		}
	})
	flush()

	if firstErr == nil {
		firstErr = readErr
	}
	if firstErr != nil {
		return stats, firstErr
	}

	stats.Duration = time.Since(start)
	if err := sink.FinishFile(ctx, stats); err != nil {
		return stats, fmt.Errorf("failed to finish %s: %w", sourceFile, err)
	}

	logging.LogOperation(p.logger, "trip_file_resolved",
		slog.String("source_file", sourceFile),
		slog.Int("rows_in", stats.RowsIn),
		slog.Int("rows_out", stats.RowsOut),
		slog.Int("filtered", stats.FilteredTotal()),
		slog.Int("unresolvable", stats.Unresolvable),
		slog.Duration("duration", stats.Duration))
	return stats, nil
}

// ProcessFiles resolves files on up to workers goroutines. Each file is
// independent; sink calls are serialized so there is a single writer. The
// first error stops new files from starting and is returned with the stats
// of every file that completed.
func (p *Pass) ProcessFiles(ctx context.Context, paths []string, workers int, sink Sink) ([]*Stats, error) {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serial := &serialSink{sink: sink}
	results := make([]*Stats, len(paths))
	errs := make([]error, len(paths))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				stats, err := p.ProcessFile(ctx, paths[i], serial)
				if err != nil {
					errs[i] = err
					cancel()
					continue
				}
				results[i] = stats
			}
		}()
	}

feed:
	for i := range paths {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	done := make([]*Stats, 0, len(paths))
	for _, s := range results {
		if s != nil {
			done = append(done, s)
		}
	}
	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return done, err
		}
	}
	for _, err := range errs {
		if err != nil {
			return done, err
		}
	}
	if err := ctx.Err(); err != nil && len(done) < len(paths) {
		return done, err
	}
	return done, nil
}

// serialSink funnels concurrent files through one writer
type serialSink struct {
	mu   sync.Mutex
	sink Sink
}

func (s *serialSink) BeginFile(ctx context.Context, sourceFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.BeginFile(ctx, sourceFile)
}

func (s *serialSink) WriteBatch(ctx context.Context, sourceFile string, trips []ResolvedTrip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.WriteBatch(ctx, sourceFile, trips)
}

func (s *serialSink) FinishFile(ctx context.Context, stats *Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.FinishFile(ctx, stats)
}
