// Package validate audits a resolution run by comparing each trip's raw
// endpoint coordinate with the canonical coordinate it was resolved to.
package validate

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/bikeshare-atlas/pipeline/internal/config"
	"github.com/bikeshare-atlas/pipeline/internal/crosswalk"
	"github.com/bikeshare-atlas/pipeline/internal/geo"
	"github.com/bikeshare-atlas/pipeline/internal/logging"
	"github.com/bikeshare-atlas/pipeline/internal/metrics"
	"github.com/bikeshare-atlas/pipeline/internal/resolve"
)

// Classification is the audit verdict for one legacy identifier
type Classification string

const (
	ClassGood       Classification = "good"
	ClassBadRawData Classification = "bad_raw_data"
	ClassSuspicious Classification = "suspicious"
)

// AllClassifications lists verdicts from best to worst
var AllClassifications = []Classification{ClassGood, ClassBadRawData, ClassSuspicious}

// ParseClassification validates a classification name
func ParseClassification(s string) (Classification, error) {
	for _, c := range AllClassifications {
		if string(c) == s {
			return c, nil
		}
	}
	return "", errors.New("unknown classification " + s)
}

// Options configures a Validator
type Options struct {
	DistanceM  float64 // a trip farther than this from canonical is over threshold
	OutlierPct float64 // share of over-threshold trips, in percent, tolerated as good
	Envelope   geo.Envelope
	Logger     *slog.Logger
}

// OptionsFromConfig reads thresholds from cfg
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DistanceM:  cfg.AuditDistanceM,
		OutlierPct: cfg.AuditOutlierPct,
		Envelope:   cfg.Envelope(),
	}
}

// Classify applies the median rule: a high median means the mapping itself
// is wrong, a low median with some far trips means noisy raw coordinates.
func (o Options) Classify(s metrics.Summary) Classification {
	switch {
	case s.Median > o.DistanceM:
		return ClassSuspicious
	case s.PercentOver > o.OutlierPct:
		return ClassBadRawData
	default:
		return ClassGood
	}
}

type accumulator struct {
	rawName       string
	canonicalID   string
	canonicalName string
	canonicalLat  float64
	canonicalLon  float64
	matchType     resolve.MatchType
	tier          crosswalk.MatchTier
	distances     metrics.Distribution
}

// Validator accumulates per-identifier distance distributions. It implements
// resolve.Sink, so it can audit a pass while it runs. It is not safe for
// concurrent use; a Pass already serializes sink calls.
type Validator struct {
	opts      Options
	logger    *slog.Logger
	stations  map[string]*accumulator
	endpoints int
	excluded  int
	unmatched int
}

// NewValidator creates a Validator
func NewValidator(opts Options) *Validator {
	if opts.Envelope == (geo.Envelope{}) {
		opts.Envelope = geo.WorldEnvelope
	}
	if opts.DistanceM <= 0 {
		opts.DistanceM = 200
	}
	return &Validator{
		opts:     opts,
		logger:   logging.OrDefault(opts.Logger).With(slog.String("component", "mapping_validator")),
		stations: make(map[string]*accumulator),
	}
}

// Observe adds both endpoints of a resolved trip
func (v *Validator) Observe(t resolve.ResolvedTrip) {
	v.observe(t.Start)
	v.observe(t.End)
}

func (v *Validator) observe(e resolve.Endpoint) {
	v.endpoints++
	if e.MatchType == resolve.MatchUnmatched {
		v.unmatched++
		return
	}

	d, err := geo.DistanceM(v.opts.Envelope, e.RawPoint(), e.CanonicalPoint())
	if err != nil {
		v.excluded++
		v.logger.Debug("endpoint excluded from audit",
			slog.String("station_id", e.RawID),
			slog.String("error", err.Error()))
		return
	}

	acc, ok := v.stations[e.RawID]
	if !ok {
		acc = &accumulator{
			rawName:       e.RawName,
			canonicalID:   e.CanonicalID,
			canonicalName: e.CanonicalName,
			canonicalLat:  e.CanonicalLat,
			canonicalLon:  e.CanonicalLon,
			matchType:     e.MatchType,
			tier:          e.Tier,
		}
		v.stations[e.RawID] = acc
	}
	acc.distances.Add(d)
}

// BeginFile implements resolve.Sink
func (v *Validator) BeginFile(ctx context.Context, sourceFile string) error {
	return nil
}

// WriteBatch implements resolve.Sink
func (v *Validator) WriteBatch(ctx context.Context, sourceFile string, trips []resolve.ResolvedTrip) error {
	for _, t := range trips {
		v.Observe(t)
	}
	return nil
}

// FinishFile implements resolve.Sink
func (v *Validator) FinishFile(ctx context.Context, stats *resolve.Stats) error {
	return nil
}

// Audits returns one audit per identifier seen with a valid coordinate,
// worst median first. table, when given, supplies legacy names and the
// reused flag.
func (v *Validator) Audits(table *crosswalk.Table) []StationAudit {
	audits := make([]StationAudit, 0, len(v.stations))
	for id, acc := range v.stations {
		s := acc.distances.Summarize(v.opts.DistanceM)
		a := StationAudit{
			LegacyID:       id,
			LegacyName:     acc.rawName,
			CanonicalID:    acc.canonicalID,
			CanonicalName:  acc.canonicalName,
			CanonicalLat:   acc.canonicalLat,
			CanonicalLon:   acc.canonicalLon,
			MatchType:      acc.matchType,
			Tier:           acc.tier,
			TripCount:      s.Count,
			MedianM:        s.Median,
			MeanM:          s.Mean,
			StdDevM:        s.StdDev,
			P95M:           s.P95,
			MaxM:           s.Max,
			TripsOver:      s.CountOver,
			PctOver:        s.PercentOver,
			Classification: v.opts.Classify(s),
		}
		if table != nil {
			if e, ok := lookup(table, id); ok {
				a.LegacyName = e.LegacyName
				a.Reused = e.Reused
			}
		}
		audits = append(audits, a)
	}

	sort.Slice(audits, func(i, j int) bool {
		if audits[i].MedianM != audits[j].MedianM {
			return audits[i].MedianM > audits[j].MedianM
		}
		return audits[i].LegacyID < audits[j].LegacyID
	})
	return audits
}
