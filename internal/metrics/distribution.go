package metrics

import (
	"math"
	"sort"
)

// Distribution collects samples of one quantity. Order statistics need the
// samples themselves; mean and spread come from a Welford state.
type Distribution struct {
	values  []float64
	running WelfordState
	sorted  bool
}

// Add records one sample. NaN samples are ignored.
func (d *Distribution) Add(v float64) {
	if math.IsNaN(v) {
		return
	}
	d.values = append(d.values, v)
	d.running.Update(v)
	d.sorted = false
}

// Merge appends every sample of other
func (d *Distribution) Merge(other *Distribution) {
	if other == nil || len(other.values) == 0 {
		return
	}
	d.values = append(d.values, other.values...)
	d.running.Merge(other.running)
	d.sorted = false
}

// Len returns the number of samples
func (d *Distribution) Len() int {
	return len(d.values)
}

func (d *Distribution) sort() {
	if !d.sorted {
		sort.Float64s(d.values)
		d.sorted = true
	}
}

// Quantile returns the q-th quantile (0 <= q <= 1) using linear
// interpolation between closest ranks, NaN when empty.
func (d *Distribution) Quantile(q float64) float64 {
	d.sort()
	return quantileSorted(d.values, q)
}

// Median is Quantile(0.5): the mean of the two middle samples for an even
// count.
func (d *Distribution) Median() float64 {
	return d.Quantile(0.5)
}

// CountOver returns how many samples are strictly greater than threshold
func (d *Distribution) CountOver(threshold float64) int {
	d.sort()
	i := sort.Search(len(d.values), func(i int) bool { return d.values[i] > threshold })
	return len(d.values) - i
}

// Summary is a fixed set of statistics for a Distribution
type Summary struct {
	Count       int     `json:"count"`
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"stddev"`
	Median      float64 `json:"median"`
	P95         float64 `json:"p95"`
	Max         float64 `json:"max"`
	CountOver   int     `json:"count_over"`
	PercentOver float64 `json:"pct_over"`
}

// Summarize computes the summary, counting samples over threshold
func (d *Distribution) Summarize(threshold float64) Summary {
	if len(d.values) == 0 {
		return Summary{}
	}
	d.sort()
	over := d.CountOver(threshold)
	return Summary{
		Count:       len(d.values),
		Mean:        d.running.GetMean(),
		StdDev:      d.running.GetStdDev(),
		Median:      quantileSorted(d.values, 0.5),
		P95:         quantileSorted(d.values, 0.95),
		Max:         d.values[len(d.values)-1],
		CountOver:   over,
		PercentOver: float64(over) * 100 / float64(len(d.values)),
	}
}

// Quantile computes the q-th quantile of unsorted values without modifying
// them.
func Quantile(values []float64, q float64) float64 {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	sort.Float64s(sorted)
	return quantileSorted(sorted, q)
}

// Median computes the median of unsorted values
func Median(values []float64) float64 {
	return Quantile(values, 0.5)
}

func quantileSorted(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	q = math.Max(0, math.Min(1, q))
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
