package metrics

import "math"

// WelfordState holds running statistics using Welford's online algorithm.
// Mean and standard deviation are updated in O(1) per observation without
// storing the observations.
type WelfordState struct {
	Count int     // n - number of observations
	Mean  float64 // running mean
	M2    float64 // sum of squared differences from mean
}

// Update adds one observation.
// Reference: https://en.wikipedia.org/wiki/Algorithms_for_calculating_variance#Welford's_online_algorithm
func (w *WelfordState) Update(v float64) {
	w.Count++
	delta := v - w.Mean
	w.Mean += delta / float64(w.Count)
	w.M2 += delta * (v - w.Mean)
}

// Merge folds other into w using the parallel form of the update, so
// per-worker states can be combined in any order.
func (w *WelfordState) Merge(other WelfordState) {
	if other.Count == 0 {
		return
	}
	if w.Count == 0 {
		*w = other
		return
	}
	n := w.Count + other.Count
	delta := other.Mean - w.Mean
	w.M2 += other.M2 + delta*delta*float64(w.Count)*float64(other.Count)/float64(n)
	w.Mean += delta * float64(other.Count) / float64(n)
	w.Count = n
}

// GetMean returns the current mean
func (w *WelfordState) GetMean() float64 {
	return w.Mean
}

// GetStdDev returns the population standard deviation, 0 under two
// observations.
func (w *WelfordState) GetStdDev() float64 {
	if w.Count < 2 {
		return 0
	}
	return math.Sqrt(w.M2 / float64(w.Count))
}

// GetCount returns the number of observations
func (w *WelfordState) GetCount() int {
	return w.Count
}
