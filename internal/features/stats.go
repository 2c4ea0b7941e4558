package features

import (
	"math"
	"sort"
)

// Welford is a streaming mean/variance accumulator.
// StdDev uses Bessel's correction and is 0 until two samples are seen.
type Welford struct {
	n    int64
	mean float64
	m2   float64
}

// Add records a sample. Non-finite samples are ignored.
func (w *Welford) Add(x float64) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return
	}
	w.n++
	d := x - w.mean
	w.mean += d / float64(w.n)
	w.m2 += d * (x - w.mean)
}

// Count returns the number of samples.
func (w *Welford) Count() int64 { return w.n }

// Mean returns the running mean, 0 when empty.
func (w *Welford) Mean() float64 {
	if w.n == 0 {
		return 0
	}
	return w.mean
}

// StdDev returns the sample standard deviation.
func (w *Welford) StdDev() float64 {
	if w.n < 2 {
		return 0
	}
	v := w.m2 / float64(w.n-1)
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

// median returns the median of xs, 0 when empty. xs is sorted in place.
func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sort.Float64s(xs)
	mid := len(xs) / 2
	if len(xs)%2 == 1 {
		return xs[mid]
	}
	return (xs[mid-1] + xs[mid]) / 2
}
