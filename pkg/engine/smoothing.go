package engine

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Smoothed is the output of one smoothing step. LowConfidence is set while
// fewer than SmoothingWindow samples have been seen.
type Smoothed struct {
	Value         float64
	LowConfidence bool
}

// Full reports whether the value was computed over a complete window.
func (s Smoothed) Full() bool {
	return Defined(s.Value) && !s.LowConfidence
}

// Smoother computes a trailing mean or median over the last SW raw samples.
type Smoother struct {
	method  SmoothingMethod
	window  *ring
	scratch []float64
}

// NewSmoother creates a smoother over the given window size.
func NewSmoother(method SmoothingMethod, size int) *Smoother {
	return &Smoother{
		method:  method,
		window:  newRing(size),
		scratch: make([]float64, 0, size),
	}
}

// Push adds a raw sample and returns the smoothed value ending at it.
// An undefined sample anywhere in the window makes the result undefined.
func (s *Smoother) Push(raw float64) Smoothed {
	s.window.push(raw)
	if s.window.hasUndefined() {
		return Smoothed{Value: Undefined()}
	}

	s.scratch = s.window.slice(s.scratch)
	low := !s.window.full

	if s.method == SmoothingMedian {
		return Smoothed{Value: median(s.scratch), LowConfidence: low}
	}
	return Smoothed{Value: stat.Mean(s.scratch, nil), LowConfidence: low}
}

// median sorts xs in place.
func median(xs []float64) float64 {
	sort.Float64s(xs)
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}
