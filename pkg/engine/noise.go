package engine

import "math"

// madToSigma scales a median absolute deviation to a normal standard deviation.
const madToSigma = 1.4826

// NoiseEstimator tracks the scatter of raw readings as a robust standard
// deviation of first differences over a trailing window. Differences are
// insensitive to a steady trend, so creep at a constant rate reads as
// noise-free.
type NoiseEstimator struct {
	diffs   *ring
	prev    float64
	scratch []float64
}

// NewNoiseEstimator creates an estimator over size differences.
func NewNoiseEstimator(size int) *NoiseEstimator {
	return &NoiseEstimator{
		diffs:   newRing(size),
		prev:    Undefined(),
		scratch: make([]float64, 0, size),
	}
}

// Push records a raw sample and returns the noise estimate, undefined until
// the window holds size differences. An undefined sample breaks the chain of
// differences.
func (n *NoiseEstimator) Push(raw float64) float64 {
	if Defined(raw) && Defined(n.prev) {
		n.diffs.push(raw - n.prev)
	}
	n.prev = raw
	if !n.diffs.full {
		return Undefined()
	}

	n.scratch = n.diffs.slice(n.scratch)
	m := median(n.scratch)
	for k, d := range n.scratch {
		n.scratch[k] = math.Abs(d - m)
	}
	return madToSigma * median(n.scratch) / math.Sqrt2
}
