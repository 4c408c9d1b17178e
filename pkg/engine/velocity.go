package engine

import (
	"gonum.org/v1/gonum/stat"
)

// VelocityEstimator fits a least-squares line through the last VW smoothed
// samples. Velocity is in displacement units per iteration.
type VelocityEstimator struct {
	xs *ring
	ys *ring

	x []float64
	y []float64
}

// NewVelocityEstimator creates an estimator over the given window size.
func NewVelocityEstimator(size int) *VelocityEstimator {
	return &VelocityEstimator{
		xs: newRing(size),
		ys: newRing(size),
		x:  make([]float64, 0, size),
		y:  make([]float64, 0, size),
	}
}

// Push records the smoothed value of iteration i and returns velocity and
// inverse velocity, each undefined when it cannot be computed.
func (v *VelocityEstimator) Push(i int, smoothed float64) (velocity, inverse float64) {
	v.xs.push(float64(i))
	v.ys.push(smoothed)

	if !v.ys.full || v.ys.hasUndefined() {
		return Undefined(), Undefined()
	}

	v.x = v.xs.slice(v.x)
	v.y = v.ys.slice(v.y)
	_, slope := stat.LinearRegression(v.x, v.y, nil, false)
	if !Defined(slope) {
		return Undefined(), Undefined()
	}
	return slope, InverseVelocity(slope)
}

// InverseVelocity is 1/v for strictly positive v and undefined otherwise.
func InverseVelocity(v float64) float64 {
	if !Defined(v) || v <= 0 {
		return Undefined()
	}
	return 1 / v
}
