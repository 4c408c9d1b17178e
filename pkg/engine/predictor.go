package engine

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// PredictionStatus classifies a failure-time prediction.
type PredictionStatus string

const (
	// StatusNone marks iterations where the predictor did not run.
	StatusNone             PredictionStatus = ""
	StatusOK               PredictionStatus = "ok"
	StatusInsufficientData PredictionStatus = "insufficient-data"
	StatusNonConvergent    PredictionStatus = "non-convergent"
)

// Prediction is the predictor output for one iteration. FailureIndex and
// FailureTime are only meaningful when Status is StatusOK.
type Prediction struct {
	Iteration    int
	Status       PredictionStatus
	FailureIndex float64
	FailureTime  time.Time

	Slope     float64
	Intercept float64
	RSquared  float64

	// FitStart and FitEnd bound the iterations considered by the fit.
	FitStart int
	FitEnd   int
	Points   int

	Residuals []float64
}

// Convergent reports whether the prediction yields a failure index.
func (p Prediction) Convergent() bool {
	return p.Status == StatusOK
}

// Predictor extrapolates the inverse-velocity trend to zero.
type Predictor struct {
	fitWindow int
	tolerance float64
}

// NewPredictor creates a predictor fitting the last fitWindow iterations.
func NewPredictor(fitWindow int, tolerance float64) *Predictor {
	return &Predictor{fitWindow: fitWindow, tolerance: tolerance}
}

// Predict fits iterations [max(anchor, i-fitWindow+1), i] of inverse and
// solves for the zero crossing. inverse and timestamps are indexed by
// iteration and must cover i.
func (p *Predictor) Predict(i, anchor int, inverse []float64, timestamps []time.Time) Prediction {
	start := i - p.fitWindow + 1
	if start < anchor {
		start = anchor
	}
	if start < 0 {
		start = 0
	}

	pred := Prediction{
		Iteration:    i,
		FailureIndex: Undefined(),
		Slope:        Undefined(),
		Intercept:    Undefined(),
		RSquared:     Undefined(),
		FitStart:     start,
		FitEnd:       i,
	}

	xs := make([]float64, 0, i-start+1)
	ys := make([]float64, 0, i-start+1)
	for j := start; j <= i; j++ {
		if Defined(inverse[j]) {
			xs = append(xs, float64(j))
			ys = append(ys, inverse[j])
		}
	}
	pred.Points = len(xs)

	if len(xs) < 2 {
		pred.Status = StatusInsufficientData
		return pred
	}

	intercept, slope := stat.LinearRegression(xs, ys, nil, false)
	pred.Slope = slope
	pred.Intercept = intercept
	pred.Residuals = make([]float64, len(xs))
	for k := range xs {
		pred.Residuals[k] = ys[k] - (intercept + slope*xs[k])
	}
	if r2 := stat.RSquared(xs, ys, nil, intercept, slope); !math.IsInf(r2, 0) {
		pred.RSquared = r2
	}

	if !Defined(slope) || slope >= -p.tolerance {
		pred.Status = StatusNonConvergent
		return pred
	}

	crossing := -intercept / slope
	if math.IsNaN(crossing) || math.IsInf(crossing, 0) || crossing <= float64(i) {
		pred.Status = StatusNonConvergent
		return pred
	}

	pred.Status = StatusOK
	pred.FailureIndex = crossing
	pred.FailureTime = extrapolateTime(xs, timestamps, i, crossing)
	return pred
}

// extrapolateTime maps a fractional iteration to wall time using the mean
// sampling interval over the fitted points.
func extrapolateTime(xs []float64, timestamps []time.Time, i int, crossing float64) time.Time {
	first, last := int(xs[0]), int(xs[len(xs)-1])
	if last >= len(timestamps) || i >= len(timestamps) || last <= first {
		return time.Time{}
	}
	t0, t1, now := timestamps[first], timestamps[last], timestamps[i]
	if t0.IsZero() || t1.IsZero() || now.IsZero() {
		return time.Time{}
	}
	step := float64(t1.Sub(t0)) / float64(last-first)
	return now.Add(time.Duration(step * (crossing - float64(i))))
}
