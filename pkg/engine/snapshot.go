package engine

import "time"

// SkippedReading records a reading the engine rejected. Iteration is -1 when
// the reading did not consume an iteration slot.
type SkippedReading struct {
	Row       int
	Timestamp time.Time
	Reason    string
	Iteration int
}

// Snapshot is a read-only copy of an engine's state. Array fields are indexed
// by iteration; undefined values are NaN.
type Snapshot struct {
	SensorID string
	RunID    string
	Config   Config

	Iterations      int
	Rows            []int
	Timestamps      []time.Time
	Raw             []float64
	Smoothed        []float64
	Velocity        []float64
	InverseVelocity []float64
	Streak          []int
	Predictions     []Prediction

	Onset   OnsetState
	Skipped []SkippedReading
}

// LatestPrediction returns the prediction of the last iteration, if the
// predictor ran on it.
func (s Snapshot) LatestPrediction() (Prediction, bool) {
	if s.Iterations == 0 {
		return Prediction{}, false
	}
	p := s.Predictions[s.Iterations-1]
	return p, p.Status != StatusNone
}

// PredictionHistory returns the predictions of every iteration the predictor
// ran on, in iteration order.
func (s Snapshot) PredictionHistory() []Prediction {
	var out []Prediction
	for _, p := range s.Predictions {
		if p.Status != StatusNone {
			out = append(out, p)
		}
	}
	return out
}
