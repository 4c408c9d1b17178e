// Package render writes the plot series of a stream after onset: displacement
// trend, inverse velocity with the fitted trend line, the OOA criterion
// streak, life expectancy history and residual box statistics. Files are
// rewritten on every iteration so a viewer always sees the latest state.
package render

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"slopewatch/pkg/engine"
)

const (
	missing = "NA"

	// maxProjection bounds how far past the last iteration the fitted line
	// is extended.
	maxProjection = 1000
)

// BoxStats is the five-number summary of the latest fit residuals.
type BoxStats struct {
	Iteration int     `json:"iteration"`
	Count     int     `json:"count"`
	Min       float64 `json:"min"`
	Q1        float64 `json:"q1"`
	Median    float64 `json:"median"`
	Q3        float64 `json:"q3"`
	Max       float64 `json:"max"`
	Mean      float64 `json:"mean"`
}

// Renderer writes plot series under Dir/sensor_<id>/. It implements
// engine.Observer.
type Renderer struct {
	Dir string
}

// NewRenderer creates a renderer rooted at dir.
func NewRenderer(dir string) *Renderer {
	return &Renderer{Dir: dir}
}

// SensorDir is the output directory of one sensor.
func (r *Renderer) SensorDir(sensorID string) string {
	return filepath.Join(r.Dir, "sensor_"+sensorID)
}

// Observe implements engine.Observer.
func (r *Renderer) Observe(snap engine.Snapshot) error {
	dir := r.SensorDir(snap.SensorID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create plot dir: %w", err)
	}

	writers := []struct {
		name  string
		build func(engine.Snapshot) ([]byte, error)
	}{
		{"displacement.csv", displacementSeries},
		{"inverse_velocity.csv", inverseVelocitySeries},
		{"ooa_criteria.csv", criteriaSeries},
		{"life_expectancy.csv", lifeExpectancySeries},
		{"residuals.json", residualStats},
	}
	for _, w := range writers {
		data, err := w.build(snap)
		if err != nil {
			return fmt.Errorf("%s: %w", w.name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, w.name), data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", w.name, err)
		}
	}
	return nil
}

func displacementSeries(snap engine.Snapshot) ([]byte, error) {
	rows := [][]string{{"iteration", "timestamp", "raw_displacement", "smoothed_displacement"}}
	for i := 0; i < snap.Iterations; i++ {
		rows = append(rows, []string{
			strconv.Itoa(i),
			formatTime(snap.Timestamps[i]),
			formatFloat(snap.Raw[i]),
			formatFloat(snap.Smoothed[i]),
		})
	}
	return encodeCSV(rows)
}

// inverseVelocitySeries pairs each inverse velocity with the latest fitted
// line, evaluated over the fit window and out to the predicted failure.
func inverseVelocitySeries(snap engine.Snapshot) ([]byte, error) {
	p, ok := snap.LatestPrediction()
	fitted := func(i int) string {
		if !ok || !engine.Defined(p.Slope) || i < p.FitStart {
			return missing
		}
		return formatFloat(p.Intercept + p.Slope*float64(i))
	}

	rows := [][]string{{"iteration", "inverse_velocity", "fitted"}}
	for i := 0; i < snap.Iterations; i++ {
		rows = append(rows, []string{strconv.Itoa(i), formatFloat(snap.InverseVelocity[i]), fitted(i)})
	}
	if ok && p.Convergent() {
		end := int(math.Min(math.Ceil(p.FailureIndex), float64(snap.Iterations+maxProjection)))
		for i := snap.Iterations; i <= end; i++ {
			rows = append(rows, []string{strconv.Itoa(i), missing, fitted(i)})
		}
	}
	return encodeCSV(rows)
}

func criteriaSeries(snap engine.Snapshot) ([]byte, error) {
	rows := [][]string{{"iteration", "streak", "sustain_span", "velocity"}}
	span := strconv.Itoa(snap.Config.Onset.SustainSpan)
	for i := 0; i < snap.Iterations; i++ {
		rows = append(rows, []string{
			strconv.Itoa(i),
			strconv.Itoa(snap.Streak[i]),
			span,
			formatFloat(snap.Velocity[i]),
		})
	}
	return encodeCSV(rows)
}

// lifeExpectancySeries lists the remaining iterations to failure predicted at
// each iteration after onset.
func lifeExpectancySeries(snap engine.Snapshot) ([]byte, error) {
	rows := [][]string{{"iteration", "status", "predicted_failure_index", "remaining_iterations"}}
	for _, p := range snap.PredictionHistory() {
		remaining := missing
		if p.Convergent() {
			remaining = formatFloat(p.FailureIndex - float64(p.Iteration))
		}
		rows = append(rows, []string{
			strconv.Itoa(p.Iteration),
			string(p.Status),
			formatFloat(p.FailureIndex),
			remaining,
		})
	}
	return encodeCSV(rows)
}

func residualStats(snap engine.Snapshot) ([]byte, error) {
	p, ok := snap.LatestPrediction()
	var stats *BoxStats
	if ok && len(p.Residuals) > 0 {
		b := Box(p.Residuals)
		b.Iteration = p.Iteration
		stats = &b
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Box computes the five-number summary of xs. xs is not modified.
func Box(xs []float64) BoxStats {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	return BoxStats{
		Count:  len(sorted),
		Min:    floats.Min(sorted),
		Q1:     stat.Quantile(0.25, stat.Empirical, sorted, nil),
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		Q3:     stat.Quantile(0.75, stat.Empirical, sorted, nil),
		Max:    floats.Max(sorted),
		Mean:   stat.Mean(sorted, nil),
	}
}

func encodeCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	if !engine.Defined(v) || math.IsInf(v, 0) {
		return missing
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return missing
	}
	return t.Format(time.RFC3339)
}
