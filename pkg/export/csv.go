// Package export serializes engine snapshots. Every writer is deterministic:
// exporting the same snapshot twice produces identical bytes.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"slopewatch/pkg/engine"
)

// Missing is written for undefined values.
const Missing = "NA"

// Exporter persists the terminal state of one stream.
type Exporter interface {
	Export(ctx context.Context, snap engine.Snapshot) error
}

var csvHeader = []string{
	"iteration",
	"row",
	"timestamp",
	"raw_displacement",
	"smoothed_displacement",
	"velocity",
	"inverse_velocity",
	"ooa_streak",
	"onset",
	"prediction_status",
	"predicted_failure_index",
	"predicted_failure_time",
	"trend_slope",
	"trend_intercept",
	"trend_r_squared",
}

// WriteCSV writes one row per iteration.
func WriteCSV(w io.Writer, snap engine.Snapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	record := make([]string, len(csvHeader))
	for i := 0; i < snap.Iterations; i++ {
		p := snap.Predictions[i]
		onset := "0"
		if snap.Onset.Detected && i >= snap.Onset.Index {
			onset = "1"
		}

		record[0] = strconv.Itoa(i)
		record[1] = strconv.Itoa(snap.Rows[i])
		record[2] = formatTime(snap.Timestamps[i])
		record[3] = formatFloat(snap.Raw[i])
		record[4] = formatFloat(snap.Smoothed[i])
		record[5] = formatFloat(snap.Velocity[i])
		record[6] = formatFloat(snap.InverseVelocity[i])
		record[7] = strconv.Itoa(snap.Streak[i])
		record[8] = onset
		if p.Status == engine.StatusNone {
			for k := 9; k < len(record); k++ {
				record[k] = Missing
			}
		} else {
			record[9] = string(p.Status)
			record[10] = formatFloat(p.FailureIndex)
			record[11] = formatTime(p.FailureTime)
			record[12] = formatFloat(p.Slope)
			record[13] = formatFloat(p.Intercept)
			record[14] = formatFloat(p.RSquared)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write iteration %d: %w", i, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// Summary is the JSON digest of a snapshot.
type Summary struct {
	SensorID      string             `json:"sensorId"`
	RunID         string             `json:"runId"`
	Iterations    int                `json:"iterations"`
	Skipped       int                `json:"skipped"`
	OnsetDetected bool               `json:"onsetDetected"`
	OnsetIndex    *int               `json:"onsetIndex,omitempty"`
	OnsetTime     *time.Time         `json:"onsetTime,omitempty"`
	Prediction    *PredictionSummary `json:"prediction,omitempty"`
}

// PredictionSummary describes the latest prediction. Undefined numbers are
// omitted.
type PredictionSummary struct {
	Iteration    int        `json:"iteration"`
	Status       string     `json:"status"`
	FailureIndex *float64   `json:"failureIndex,omitempty"`
	FailureTime  *time.Time `json:"failureTime,omitempty"`
	Slope        *float64   `json:"slope,omitempty"`
	RSquared     *float64   `json:"rSquared,omitempty"`
	Points       int        `json:"points"`
}

// Summarize builds the digest of snap.
func Summarize(snap engine.Snapshot) Summary {
	s := Summary{
		SensorID:      snap.SensorID,
		RunID:         snap.RunID,
		Iterations:    snap.Iterations,
		Skipped:       len(snap.Skipped),
		OnsetDetected: snap.Onset.Detected,
	}
	if snap.Onset.Detected {
		idx := snap.Onset.Index
		s.OnsetIndex = &idx
		if ts := snap.Timestamps[idx]; !ts.IsZero() {
			s.OnsetTime = &ts
		}
	}
	if p, ok := snap.LatestPrediction(); ok {
		ps := &PredictionSummary{
			Iteration:    p.Iteration,
			Status:       string(p.Status),
			FailureIndex: optional(p.FailureIndex),
			Slope:        optional(p.Slope),
			RSquared:     optional(p.RSquared),
			Points:       p.Points,
		}
		if p.Convergent() && !p.FailureTime.IsZero() {
			ft := p.FailureTime
			ps.FailureTime = &ft
		}
		s.Prediction = ps
	}
	return s
}

// WriteSummary writes the indented JSON digest of snap.
func WriteSummary(w io.Writer, snap engine.Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Summarize(snap)); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return nil
}

// FileExporter writes state_<sensor>.csv and state_<sensor>.json to Dir.
type FileExporter struct {
	Dir string
}

// NewFileExporter creates an exporter writing into dir.
func NewFileExporter(dir string) *FileExporter {
	return &FileExporter{Dir: dir}
}

// Paths returns the CSV and summary paths for a sensor.
func (e *FileExporter) Paths(sensorID string) (csvPath, summaryPath string) {
	base := filepath.Join(e.Dir, "state_"+sensorID)
	return base + ".csv", base + ".json"
}

// Export implements Exporter. Files are replaced atomically.
func (e *FileExporter) Export(ctx context.Context, snap engine.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	csvPath, summaryPath := e.Paths(snap.SensorID)
	if err := writeFileAtomic(csvPath, func(w io.Writer) error { return WriteCSV(w, snap) }); err != nil {
		return err
	}
	if err := writeFileAtomic(summaryPath, func(w io.Writer) error { return WriteSummary(w, snap) }); err != nil {
		return err
	}

	klog.InfoS("Exported sensor state", "sensor", snap.SensorID, "path", csvPath, "iterations", snap.Iterations)
	return nil
}

func writeFileAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func formatFloat(v float64) string {
	if !engine.Defined(v) || math.IsInf(v, 0) {
		return Missing
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return Missing
	}
	return t.Format(time.RFC3339)
}

func optional(v float64) *float64 {
	if !engine.Defined(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
