package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slopewatch/pkg/config"
	"slopewatch/pkg/engine"
	"slopewatch/pkg/export"
	"slopewatch/pkg/ingest"
)

var start = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type recordingExporter struct {
	mu    sync.Mutex
	snaps []engine.Snapshot
	err   error
}

func (r *recordingExporter) Export(_ context.Context, snap engine.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return r.err
}

// failingSource yields its readings, then fails.
type failingSource struct {
	inner *ingest.SliceSource
	after int
	n     int
}

func (f *failingSource) Next() (engine.Result, error) {
	if f.n >= f.after {
		return engine.Result{}, errors.New("device unplugged")
	}
	f.n++
	return f.inner.Next()
}

func scenario() []float64 {
	values := make([]float64, 0, 100)
	for i := 0; i < 50; i++ {
		values = append(values, 10.0)
	}
	for i := 1; i <= 50; i++ {
		values = append(values, 10.0+0.5*float64(i))
	}
	return values
}

func newEngine(t *testing.T, rows int) *engine.Engine {
	t.Helper()
	eng, err := engine.New(engine.DefaultConfig("CM01", rows), engine.WithRunID("run-1"))
	require.NoError(t, err)
	return eng
}

func TestRun_CompleteStream(t *testing.T) {
	exp := &recordingExporter{}
	r := New(config.DefaultConfig(), []export.Exporter{exp}, nil)

	values := scenario()
	summary, err := r.Run(context.Background(), newEngine(t, len(values)), ingest.NewSliceSource(start, values))
	require.NoError(t, err)

	assert.True(t, summary.Complete)
	assert.Equal(t, 100, summary.Iterations)
	assert.True(t, summary.Onset.Detected)
	assert.Equal(t, 53, summary.Onset.Index)
	require.NotNil(t, summary.Prediction)
	assert.Equal(t, "run-1", summary.RunID)

	require.Len(t, exp.snaps, 1)
	assert.Equal(t, 100, exp.snaps[0].Iterations)
}

func TestRun_SkipsInvalidReadings(t *testing.T) {
	exp := &recordingExporter{}
	r := New(config.DefaultConfig(), []export.Exporter{exp}, nil)

	values := []float64{1, 2, 3, 4, 5, engine.Undefined(), 7, 8}
	summary, err := r.Run(context.Background(), newEngine(t, len(values)), ingest.NewSliceSource(start, values))
	require.NoError(t, err)

	assert.True(t, summary.Complete)
	assert.Equal(t, 7, summary.Iterations)
	assert.Equal(t, 1, summary.Skipped)
	require.Len(t, exp.snaps, 1)
	require.Len(t, exp.snaps[0].Skipped, 1)
	assert.Equal(t, 5, exp.snaps[0].Skipped[0].Row)
}

func TestRun_SourceFailureExportsPartialState(t *testing.T) {
	exp := &recordingExporter{}
	r := New(config.DefaultConfig(), []export.Exporter{exp}, nil)

	values := scenario()
	src := &failingSource{inner: ingest.NewSliceSource(start, values), after: 20}
	summary, err := r.Run(context.Background(), newEngine(t, len(values)), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device unplugged")

	assert.False(t, summary.Complete)
	assert.Equal(t, 20, summary.Iterations)
	require.Len(t, exp.snaps, 1)
	assert.Equal(t, 20, exp.snaps[0].Iterations)
	assert.False(t, exp.snaps[0].Onset.Detected)
}

func TestRun_CancelledContextAbandonsStream(t *testing.T) {
	exp := &recordingExporter{}
	r := New(config.DefaultConfig(), []export.Exporter{exp}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	values := scenario()
	_, err := r.Run(ctx, newEngine(t, len(values)), ingest.NewSliceSource(start, values))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, exp.snaps)
}

func TestRun_StoreFullStopsAndExports(t *testing.T) {
	exp := &recordingExporter{}
	r := New(config.DefaultConfig(), []export.Exporter{exp}, nil)

	values := scenario()
	summary, err := r.Run(context.Background(), newEngine(t, 10), ingest.NewSliceSource(start, values))
	assert.ErrorIs(t, err, engine.ErrStoreFull)
	assert.False(t, summary.Complete)
	assert.Equal(t, 10, summary.Iterations)
	require.Len(t, exp.snaps, 1)
}

func TestRun_ExporterErrorsAreJoined(t *testing.T) {
	ok := &recordingExporter{}
	bad := &recordingExporter{err: errors.New("disk full")}
	r := New(config.DefaultConfig(), []export.Exporter{bad, ok}, nil)

	values := []float64{1, 2, 3}
	_, err := r.Run(context.Background(), newEngine(t, len(values)), ingest.NewSliceSource(start, values))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, ok.snaps, 1, "remaining exporters still run")
}

func writeSensorFile(t *testing.T, dir, name string, values []float64) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("Date Time (UTC+08:00),CM01 (mm)\n")
	for i, v := range values {
		ts := start.Add(time.Duration(i) * time.Hour).Format("2006-01-02 15:04:05")
		fmt.Fprintf(&b, "%s,%g\n", ts, v)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestProcessSensor_WritesStateFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeSensorFile(t, dir, "CM01.csv", scenario())

	cfg := config.DefaultConfig()
	cfg.CSVOutputPath = filepath.Join(dir, "out")
	cfg.PlotsEnabled = true
	cfg.PlotOutputPath = filepath.Join(dir, "plots")

	r, err := NewFromConfig(cfg, nil)
	require.NoError(t, err)

	summary, err := r.ProcessSensor(context.Background(), config.SensorConfig{File: path})
	require.NoError(t, err)
	assert.Equal(t, "CM01", summary.SensorID)
	assert.Equal(t, 53, summary.Onset.Index)

	assert.FileExists(t, filepath.Join(dir, "out", "state_CM01.csv"))
	assert.FileExists(t, filepath.Join(dir, "out", "state_CM01.json"))
	assert.DirExists(t, filepath.Join(dir, "plots", "sensor_CM01"))
}

func TestProcessSensor_MissingFile(t *testing.T) {
	r := New(config.DefaultConfig(), nil, nil)
	_, err := r.ProcessSensor(context.Background(), config.SensorConfig{File: filepath.Join(t.TempDir(), "nope.csv")})
	assert.Error(t, err)
}

func TestNewFromConfig_ConfigMapExportNeedsRestConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ConfigMapExport = true
	_, err := NewFromConfig(cfg, nil)
	assert.Error(t, err)
}
