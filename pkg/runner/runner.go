// Package runner drives one engine over one sensor stream and hands the final
// state to the configured exporters.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"slopewatch/pkg/config"
	"slopewatch/pkg/engine"
	"slopewatch/pkg/export"
	"slopewatch/pkg/ingest"
	"slopewatch/pkg/metrics"
	"slopewatch/pkg/render"
)

// Source yields readings in arrival order. A non-nil error means the source
// became unreadable; the stream ends early.
type Source interface {
	Next() (engine.Result, error)
}

// Summary describes the outcome of one stream.
type Summary struct {
	SensorID   string
	RunID      string
	Iterations int
	Skipped    int
	Onset      engine.OnsetState
	Prediction *engine.Prediction
	// Complete is false when the stream ended on a source or store error.
	Complete bool
	Duration time.Duration
}

// Runner processes sensor streams with a shared set of sinks.
type Runner struct {
	cfg       *config.Config
	exporters []export.Exporter
	observer  engine.Observer
}

// New creates a runner. observer may be nil.
func New(cfg *config.Config, exporters []export.Exporter, observer engine.Observer) *Runner {
	return &Runner{cfg: cfg, exporters: exporters, observer: observer}
}

// NewFromConfig wires the exporters and renderer enabled in cfg. restConfig is
// only needed when ConfigMap export is enabled.
func NewFromConfig(cfg *config.Config, restConfig *rest.Config) (*Runner, error) {
	var exporters []export.Exporter
	if cfg.CSVDumpEnabled {
		exporters = append(exporters, export.NewFileExporter(cfg.CSVOutputPath))
	}
	if cfg.ConfigMapExport {
		if restConfig == nil {
			return nil, fmt.Errorf("configMapExport requires a Kubernetes client configuration")
		}
		cm, err := export.NewConfigMapExporter(restConfig, cfg.ExportNamespace)
		if err != nil {
			return nil, fmt.Errorf("create ConfigMap exporter: %w", err)
		}
		exporters = append(exporters, cm)
	}

	var observer engine.Observer
	if cfg.PlotsEnabled {
		observer = render.NewRenderer(cfg.PlotOutputPath)
	}
	return New(cfg, exporters, observer), nil
}

// ProcessSensor runs the engine over one configured sensor file.
func (r *Runner) ProcessSensor(ctx context.Context, sensor config.SensorConfig) (Summary, error) {
	id := sensor.SensorID()

	rows, err := ingest.CountRows(sensor.File)
	if err != nil {
		metrics.RecordRunFailure(id)
		return Summary{SensorID: id}, fmt.Errorf("sensor %s: %w", id, err)
	}

	src, err := ingest.OpenCSV(sensor.File, r.cfg.CSVOptions(sensor))
	if err != nil {
		metrics.RecordRunFailure(id)
		return Summary{SensorID: id}, fmt.Errorf("sensor %s: %w", id, err)
	}
	defer src.Close()

	var opts []engine.Option
	if r.observer != nil {
		opts = append(opts, engine.WithObserver(r.observer))
	}
	eng, err := engine.New(r.cfg.EngineConfig(sensor, rows), opts...)
	if err != nil {
		metrics.RecordRunFailure(id)
		return Summary{SensorID: id}, err
	}

	klog.InfoS("Processing sensor", "sensor", id, "file", sensor.File, "rows", rows, "runID", eng.RunID())
	return r.Run(ctx, eng, src)
}

// Run pulls from src until the end of the stream, then exports. A cancelled
// context abandons the stream without exporting.
func (r *Runner) Run(ctx context.Context, eng *engine.Engine, src Source) (Summary, error) {
	start := time.Now()
	id := eng.Config().SensorID

	var streamErr error
	complete := false

loop:
	for {
		if err := ctx.Err(); err != nil {
			klog.V(2).InfoS("Abandoning stream", "sensor", id, "iteration", eng.Iterations())
			return Summary{SensorID: id, RunID: eng.RunID()}, err
		}

		res, err := src.Next()
		if err != nil {
			streamErr = fmt.Errorf("read sensor %s: %w", id, err)
			klog.ErrorS(err, "Source failed, exporting partial state", "sensor", id, "iteration", eng.Iterations())
			break
		}

		switch res.Kind {
		case engine.KindEndOfStream:
			complete = true
			break loop
		case engine.KindInvalid:
			_, err = eng.Reject(res.Reading.Row, res.Reading.Timestamp, res.Reason)
		default:
			_, err = eng.Step(res.Reading)
		}

		if err != nil && !errors.Is(err, engine.ErrInvalidReading) {
			streamErr = err
			klog.ErrorS(err, "Stopping stream", "sensor", id, "iteration", eng.Iterations())
			break
		}
	}

	snap := eng.Snapshot()
	exportErr := r.export(ctx, snap)

	metrics.RecordSnapshot(snap)
	metrics.RecordSkipped(id, len(snap.Skipped))

	summary := Summary{
		SensorID:   id,
		RunID:      snap.RunID,
		Iterations: snap.Iterations,
		Skipped:    len(snap.Skipped),
		Onset:      snap.Onset,
		Complete:   complete,
		Duration:   time.Since(start),
	}
	if p, ok := snap.LatestPrediction(); ok {
		summary.Prediction = &p
	}

	if err := errors.Join(streamErr, exportErr); err != nil {
		metrics.RecordRunFailure(id)
		return summary, err
	}

	klog.InfoS("Sensor processed",
		"sensor", id,
		"iterations", summary.Iterations,
		"skipped", summary.Skipped,
		"onsetDetected", summary.Onset.Detected,
		"onsetIteration", summary.Onset.Index,
		"duration", summary.Duration)
	return summary, nil
}

func (r *Runner) export(ctx context.Context, snap engine.Snapshot) error {
	var errs []error
	for _, e := range r.exporters {
		if err := e.Export(ctx, snap); err != nil {
			errs = append(errs, fmt.Errorf("export sensor %s: %w", snap.SensorID, err))
		}
	}
	return errors.Join(errs...)
}
