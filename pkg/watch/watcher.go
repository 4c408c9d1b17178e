// Package watch runs the sensor batch on a fixed interval and reports its
// health over HTTP.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"slopewatch/pkg/config"
	"slopewatch/pkg/metrics"
	"slopewatch/pkg/runner"
)

// Processor processes one sensor. *runner.Runner implements it.
type Processor interface {
	ProcessSensor(ctx context.Context, sensor config.SensorConfig) (runner.Summary, error)
}

// BatchResult is the outcome of one pass over all sensors.
type BatchResult struct {
	Started   time.Time
	Duration  time.Duration
	Summaries []runner.Summary
	Failed    []string
}

// Watcher processes every configured sensor once per PollInterval.
type Watcher struct {
	cfg       *config.Config
	processor Processor
	health    *HealthServer

	mu   sync.RWMutex
	last *BatchResult
	// known tracks sensor ids with exported metrics.
	known map[string]bool
}

// NewWatcher creates a watcher. health may be nil.
func NewWatcher(cfg *config.Config, processor Processor, health *HealthServer) *Watcher {
	w := &Watcher{
		cfg:       cfg,
		processor: processor,
		health:    health,
		known:     make(map[string]bool),
	}
	if health != nil {
		health.setWatcher(w)
	}
	return w
}

// Run processes a batch immediately and then every PollInterval until ctx is
// cancelled. Batch errors are logged and do not stop the loop.
func (w *Watcher) Run(ctx context.Context) error {
	klog.InfoS("Starting watcher",
		"sensors", len(w.cfg.Sensors),
		"pollInterval", w.cfg.PollInterval.Duration,
		"parallelism", w.cfg.Parallelism)

	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if _, err := w.RunOnce(ctx); err != nil {
			klog.ErrorS(err, "Batch finished with errors")
		}
	}, w.cfg.PollInterval.Duration)

	klog.InfoS("Watcher stopped")
	return ctx.Err()
}

// RunOnce processes every sensor with at most Parallelism streams in flight.
// Errors of individual sensors are joined; other sensors still run.
func (w *Watcher) RunOnce(ctx context.Context) (BatchResult, error) {
	res := BatchResult{Started: time.Now()}
	sensors := w.cfg.Sensors

	parallelism := w.cfg.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	sem := make(chan struct{}, parallelism)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for _, sensor := range sensors {
		select {
		case <-ctx.Done():
			// Sensors not yet started are skipped.
		case sem <- struct{}{}:
			wg.Add(1)
			go func(sensor config.SensorConfig) {
				defer wg.Done()
				defer func() { <-sem }()

				summary, err := w.processor.ProcessSensor(ctx, sensor)

				mu.Lock()
				defer mu.Unlock()
				if summary.SensorID != "" {
					res.Summaries = append(res.Summaries, summary)
				}
				if err != nil {
					res.Failed = append(res.Failed, sensor.SensorID())
					errs = append(errs, fmt.Errorf("sensor %s: %w", sensor.SensorID(), err))
				}
			}(sensor)
		}
	}
	wg.Wait()

	sort.Slice(res.Summaries, func(i, j int) bool { return res.Summaries[i].SensorID < res.Summaries[j].SensorID })
	sort.Strings(res.Failed)
	res.Duration = time.Since(res.Started)

	if err := ctx.Err(); err != nil {
		klog.InfoS("Batch cancelled", "completed", len(res.Summaries), "sensors", len(sensors))
		return res, err
	}

	w.record(res)

	klog.InfoS("Batch complete",
		"sensors", len(sensors),
		"failed", len(res.Failed),
		"duration", res.Duration.Round(time.Millisecond))
	return res, errors.Join(errs...)
}

// record publishes a finished batch and clears metrics of removed sensors.
func (w *Watcher) record(res BatchResult) {
	metrics.RecordBatch(res.Duration.Seconds(), res.Started.Add(res.Duration).Unix())

	current := make(map[string]bool, len(w.cfg.Sensors))
	for _, s := range w.cfg.Sensors {
		current[s.SensorID()] = true
	}

	w.mu.Lock()
	for id := range w.known {
		if !current[id] {
			metrics.ClearSensorMetrics(id)
			delete(w.known, id)
		}
	}
	for id := range current {
		w.known[id] = true
	}
	w.last = &res
	w.mu.Unlock()

	if w.health != nil {
		w.health.RecordBatch(len(res.Failed) == 0)
	}
}

// LastBatch returns the most recent completed batch.
func (w *Watcher) LastBatch() (BatchResult, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.last == nil {
		return BatchResult{}, false
	}
	return *w.last, true
}
