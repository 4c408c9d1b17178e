package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"slopewatch/pkg/engine"
)

var (
	// Per-sensor signal metrics
	metricSmoothedDisplacement = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slopewatch",
			Name:      "smoothed_displacement",
			Help:      "Latest smoothed displacement",
		},
		[]string{"sensor"},
	)

	metricVelocity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slopewatch",
			Name:      "velocity",
			Help:      "Latest displacement velocity per iteration",
		},
		[]string{"sensor"},
	)

	metricInverseVelocity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slopewatch",
			Name:      "inverse_velocity",
			Help:      "Latest inverse velocity",
		},
		[]string{"sensor"},
	)

	// Onset and forecast metrics
	metricOnsetDetected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slopewatch",
			Name:      "onset_detected",
			Help:      "1 once onset of acceleration has been detected, 0 otherwise",
		},
		[]string{"sensor"},
	)

	metricOnsetIteration = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slopewatch",
			Name:      "onset_iteration",
			Help:      "Iteration at which onset of acceleration was detected",
		},
		[]string{"sensor"},
	)

	metricPredictedFailureIndex = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slopewatch",
			Name:      "predicted_failure_iteration",
			Help:      "Predicted failure iteration from the inverse-velocity trend",
		},
		[]string{"sensor"},
	)

	metricPredictedFailureTime = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slopewatch",
			Name:      "predicted_failure_timestamp_seconds",
			Help:      "Predicted failure time as a Unix timestamp",
		},
		[]string{"sensor"},
	)

	// Stream bookkeeping
	metricIterations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "slopewatch",
			Name:      "iterations",
			Help:      "Iterations processed in the last run",
		},
		[]string{"sensor"},
	)

	metricSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slopewatch",
			Name:      "readings_skipped_total",
			Help:      "Readings rejected as invalid",
		},
		[]string{"sensor"},
	)

	metricRunFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slopewatch",
			Name:      "run_failures_total",
			Help:      "Sensor runs that ended with an error",
		},
		[]string{"sensor"},
	)

	// Batch metrics
	metricBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "slopewatch",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one batch over all sensors",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	metricLastBatch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "slopewatch",
			Name:      "last_batch_timestamp_seconds",
			Help:      "Completion time of the last batch",
		},
	)

	// Merge utility
	metricMergedFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slopewatch",
			Name:      "merged_files_total",
			Help:      "Vendor CSV files merged per group",
		},
		[]string{"group"},
	)

	metricMergePasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slopewatch",
			Name:      "merge_passes_total",
			Help:      "Merge passes per group and mode (initial or append)",
		},
		[]string{"group", "mode"},
	)
)

// RecordSnapshot records the terminal state of a sensor run.
func RecordSnapshot(snap engine.Snapshot) {
	sensor := snap.SensorID
	metricIterations.WithLabelValues(sensor).Set(float64(snap.Iterations))

	if snap.Iterations > 0 {
		last := snap.Iterations - 1
		setOrDelete(metricSmoothedDisplacement, sensor, snap.Smoothed[last])
		setOrDelete(metricVelocity, sensor, snap.Velocity[last])
		setOrDelete(metricInverseVelocity, sensor, snap.InverseVelocity[last])
	}

	if snap.Onset.Detected {
		metricOnsetDetected.WithLabelValues(sensor).Set(1)
		metricOnsetIteration.WithLabelValues(sensor).Set(float64(snap.Onset.Index))
	} else {
		metricOnsetDetected.WithLabelValues(sensor).Set(0)
		metricOnsetIteration.DeleteLabelValues(sensor)
	}

	if p, ok := snap.LatestPrediction(); ok && p.Convergent() {
		metricPredictedFailureIndex.WithLabelValues(sensor).Set(p.FailureIndex)
		if !p.FailureTime.IsZero() {
			metricPredictedFailureTime.WithLabelValues(sensor).Set(float64(p.FailureTime.Unix()))
		} else {
			metricPredictedFailureTime.DeleteLabelValues(sensor)
		}
	} else {
		metricPredictedFailureIndex.DeleteLabelValues(sensor)
		metricPredictedFailureTime.DeleteLabelValues(sensor)
	}
}

// RecordSkipped counts rejected readings.
func RecordSkipped(sensor string, n int) {
	if n > 0 {
		metricSkipped.WithLabelValues(sensor).Add(float64(n))
	}
}

// RecordRunFailure counts a failed sensor run.
func RecordRunFailure(sensor string) {
	metricRunFailures.WithLabelValues(sensor).Inc()
}

// RecordBatch records the duration and completion time of a batch.
func RecordBatch(seconds float64, completedUnix int64) {
	metricBatchDuration.Observe(seconds)
	metricLastBatch.Set(float64(completedUnix))
}

// RecordMergedFiles counts files merged into a group output.
func RecordMergedFiles(group string, n int) {
	if n > 0 {
		metricMergedFiles.WithLabelValues(group).Add(float64(n))
	}
}

// RecordMergePass counts one initial or append pass over a group.
func RecordMergePass(group, mode string) {
	metricMergePasses.WithLabelValues(group, mode).Inc()
}

// ClearSensorMetrics removes metrics for a sensor that is no longer configured.
func ClearSensorMetrics(sensor string) {
	metricSmoothedDisplacement.DeleteLabelValues(sensor)
	metricVelocity.DeleteLabelValues(sensor)
	metricInverseVelocity.DeleteLabelValues(sensor)
	metricOnsetDetected.DeleteLabelValues(sensor)
	metricOnsetIteration.DeleteLabelValues(sensor)
	metricPredictedFailureIndex.DeleteLabelValues(sensor)
	metricPredictedFailureTime.DeleteLabelValues(sensor)
	metricIterations.DeleteLabelValues(sensor)
}

// setOrDelete exposes undefined values as absent series rather than zero.
func setOrDelete(g *prometheus.GaugeVec, sensor string, v float64) {
	if !engine.Defined(v) {
		g.DeleteLabelValues(sensor)
		return
	}
	g.WithLabelValues(sensor).Set(v)
}
