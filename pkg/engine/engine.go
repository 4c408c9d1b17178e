package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// ErrInvalidReading is returned by Step for readings that are missing or not
// finite. The engine stays usable after it.
var ErrInvalidReading = errors.New("invalid reading")

// Observer receives a snapshot after every iteration that follows onset.
type Observer interface {
	Observe(snap Snapshot) error
}

// StepResult summarizes one iteration.
type StepResult struct {
	Iteration       int
	Smoothed        Smoothed
	Velocity        float64
	InverseVelocity float64

	// OnsetDetected is true only on the iteration where onset was detected.
	OnsetDetected bool
	Onset         OnsetState

	// Prediction is nil on iterations where the predictor did not run.
	Prediction *Prediction
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(e *Engine) {
		e.runID = id
	}
}

// WithObserver registers an observer called on each iteration after onset.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// Engine processes the readings of one sensor stream. It is not safe for
// concurrent use; run one engine per stream.
type Engine struct {
	cfg   Config
	runID string

	store     *Store
	smoother  *Smoother
	velocity  *VelocityEstimator
	noise     *NoiseEstimator
	detector  *OnsetDetector
	predictor *Predictor

	skipped  []SkippedReading
	observer Observer
}

// New creates an engine for one stream.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config for sensor %q: %w", cfg.SensorID, err)
	}

	e := &Engine{
		cfg:       cfg,
		runID:     uuid.NewString(),
		store:     NewStore(cfg.ExpectedRows),
		smoother:  NewSmoother(cfg.SmoothingMethod, cfg.SmoothingWindow),
		velocity:  NewVelocityEstimator(cfg.VelocityWindow),
		detector:  NewOnsetDetector(cfg.Onset),
		predictor: NewPredictor(cfg.fitWindow(), cfg.TrendTolerance),
	}
	if cfg.Onset.NoiseRatio > 0 {
		e.noise = NewNoiseEstimator(cfg.Onset.NoiseWindow)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Step advances the pipeline by one accepted reading. Invalid readings are
// rejected with ErrInvalidReading and handled according to the skip policy.
func (e *Engine) Step(r Reading) (StepResult, error) {
	if !r.Valid() {
		return e.Reject(r.Row, r.Timestamp, r.invalidReason())
	}
	return e.advance(r.Row, r.Timestamp, r.Displacement)
}

// Reject records a reading that could not be used. Under SkipConsumeSlot the
// iteration still advances with an undefined raw value.
func (e *Engine) Reject(row int, ts time.Time, reason string) (StepResult, error) {
	klog.Warningf("Rejected reading for sensor %s at row %d: %s", e.cfg.SensorID, row, reason)

	skip := SkippedReading{Row: row, Timestamp: ts, Reason: reason, Iteration: -1}
	var res StepResult
	if e.cfg.SkipPolicy == SkipConsumeSlot {
		var err error
		res, err = e.advance(row, ts, Undefined())
		if err != nil {
			return res, err
		}
		skip.Iteration = res.Iteration
	}
	e.skipped = append(e.skipped, skip)
	return res, fmt.Errorf("%w: row %d: %s", ErrInvalidReading, row, reason)
}

func (e *Engine) advance(row int, ts time.Time, raw float64) (StepResult, error) {
	if e.store.Full() {
		return StepResult{}, fmt.Errorf("sensor %s row %d: %w", e.cfg.SensorID, row, ErrStoreFull)
	}
	i := e.store.Len()

	sm := e.smoother.Push(raw)
	smoothed := Undefined()
	if sm.Full() {
		smoothed = sm.Value
	}
	velocity, inverse := e.velocity.Push(i, smoothed)
	noise := Undefined()
	if e.noise != nil {
		noise = e.noise.Push(raw)
	}

	// The predictor starts on the iteration after detection.
	predicting := e.detector.State().Detected
	detected := false
	if !predicting {
		detected = e.detector.Observe(i, velocity, inverse, noise)
	}

	if _, err := e.store.Append(Entry{
		Row:             row,
		Timestamp:       ts,
		Raw:             raw,
		Smoothed:        smoothed,
		Velocity:        velocity,
		InverseVelocity: inverse,
		Streak:          e.detector.Streak(),
	}); err != nil {
		return StepResult{}, err
	}

	res := StepResult{
		Iteration:       i,
		Smoothed:        sm,
		Velocity:        velocity,
		InverseVelocity: inverse,
		OnsetDetected:   detected,
		Onset:           e.detector.State(),
	}

	if detected {
		klog.InfoS("Onset of acceleration detected",
			"sensor", e.cfg.SensorID,
			"iteration", i,
			"row", row,
			"criterion", e.cfg.Onset.Criterion)
	}

	if predicting {
		p := e.predictor.Predict(i, res.Onset.Index, e.store.inverseView(), e.store.timestampView())
		if err := e.store.SetPrediction(p); err != nil {
			return res, err
		}
		res.Prediction = &p
		klog.V(3).InfoS("Failure-time prediction",
			"sensor", e.cfg.SensorID,
			"iteration", i,
			"status", p.Status,
			"failureIndex", p.FailureIndex,
			"slope", p.Slope)
	}

	klog.V(5).InfoS("Engine step",
		"sensor", e.cfg.SensorID,
		"iteration", i,
		"raw", raw,
		"smoothed", smoothed,
		"velocity", velocity,
		"inverseVelocity", inverse)

	if e.observer != nil && predicting {
		if err := e.observer.Observe(e.Snapshot()); err != nil {
			klog.ErrorS(err, "Observer failed", "sensor", e.cfg.SensorID, "iteration", i)
		}
	}
	return res, nil
}

// Snapshot returns a deep copy of the engine state.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		SensorID: e.cfg.SensorID,
		RunID:    e.runID,
		Config:   e.cfg,
		Onset:    e.detector.State(),
		Skipped:  append([]SkippedReading(nil), e.skipped...),
	}
	e.store.copyInto(&snap)
	return snap
}

// Onset returns the current onset state.
func (e *Engine) Onset() OnsetState {
	return e.detector.State()
}

// Iterations is the number of iterations processed.
func (e *Engine) Iterations() int {
	return e.store.Len()
}

// Skipped is the number of rejected readings.
func (e *Engine) Skipped() int {
	return len(e.skipped)
}

// RunID identifies this engine instance in exports.
func (e *Engine) RunID() string {
	return e.runID
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}
