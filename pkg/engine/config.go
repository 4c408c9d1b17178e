package engine

import (
	"fmt"
)

// SmoothingMethod selects the trailing-window statistic of the smoothing filter.
type SmoothingMethod string

const (
	SmoothingMean   SmoothingMethod = "mean"
	SmoothingMedian SmoothingMethod = "median"
)

// SkipPolicy decides whether a rejected reading occupies an iteration slot.
type SkipPolicy string

const (
	// SkipNoSlot drops the reading without advancing the iteration.
	SkipNoSlot SkipPolicy = "no-slot"
	// SkipConsumeSlot advances the iteration with an undefined raw value.
	SkipConsumeSlot SkipPolicy = "consume-slot"
)

// Criterion names a sustained onset-of-acceleration test.
type Criterion string

const (
	// CriterionInverseVelocityDecline fires when inverse velocity strictly
	// decreases for SustainSpan consecutive iterations while velocity stays
	// above the noise floor.
	CriterionInverseVelocityDecline Criterion = "inverse-velocity-decline"
	// CriterionVelocityThreshold fires when velocity stays above
	// VelocityThreshold for SustainSpan consecutive iterations.
	CriterionVelocityThreshold Criterion = "velocity-threshold"
)

// OnsetConfig configures the onset detector.
type OnsetConfig struct {
	Criterion         Criterion
	SustainSpan       int
	VelocityThreshold float64

	// MinDecline is the relative drop in inverse velocity that counts as a
	// decline. It keeps rounding noise on a flat trend from firing.
	MinDecline float64

	// NoiseWindow is the number of raw first differences used to estimate
	// the reading noise.
	NoiseWindow int

	// NoiseRatio is the multiple of the reading noise that velocity must
	// exceed for a decline to count. Zero disables the noise floor.
	NoiseRatio float64
}

// Config is the immutable per-stream configuration of an Engine.
type Config struct {
	// SensorID names the stream in logs, metrics and exports.
	SensorID string

	// SmoothingWindow (SW) is the number of raw samples per smoothed value.
	SmoothingWindow int

	// VelocityWindow (VW) is the number of smoothed samples per velocity fit.
	VelocityWindow int

	// ExpectedRows is the state store capacity.
	ExpectedRows int

	SmoothingMethod SmoothingMethod
	Onset           OnsetConfig

	// FitWindow is the number of trailing iterations fitted by the predictor.
	// Zero means VelocityWindow.
	FitWindow int

	// TrendTolerance is how far below zero the inverse-velocity slope must be
	// for a prediction to count as convergent.
	TrendTolerance float64

	SkipPolicy SkipPolicy
}

// DefaultConfig returns a configuration with default values for one stream.
func DefaultConfig(sensorID string, expectedRows int) Config {
	return Config{
		SensorID:        sensorID,
		SmoothingWindow: 3,
		VelocityWindow:  5,
		ExpectedRows:    expectedRows,
		SmoothingMethod: SmoothingMean,
		Onset: OnsetConfig{
			Criterion:   CriterionInverseVelocityDecline,
			SustainSpan: 3,
			MinDecline:  1e-9,
			NoiseWindow: 20,
			NoiseRatio:  2,
		},
		TrendTolerance: 1e-9,
		SkipPolicy:     SkipNoSlot,
	}
}

// Validate validates the configuration values.
func (c Config) Validate() error {
	if c.SmoothingWindow < 1 {
		return fmt.Errorf("smoothingWindow must be >= 1, got %d", c.SmoothingWindow)
	}
	if c.VelocityWindow < 2 {
		return fmt.Errorf("velocityWindow must be >= 2, got %d", c.VelocityWindow)
	}
	if c.ExpectedRows < 0 {
		return fmt.Errorf("expectedRows must be >= 0, got %d", c.ExpectedRows)
	}
	if c.FitWindow != 0 && c.FitWindow < 2 {
		return fmt.Errorf("fitWindow must be 0 or >= 2, got %d", c.FitWindow)
	}
	if c.TrendTolerance < 0 {
		return fmt.Errorf("trendTolerance must be >= 0, got %g", c.TrendTolerance)
	}
	switch c.SmoothingMethod {
	case SmoothingMean, SmoothingMedian:
	default:
		return fmt.Errorf("smoothingMethod must be 'mean' or 'median', got %q", c.SmoothingMethod)
	}
	switch c.SkipPolicy {
	case SkipNoSlot, SkipConsumeSlot:
	default:
		return fmt.Errorf("skipPolicy must be 'no-slot' or 'consume-slot', got %q", c.SkipPolicy)
	}
	switch c.Onset.Criterion {
	case CriterionInverseVelocityDecline, CriterionVelocityThreshold:
	default:
		return fmt.Errorf("onset criterion must be %q or %q, got %q",
			CriterionInverseVelocityDecline, CriterionVelocityThreshold, c.Onset.Criterion)
	}
	if c.Onset.MinDecline < 0 || c.Onset.MinDecline >= 1 {
		return fmt.Errorf("onset minDecline must be in [0, 1), got %g", c.Onset.MinDecline)
	}
	if c.Onset.SustainSpan < 1 {
		return fmt.Errorf("onset sustainSpan must be >= 1, got %d", c.Onset.SustainSpan)
	}
	if c.Onset.VelocityThreshold < 0 {
		return fmt.Errorf("onset velocityThreshold must be >= 0, got %g", c.Onset.VelocityThreshold)
	}
	if c.Onset.Criterion == CriterionVelocityThreshold && c.Onset.VelocityThreshold <= 0 {
		return fmt.Errorf("onset velocityThreshold must be > 0 for the %s criterion, got %g",
			CriterionVelocityThreshold, c.Onset.VelocityThreshold)
	}
	if c.Onset.NoiseRatio < 0 {
		return fmt.Errorf("onset noiseRatio must be >= 0, got %g", c.Onset.NoiseRatio)
	}
	if c.Onset.NoiseRatio > 0 && c.Onset.NoiseWindow < 2 {
		return fmt.Errorf("onset noiseWindow must be >= 2 when noiseRatio is set, got %d", c.Onset.NoiseWindow)
	}
	return nil
}

func (c Config) fitWindow() int {
	if c.FitWindow == 0 {
		return c.VelocityWindow
	}
	return c.FitWindow
}
