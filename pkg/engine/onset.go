package engine

// OnsetState is the onset-of-acceleration state. Index is -1 until detected
// and is written exactly once.
type OnsetState struct {
	Detected bool
	Index    int
}

// OnsetDetector is a one-way UNDETECTED -> DETECTED state machine.
type OnsetDetector struct {
	cfg         OnsetConfig
	state       OnsetState
	streak      int
	prevInverse float64
}

// NewOnsetDetector creates an undetected detector.
func NewOnsetDetector(cfg OnsetConfig) *OnsetDetector {
	return &OnsetDetector{
		cfg:         cfg,
		state:       OnsetState{Index: -1},
		prevInverse: Undefined(),
	}
}

// Observe evaluates iteration i and reports whether onset was detected on
// this call. noise is the current reading noise estimate, undefined during
// warm-up. Once detected the detector ignores further observations.
func (d *OnsetDetector) Observe(i int, velocity, inverse, noise float64) bool {
	if d.state.Detected {
		return false
	}

	switch d.cfg.Criterion {
	case CriterionVelocityThreshold:
		if Defined(velocity) && velocity > d.cfg.VelocityThreshold {
			d.streak++
		} else {
			d.streak = 0
		}
	default:
		if d.declining(velocity, inverse, noise) {
			d.streak++
		} else {
			d.streak = 0
		}
		d.prevInverse = inverse
	}

	if d.streak >= d.cfg.SustainSpan {
		d.state = OnsetState{Detected: true, Index: i}
		return true
	}
	return false
}

// declining reports a strict inverse-velocity drop backed by a velocity above
// both the configured threshold and the noise floor.
func (d *OnsetDetector) declining(velocity, inverse, noise float64) bool {
	if !Defined(inverse) || !Defined(d.prevInverse) || inverse >= d.prevInverse*(1-d.cfg.MinDecline) {
		return false
	}
	if !Defined(velocity) || velocity <= d.cfg.VelocityThreshold {
		return false
	}
	if d.cfg.NoiseRatio > 0 {
		return Defined(noise) && velocity > d.cfg.NoiseRatio*noise
	}
	return true
}

// State returns the current onset state.
func (d *OnsetDetector) State() OnsetState {
	return d.state
}

// Streak is the number of consecutive iterations satisfying the criterion.
// It is frozen once onset is detected.
func (d *OnsetDetector) Streak() int {
	return d.streak
}
