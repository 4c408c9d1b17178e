package engine

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func testConfig(t *testing.T, sw, vw, rows int) Config {
	t.Helper()
	cfg := DefaultConfig("test-sensor", rows)
	cfg.SmoothingWindow = sw
	cfg.VelocityWindow = vw
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, append([]Option{WithRunID("run-1")}, opts...)...)
	require.NoError(t, err)
	return e
}

func reading(row int, v float64) Reading {
	return Reading{Row: row, Timestamp: baseTime.Add(time.Duration(row) * time.Hour), Displacement: v}
}

// scenario is 50 constant readings followed by 50 readings rising 0.5 per step.
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

func feed(t *testing.T, e *Engine, values []float64) []StepResult {
	t.Helper()
	results := make([]StepResult, 0, len(values))
	for row, v := range values {
		res, err := e.Step(reading(row, v))
		require.NoError(t, err, "row %d", row)
		results = append(results, res)
	}
	return results
}

func TestEngine_ConstantInput(t *testing.T) {
	t.Parallel()
	values := make([]float64, 20)
	for i := range values {
		values[i] = 7.5
	}
	e := newTestEngine(t, testConfig(t, 3, 5, len(values)))
	feed(t, e, values)

	snap := e.Snapshot()
	require.Equal(t, 20, snap.Iterations)
	for i := 0; i < snap.Iterations; i++ {
		if i < 2 {
			assert.False(t, Defined(snap.Smoothed[i]), "smoothed[%d] should be undefined", i)
		} else {
			assert.Equal(t, 7.5, snap.Smoothed[i], "smoothed[%d]", i)
		}
		if i < 6 {
			assert.False(t, Defined(snap.Velocity[i]), "velocity[%d] should be undefined", i)
		} else {
			assert.InDelta(t, 0.0, snap.Velocity[i], 1e-12, "velocity[%d]", i)
		}
		assert.False(t, Defined(snap.InverseVelocity[i]), "inverse[%d] should be undefined", i)
	}
	assert.False(t, snap.Onset.Detected)
	assert.Equal(t, -1, snap.Onset.Index)
}

func TestEngine_LinearInput(t *testing.T) {
	t.Parallel()
	values := make([]float64, 30)
	for i := range values {
		values[i] = 1.0 + 0.25*float64(i)
	}
	e := newTestEngine(t, testConfig(t, 3, 5, len(values)))
	feed(t, e, values)

	snap := e.Snapshot()
	for i := 6; i < snap.Iterations; i++ {
		assert.InDelta(t, 0.25, snap.Velocity[i], 1e-9, "velocity[%d]", i)
		assert.InDelta(t, 4.0, snap.InverseVelocity[i], 1e-6, "inverse[%d]", i)
	}
	assert.False(t, snap.Onset.Detected, "constant velocity is not acceleration")
}

func TestEngine_WarmupUndefined(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, testConfig(t, 5, 5, 10))
	results := feed(t, e, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	snap := e.Snapshot()
	for i := 0; i < 4; i++ {
		assert.False(t, Defined(snap.Smoothed[i]), "smoothed[%d] should be undefined", i)
		assert.True(t, results[i].Smoothed.LowConfidence, "step %d should be low confidence", i)
		assert.True(t, Defined(results[i].Smoothed.Value), "step %d should carry a warm-up value", i)
	}
	assert.InDelta(t, 3.0, snap.Smoothed[4], 1e-12)
	assert.False(t, results[4].Smoothed.LowConfidence)
}

func TestEngine_EndToEndScenario(t *testing.T) {
	t.Parallel()
	values := scenario()
	e := newTestEngine(t, testConfig(t, 3, 5, len(values)))
	results := feed(t, e, values)

	for i := 0; i < 50; i++ {
		assert.False(t, results[i].Onset.Detected, "onset during constant phase at %d", i)
	}

	onset := e.Onset()
	require.True(t, onset.Detected)
	assert.Equal(t, 53, onset.Index)
	assert.True(t, results[53].OnsetDetected)
	assert.Nil(t, results[53].Prediction, "predictor starts after the onset iteration")

	first := results[54].Prediction
	require.NotNil(t, first)
	require.Equal(t, StatusOK, first.Status)
	assert.Greater(t, first.FailureIndex, float64(onset.Index))
	assert.InDelta(t, 58.6, first.FailureIndex, 1e-6)
	assert.False(t, first.FailureTime.IsZero())
	assert.Equal(t, 53, first.FitStart)

	// Once inverse velocity is flat there is no convergent trend.
	last := results[len(results)-1].Prediction
	require.NotNil(t, last)
	assert.Equal(t, StatusNonConvergent, last.Status)
	assert.False(t, Defined(last.FailureIndex))
}

func TestEngine_StationaryNoiseNoOnset(t *testing.T) {
	t.Parallel()
	for seed := int64(1); seed <= 20; seed++ {
		r := rand.New(rand.NewSource(seed))
		values := make([]float64, 500)
		for i := range values {
			values[i] = 10 + 0.05*r.NormFloat64()
		}
		e := newTestEngine(t, DefaultConfig("noisy", len(values)))
		feed(t, e, values)
		assert.False(t, e.Onset().Detected, "seed %d: onset at %d on stationary noise", seed, e.Onset().Index)
	}
}

func TestEngine_NoisyRampOnset(t *testing.T) {
	t.Parallel()
	for seed := int64(1); seed <= 5; seed++ {
		r := rand.New(rand.NewSource(seed))
		values := scenario()
		for i := range values {
			values[i] += 0.05 * r.NormFloat64()
		}
		e := newTestEngine(t, DefaultConfig("noisy-ramp", len(values)))
		feed(t, e, values)

		onset := e.Onset()
		require.True(t, onset.Detected, "seed %d", seed)
		assert.GreaterOrEqual(t, onset.Index, 50, "seed %d: onset before the ramp", seed)
		assert.LessOrEqual(t, onset.Index, 60, "seed %d: onset detected late", seed)
	}
}

func TestEngine_OnsetNeverReverts(t *testing.T) {
	t.Parallel()
	values := scenario()
	// Decelerate and reverse after the acceleration phase.
	for i := 1; i <= 30; i++ {
		values = append(values, 35.0-0.2*float64(i))
	}
	e := newTestEngine(t, testConfig(t, 3, 5, len(values)))
	results := feed(t, e, values)

	index := -1
	for i, res := range results {
		if index >= 0 {
			require.True(t, res.Onset.Detected, "onset reverted at iteration %d", i)
			require.Equal(t, index, res.Onset.Index, "onset index changed at iteration %d", i)
			require.False(t, res.OnsetDetected)
			continue
		}
		if res.Onset.Detected {
			index = res.Onset.Index
		}
	}
	assert.Equal(t, 53, index)
}

func TestEngine_PredictionsNeverElapsed(t *testing.T) {
	t.Parallel()
	values := scenario()
	// Accelerating tail: displacement grows quadratically.
	last := values[len(values)-1]
	for i := 1; i <= 40; i++ {
		values = append(values, last+0.5*float64(i)+0.05*float64(i*i))
	}
	e := newTestEngine(t, testConfig(t, 3, 5, len(values)))
	results := feed(t, e, values)

	convergent := 0
	for _, res := range results {
		if res.Prediction == nil || !res.Prediction.Convergent() {
			continue
		}
		convergent++
		assert.Greater(t, res.Prediction.FailureIndex, float64(res.Iteration),
			"prediction at iteration %d lies in the past", res.Iteration)
		assert.False(t, math.IsInf(res.Prediction.FailureIndex, 0))
	}
	assert.Greater(t, convergent, 0)
}

func TestEngine_InvalidReadingNoSlot(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, testConfig(t, 3, 5, 10))

	for row := 0; row < 10; row++ {
		v := float64(row)
		if row == 5 {
			v = math.NaN()
		}
		_, err := e.Step(reading(row, v))
		if row == 5 {
			require.ErrorIs(t, err, ErrInvalidReading)
			continue
		}
		require.NoError(t, err)
	}

	snap := e.Snapshot()
	assert.Equal(t, 9, snap.Iterations)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 6, 7, 8, 9}, snap.Rows)
	for i, v := range snap.Raw {
		assert.True(t, Defined(v), "raw[%d] should be defined", i)
	}
	require.Len(t, snap.Skipped, 1)
	assert.Equal(t, 5, snap.Skipped[0].Row)
	assert.Equal(t, -1, snap.Skipped[0].Iteration)
	// Iteration 5 now carries row 6; smoothing runs over rows 3, 4, 6.
	assert.InDelta(t, (3.0+4.0+6.0)/3, snap.Smoothed[5], 1e-12)
}

func TestEngine_InvalidReadingConsumeSlot(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, 3, 5, 10)
	cfg.SkipPolicy = SkipConsumeSlot
	e := newTestEngine(t, cfg)

	for row := 0; row < 10; row++ {
		v := float64(row)
		if row == 5 {
			v = math.NaN()
		}
		res, err := e.Step(reading(row, v))
		if row == 5 {
			require.True(t, errors.Is(err, ErrInvalidReading))
			assert.Equal(t, 5, res.Iteration)
			continue
		}
		require.NoError(t, err)
	}

	snap := e.Snapshot()
	assert.Equal(t, 10, snap.Iterations)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, snap.Rows)
	assert.False(t, Defined(snap.Raw[5]))
	for i := 5; i <= 7; i++ {
		assert.False(t, Defined(snap.Smoothed[i]), "smoothed[%d] spans the gap", i)
	}
	assert.InDelta(t, 7.0, snap.Smoothed[8], 1e-12)
	require.Len(t, snap.Skipped, 1)
	assert.Equal(t, 5, snap.Skipped[0].Iteration)
}

func TestEngine_StoreFull(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, testConfig(t, 1, 2, 3))
	feed(t, e, []float64{1, 2, 3})

	_, err := e.Step(reading(3, 4))
	require.ErrorIs(t, err, ErrStoreFull)
	assert.Equal(t, 3, e.Iterations())
}

type countingObserver struct {
	calls      int
	iterations []int
}

func (o *countingObserver) Observe(snap Snapshot) error {
	o.calls++
	o.iterations = append(o.iterations, snap.Iterations-1)
	return nil
}

func TestEngine_ObserverAfterOnset(t *testing.T) {
	t.Parallel()
	values := scenario()
	obs := &countingObserver{}
	e := newTestEngine(t, testConfig(t, 3, 5, len(values)), WithObserver(obs))
	feed(t, e, values)

	// The onset iteration itself is not observed.
	assert.Equal(t, len(values)-54, obs.calls)
	require.NotEmpty(t, obs.iterations)
	assert.Equal(t, 54, obs.iterations[0])
}

func TestEngine_SnapshotIsCopy(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, testConfig(t, 1, 2, 5))
	feed(t, e, []float64{1, 2, 3})

	snap := e.Snapshot()
	snap.Raw[0] = 99
	snap.Rows[0] = 99

	again := e.Snapshot()
	assert.Equal(t, 1.0, again.Raw[0])
	assert.Equal(t, 0, again.Rows[0])
	assert.Equal(t, "run-1", again.RunID)
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero smoothing window", func(c *Config) { c.SmoothingWindow = 0 }},
		{"velocity window of one", func(c *Config) { c.VelocityWindow = 1 }},
		{"negative rows", func(c *Config) { c.ExpectedRows = -1 }},
		{"unknown smoothing", func(c *Config) { c.SmoothingMethod = "ema" }},
		{"unknown skip policy", func(c *Config) { c.SkipPolicy = "drop" }},
		{"unknown criterion", func(c *Config) { c.Onset.Criterion = "cusum" }},
		{"zero sustain span", func(c *Config) { c.Onset.SustainSpan = 0 }},
		{"fit window of one", func(c *Config) { c.FitWindow = 1 }},
		{"velocity criterion without threshold", func(c *Config) {
			c.Onset.Criterion = CriterionVelocityThreshold
			c.Onset.VelocityThreshold = 0
		}},
		{"negative velocity threshold", func(c *Config) { c.Onset.VelocityThreshold = -0.1 }},
		{"negative noise ratio", func(c *Config) { c.Onset.NoiseRatio = -1 }},
		{"noise window of one", func(c *Config) { c.Onset.NoiseWindow = 1 }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("s", 10)
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}
