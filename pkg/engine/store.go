package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrStoreFull is returned when a stream produces more iterations than the
// store was sized for.
var ErrStoreFull = errors.New("state store capacity exhausted")

// Entry is the per-iteration record appended to the store.
type Entry struct {
	Row             int
	Timestamp       time.Time
	Raw             float64
	Smoothed        float64
	Velocity        float64
	InverseVelocity float64
	Streak          int
}

// Store holds the per-iteration state of one stream in preallocated parallel
// arrays. A single cursor advances once per iteration; earlier entries are
// never rewritten.
type Store struct {
	cursor int

	rows        []int
	timestamps  []time.Time
	raw         []float64
	smoothed    []float64
	velocity    []float64
	inverse     []float64
	streak      []int
	predictions []Prediction
}

// NewStore preallocates a store for capacity iterations.
func NewStore(capacity int) *Store {
	return &Store{
		rows:        make([]int, capacity),
		timestamps:  make([]time.Time, capacity),
		raw:         make([]float64, capacity),
		smoothed:    make([]float64, capacity),
		velocity:    make([]float64, capacity),
		inverse:     make([]float64, capacity),
		streak:      make([]int, capacity),
		predictions: make([]Prediction, capacity),
	}
}

// Len is the number of iterations written.
func (s *Store) Len() int {
	return s.cursor
}

// Cap is the fixed capacity.
func (s *Store) Cap() int {
	return len(s.rows)
}

// Full reports whether another Append would fail.
func (s *Store) Full() bool {
	return s.cursor >= len(s.rows)
}

// Append writes e at the cursor and returns its iteration index.
func (s *Store) Append(e Entry) (int, error) {
	if s.Full() {
		return -1, fmt.Errorf("%w: capacity %d", ErrStoreFull, s.Cap())
	}
	i := s.cursor
	s.rows[i] = e.Row
	s.timestamps[i] = e.Timestamp
	s.raw[i] = e.Raw
	s.smoothed[i] = e.Smoothed
	s.velocity[i] = e.Velocity
	s.inverse[i] = e.InverseVelocity
	s.streak[i] = e.Streak
	s.cursor++
	return i, nil
}

// SetPrediction records the prediction of the most recent iteration. It can
// only be written once per iteration.
func (s *Store) SetPrediction(p Prediction) error {
	i := s.cursor - 1
	if i < 0 || p.Iteration != i {
		return fmt.Errorf("prediction for iteration %d does not match current iteration %d", p.Iteration, i)
	}
	if s.predictions[i].Status != StatusNone {
		return fmt.Errorf("prediction for iteration %d already recorded", i)
	}
	s.predictions[i] = p
	return nil
}

// Latest returns the most recent entry.
func (s *Store) Latest() (Entry, bool) {
	if s.cursor == 0 {
		return Entry{}, false
	}
	i := s.cursor - 1
	return Entry{
		Row:             s.rows[i],
		Timestamp:       s.timestamps[i],
		Raw:             s.raw[i],
		Smoothed:        s.smoothed[i],
		Velocity:        s.velocity[i],
		InverseVelocity: s.inverse[i],
		Streak:          s.streak[i],
	}, true
}

// inverseView and timestampView expose the written prefix without copying.
func (s *Store) inverseView() []float64 {
	return s.inverse[:s.cursor]
}

func (s *Store) timestampView() []time.Time {
	return s.timestamps[:s.cursor]
}

// copyInto fills the array fields of snap with copies of the written prefix.
func (s *Store) copyInto(snap *Snapshot) {
	n := s.cursor
	snap.Iterations = n
	snap.Rows = append([]int(nil), s.rows[:n]...)
	snap.Timestamps = append([]time.Time(nil), s.timestamps[:n]...)
	snap.Raw = append([]float64(nil), s.raw[:n]...)
	snap.Smoothed = append([]float64(nil), s.smoothed[:n]...)
	snap.Velocity = append([]float64(nil), s.velocity[:n]...)
	snap.InverseVelocity = append([]float64(nil), s.inverse[:n]...)
	snap.Streak = append([]int(nil), s.streak[:n]...)
	snap.Predictions = make([]Prediction, n)
	for i := 0; i < n; i++ {
		p := s.predictions[i]
		if p.Residuals != nil {
			p.Residuals = append([]float64(nil), p.Residuals...)
		}
		snap.Predictions[i] = p
	}
}
