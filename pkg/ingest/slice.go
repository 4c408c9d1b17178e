package ingest

import (
	"time"

	"slopewatch/pkg/engine"
)

// SliceSource replays in-memory values as a stream. NaN values come back as
// invalid results. Timestamps start at Start and advance by Step.
type SliceSource struct {
	Values []float64
	Start  time.Time
	Step   time.Duration

	next int
}

// NewSliceSource creates a source over values with hourly timestamps.
func NewSliceSource(start time.Time, values []float64) *SliceSource {
	return &SliceSource{Values: values, Start: start, Step: time.Hour}
}

// Next implements the runner's source contract.
func (s *SliceSource) Next() (engine.Result, error) {
	if s.next >= len(s.Values) {
		return engine.EndOfStream(), nil
	}
	row := s.next
	s.next++

	r := engine.Reading{
		Row:          row,
		Timestamp:    s.Start.Add(time.Duration(row) * s.Step),
		Displacement: s.Values[row],
	}
	if !r.Valid() {
		return engine.InvalidResult(row, r.Timestamp, "displacement is not finite"), nil
	}
	return engine.ReadingResult(r), nil
}

// Len is the number of values.
func (s *SliceSource) Len() int {
	return len(s.Values)
}
