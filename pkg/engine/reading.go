// Package engine implements the per-sensor slope state engine: smoothing,
// velocity estimation, onset-of-acceleration detection and inverse-velocity
// failure-time prediction over a fixed-capacity state store.
package engine

import (
	"fmt"
	"math"
	"time"
)

// Reading is one displacement sample. Row is the ordinal of the source row
// that produced it, which may differ from the engine iteration once readings
// are skipped.
type Reading struct {
	Row          int
	Timestamp    time.Time
	Displacement float64
}

// Valid reports whether the displacement is a finite number.
func (r Reading) Valid() bool {
	return Defined(r.Displacement) && !math.IsInf(r.Displacement, 0)
}

// invalidReason describes why a reading was rejected.
func (r Reading) invalidReason() string {
	switch {
	case math.IsNaN(r.Displacement):
		return "displacement is missing"
	case math.IsInf(r.Displacement, 0):
		return "displacement is infinite"
	default:
		return ""
	}
}

// ResultKind distinguishes the outcomes of pulling one reading from a source.
type ResultKind int

const (
	KindReading ResultKind = iota
	KindEndOfStream
	KindInvalid
)

func (k ResultKind) String() string {
	switch k {
	case KindReading:
		return "reading"
	case KindEndOfStream:
		return "end-of-stream"
	case KindInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is returned by ingest sources for every pull.
// Reading is set for KindReading and carries Row/Timestamp for KindInvalid.
type Result struct {
	Kind    ResultKind
	Reading Reading
	Reason  string
}

// ReadingResult wraps a reading.
func ReadingResult(r Reading) Result {
	return Result{Kind: KindReading, Reading: r}
}

// EndOfStream signals that the source has no more rows.
func EndOfStream() Result {
	return Result{Kind: KindEndOfStream}
}

// InvalidResult reports a row that could not be turned into a reading.
func InvalidResult(row int, ts time.Time, reason string) Result {
	return Result{
		Kind:    KindInvalid,
		Reading: Reading{Row: row, Timestamp: ts, Displacement: math.NaN()},
		Reason:  reason,
	}
}

// Undefined is the in-memory marker for a value that cannot be computed yet.
func Undefined() float64 {
	return math.NaN()
}

// Defined reports whether v holds a computed value.
func Defined(v float64) bool {
	return !math.IsNaN(v)
}
