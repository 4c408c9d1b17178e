package engine

// ring is a fixed-capacity ring buffer of float64 values.
type ring struct {
	data []float64
	pos  int
	full bool
}

func newRing(size int) *ring {
	return &ring{data: make([]float64, size)}
}

func (r *ring) push(v float64) {
	r.data[r.pos] = v
	r.pos++
	if r.pos >= len(r.data) {
		r.pos = 0
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.data)
	}
	return r.pos
}

// slice copies the contents into dst in insertion order.
func (r *ring) slice(dst []float64) []float64 {
	dst = dst[:0]
	if r.full {
		dst = append(dst, r.data[r.pos:]...)
		return append(dst, r.data[:r.pos]...)
	}
	return append(dst, r.data[:r.pos]...)
}

// hasUndefined reports whether any buffered value is undefined.
func (r *ring) hasUndefined() bool {
	n := r.len()
	for i := 0; i < n; i++ {
		if !Defined(r.data[i]) {
			return true
		}
	}
	return false
}
