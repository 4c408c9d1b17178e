package engine

import (
	"errors"
	"testing"
)

func TestStore_AppendAndCapacity(t *testing.T) {
	s := NewStore(2)
	if s.Cap() != 2 || s.Len() != 0 {
		t.Fatalf("new store len=%d cap=%d", s.Len(), s.Cap())
	}

	for want := 0; want < 2; want++ {
		i, err := s.Append(Entry{Row: want, Raw: float64(want)})
		if err != nil {
			t.Fatalf("Append %d: %v", want, err)
		}
		if i != want {
			t.Errorf("Append returned %d, want %d", i, want)
		}
	}
	if !s.Full() {
		t.Error("store should be full")
	}
	if _, err := s.Append(Entry{}); !errors.Is(err, ErrStoreFull) {
		t.Errorf("Append on full store = %v, want ErrStoreFull", err)
	}

	latest, ok := s.Latest()
	if !ok || latest.Row != 1 {
		t.Errorf("Latest = %+v, %v", latest, ok)
	}
}

func TestStore_SetPredictionOnce(t *testing.T) {
	s := NewStore(3)
	if err := s.SetPrediction(Prediction{Iteration: 0, Status: StatusOK}); err == nil {
		t.Error("prediction accepted before any iteration")
	}

	s.Append(Entry{})
	s.Append(Entry{})
	if err := s.SetPrediction(Prediction{Iteration: 0, Status: StatusOK}); err == nil {
		t.Error("prediction accepted for an earlier iteration")
	}
	if err := s.SetPrediction(Prediction{Iteration: 1, Status: StatusNonConvergent}); err != nil {
		t.Fatalf("SetPrediction: %v", err)
	}
	if err := s.SetPrediction(Prediction{Iteration: 1, Status: StatusOK}); err == nil {
		t.Error("prediction overwritten")
	}
}
