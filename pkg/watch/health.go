package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// SensorStatus is the last known state of one sensor.
type SensorStatus struct {
	SensorID        string     `json:"sensorId"`
	Iterations      int        `json:"iterations"`
	Skipped         int        `json:"skipped"`
	OnsetDetected   bool       `json:"onsetDetected"`
	OnsetIteration  int        `json:"onsetIteration"`
	PredictionState string     `json:"predictionStatus,omitempty"`
	FailureIndex    *float64   `json:"predictedFailureIndex,omitempty"`
	FailureTime     *time.Time `json:"predictedFailureTime,omitempty"`
}

// HealthStatus represents the watcher's health state.
type HealthStatus struct {
	Healthy           bool           `json:"healthy"`
	LastBatchTime     time.Time      `json:"lastBatchTime"`
	LastBatchOK       bool           `json:"lastBatchOk"`
	BatchesSinceStart int64          `json:"batchesSinceStart"`
	StartTime         time.Time      `json:"startTime"`
	Uptime            string         `json:"uptime"`
	Sensors           []SensorStatus `json:"sensors,omitempty"`
}

// HealthServer provides HTTP health endpoints.
type HealthServer struct {
	watcher *Watcher
	mu      sync.RWMutex

	// staleAfter marks the watcher unhealthy when no batch finished in time.
	staleAfter time.Duration
	startTime  time.Time

	lastBatchTime time.Time
	lastBatchOK   bool
	batchCount    int64

	now func() time.Time
}

// NewHealthServer creates a health server. A batch is expected at least every
// pollInterval; twice that without one is reported unhealthy.
func NewHealthServer(pollInterval time.Duration) *HealthServer {
	return &HealthServer{
		staleAfter: 2 * pollInterval,
		startTime:  time.Now(),
		now:        time.Now,
	}
}

// RecordBatch records a finished batch.
func (h *HealthServer) RecordBatch(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastBatchTime = h.now()
	h.lastBatchOK = ok
	h.batchCount++
}

// GetStatus returns the current health status.
func (h *HealthServer) GetStatus() HealthStatus {
	status, watcher := h.snapshot()
	if watcher != nil {
		if batch, ok := watcher.LastBatch(); ok {
			status.Sensors = sensorStatuses(batch)
		}
	}
	return status
}

// setWatcher attaches the watcher whose last batch is reported per sensor.
func (h *HealthServer) setWatcher(w *Watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watcher = w
}

// snapshot reads the batch counters and the attached watcher under the lock.
// The watcher is queried after the lock is released.
func (h *HealthServer) snapshot() (HealthStatus, *Watcher) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	healthy := true
	if h.batchCount == 0 {
		// The first batch may take a while on large files.
		healthy = now.Sub(h.startTime) <= h.staleAfter
	} else if now.Sub(h.lastBatchTime) > h.staleAfter {
		healthy = false
	}

	status := HealthStatus{
		Healthy:           healthy,
		LastBatchTime:     h.lastBatchTime,
		LastBatchOK:       h.lastBatchOK,
		BatchesSinceStart: h.batchCount,
		StartTime:         h.startTime,
		Uptime:            now.Sub(h.startTime).Round(time.Second).String(),
	}
	return status, h.watcher
}

func sensorStatuses(batch BatchResult) []SensorStatus {
	out := make([]SensorStatus, 0, len(batch.Summaries))
	for _, s := range batch.Summaries {
		st := SensorStatus{
			SensorID:       s.SensorID,
			Iterations:     s.Iterations,
			Skipped:        s.Skipped,
			OnsetDetected:  s.Onset.Detected,
			OnsetIteration: s.Onset.Index,
		}
		if p := s.Prediction; p != nil {
			st.PredictionState = string(p.Status)
			if p.Convergent() {
				idx, ts := p.FailureIndex, p.FailureTime
				st.FailureIndex = &idx
				st.FailureTime = &ts
			}
		}
		out = append(out, st)
	}
	return out
}

// ServeHTTP handles health check requests.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Handler returns the mux serving /healthz, /readyz, /metrics and /api/status.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", h)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := h.GetStatus()
		if status.Healthy && status.BatchesSinceStart > 0 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(h.GetStatus())
	})
	return mux
}

// Start serves the health endpoints on port until ctx is cancelled.
func (h *HealthServer) Start(ctx context.Context, port int) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	klog.InfoS("Starting health server", "address", srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.ErrorS(err, "Health server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
