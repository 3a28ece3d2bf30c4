// Package status serves the health, status and metrics endpoints of a
// running watch.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ogulcanaydogan/bazel-compose/internal/reconcile"
)

const defaultHistory = 20

// Snapshot is the body of /status.
type Snapshot struct {
	StartedAt time.Time          `json:"started_at"`
	Services  map[string]string  `json:"services"`
	Cycles    map[string]int     `json:"cycles"`
	Last      *reconcile.Result  `json:"last,omitempty"`
	Recent    []reconcile.Result `json:"recent"`
}

// Recorder keeps the latest cycle results. Observe is safe to call from the
// watch goroutine while handlers read.
type Recorder struct {
	mu        sync.RWMutex
	startedAt time.Time
	services  map[string]string
	cycles    map[string]int
	recent    []reconcile.Result
	limit     int
}

// NewRecorder returns a recorder for a stack whose backed services map to
// the given targets.
func NewRecorder(services map[string]string) *Recorder {
	cp := make(map[string]string, len(services))
	for k, v := range services {
		cp[k] = v
	}
	return &Recorder{
		startedAt: time.Now().UTC(),
		services:  cp,
		cycles:    make(map[string]int),
		limit:     defaultHistory,
	}
}

// Observe records res; pass it to reconcile.WithObserver.
func (r *Recorder) Observe(res reconcile.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles[res.Outcome]++
	r.recent = append(r.recent, res)
	if len(r.recent) > r.limit {
		r.recent = r.recent[len(r.recent)-r.limit:]
	}
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{
		StartedAt: r.startedAt,
		Services:  make(map[string]string, len(r.services)),
		Cycles:    make(map[string]int, len(r.cycles)),
		Recent:    make([]reconcile.Result, len(r.recent)),
	}
	for k, v := range r.services {
		s.Services[k] = v
	}
	for k, v := range r.cycles {
		s.Cycles[k] = v
	}
	copy(s.Recent, r.recent)
	if n := len(s.Recent); n > 0 {
		last := s.Recent[n-1]
		s.Last = &last
	}
	return s
}

// Handler serves /status as JSON.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Snapshot())
	})
}

// HealthHandler returns an HTTP handler for liveness and readiness probes.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func NewMux(rec *Recorder) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", HealthHandler())
	mux.Handle("/status", rec.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve listens on addr until ctx is done, then shuts the server down.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}
