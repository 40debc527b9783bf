package gocci

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gocci/gocci/internal/hoststatus"
)

// StatsServer is an optional HTTP surface a process embedding the client can
// run for operators: handle-table and pool statistics, host reachability and
// the Prometheus scrape endpoint.
type StatsServer struct {
	mu         sync.Mutex
	pools      map[string]*DataSource
	httpServer *http.Server
	startTime  time.Time
}

// NewStatsServer builds a stats server over the given named pools. The map
// may be nil when only connection-level stats are wanted.
func NewStatsServer(pools map[string]*DataSource) *StatsServer {
	return &StatsServer{pools: pools, startTime: time.Now()}
}

// Handler returns the routed stats API.
func (s *StatsServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/stats", s.stats).Methods("GET")
	r.HandleFunc("/hosts", s.hosts).Methods("GET")
	r.HandleFunc("/healthz", s.healthz).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(collector.Registry, promhttp.HandlerOpts{}))
	return r
}

// Start serves the stats API on the given bind address until Shutdown.
func (s *StatsServer) Start(bind string) error {
	r := s.Handler()

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              bind,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	slog.Info("stats server listening", "addr", bind)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("stats server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *StatsServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type statsPayload struct {
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Handles       any                        `json:"handles"`
	DataSources   map[string]DataSourceStats `json:"datasources,omitempty"`
}

func (s *StatsServer) stats(w http.ResponseWriter, _ *http.Request) {
	payload := statsPayload{
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Handles:       tbl.Snapshot(),
	}
	if len(s.pools) > 0 {
		payload.DataSources = make(map[string]DataSourceStats, len(s.pools))
		for name, ds := range s.pools {
			payload.DataSources[name] = ds.Stats()
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *StatsServer) hosts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, hoststatus.Global().Snapshot())
}

func (s *StatsServer) healthz(w http.ResponseWriter, _ *http.Request) {
	for _, h := range hoststatus.Global().Snapshot() {
		if !h.Reachable {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "host": h.Host})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("stats encode failed", "err", err)
	}
}
