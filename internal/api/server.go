// Package api is pgvoyage's ambient HTTP surface: a small REST view over
// the pool registry, the Prometheus exposition endpoint, and an operator
// dashboard with per-pool drain/pause/resume actions. It never touches client wire traffic — that's
// internal/listener and internal/session.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgvoyage/pgvoyage/internal/config"
	"github.com/pgvoyage/pgvoyage/internal/metrics"
	"github.com/pgvoyage/pgvoyage/internal/pool"
)

// Server is the REST API and metrics server.
type Server struct {
	registry   *pool.Registry
	cfg        *config.Config
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(reg *pool.Registry, cfg *config.Config, m *metrics.Collector) *Server {
	return &Server{
		registry:  reg,
		cfg:       cfg,
		metrics:   m,
		startTime: time.Now(),
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()

	r.HandleFunc("/pools", s.listPools).Methods("GET")
	r.HandleFunc("/pools/{key}", s.getPool).Methods("GET")
	r.HandleFunc("/pools/{key}/drain", s.drainPool).Methods("POST")
	r.HandleFunc("/pools/{key}/pause", s.pausePool).Methods("POST")
	r.HandleFunc("/pools/{key}/resume", s.resumePool).Methods("POST")

	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")

	r.Handle("/metrics", promhttp.Handler())

	// Admin dashboard, served at exactly "/" and "/dashboard"
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] REST API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Pool handlers ---

// poolStatsJSON is pool.Stats with stable, lowercase field names for the
// REST surface — the internal struct carries none to avoid coupling
// internal/pool to this package's wire format.
type poolStatsJSON struct {
	Database  string `json:"database"`
	User      string `json:"user"`
	Mode      string `json:"mode"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	MaxSize   int    `json:"max_size"`
	MinIdle   int    `json:"min_idle"`
	Exhausted int64  `json:"exhausted"`
}

func toJSON(s pool.Stats) poolStatsJSON {
	return poolStatsJSON{
		Database:  s.Database,
		User:      s.User,
		Mode:      string(s.Mode),
		Active:    s.Active,
		Idle:      s.Idle,
		Total:     s.Total,
		Waiting:   s.Waiting,
		MaxSize:   s.MaxSize,
		MinIdle:   s.MinIdle,
		Exhausted: s.Exhausted,
	}
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	var result []poolStatsJSON
	for _, st := range s.registry.AllStats() {
		result = append(result, toJSON(st))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	key, err := pool.ParseKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, ok := s.registry.Stats(key)
	if !ok {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	writeJSON(w, http.StatusOK, toJSON(st))
}

func (s *Server) drainPool(w http.ResponseWriter, r *http.Request) {
	key, err := pool.ParseKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok := s.registry.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	p.Drain(10 * time.Second)
	log.Printf("[api] pool %s drained", key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained", "pool": key.String()})
}

func (s *Server) pausePool(w http.ResponseWriter, r *http.Request) {
	key, err := pool.ParseKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok := s.registry.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	p.Pause()
	log.Printf("[api] pool %s paused", key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "pool": key.String()})
}

func (s *Server) resumePool(w http.ResponseWriter, r *http.Request) {
	key, err := pool.ParseKey(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, ok := s.registry.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	p.Resume()
	log.Printf("[api] pool %s resumed", key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed", "pool": key.String()})
}

// --- Status, config & health handlers ---

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_pools":      len(s.registry.All()),
		"listen_addr":    s.cfg.Listen.Addr,
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	redacted := make(map[string]config.PoolConfig, len(s.cfg.Pools))
	for k, p := range s.cfg.Pools {
		redacted[k] = p.Redacted()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"listen":   s.cfg.Listen,
		"defaults": s.cfg.Defaults,
		"pools":    redacted,
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
