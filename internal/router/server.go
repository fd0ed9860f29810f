package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Server is the router's minimal HTTP surface: a forced membership
// refresh endpoint and a catch-all liveness responder, matching
// original_source/src/bin/patroni_proxy/api.rs's hand-rolled listener
// reexpressed over net/http and gorilla/mux (already the REST stack the
// main pooler's internal/api uses).
type Server struct {
	mu         *sync.Mutex
	managers   map[string]*ClusterManager
	httpServer *http.Server
}

// NewServer builds a Server over a caller-owned, mutex-guarded cluster
// manager map, so reconciling SIGHUP changes and serving /update_clusters
// never race each other.
func NewServer(mu *sync.Mutex, managers map[string]*ClusterManager) *Server {
	return &Server{mu: mu, managers: managers}
}

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/update_clusters", s.updateClusters).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.liveness)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	slog.Info("router: http server listening", "addr", addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("router: http server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) updateClusters(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	mgrs := make([]*ClusterManager, 0, len(s.managers))
	for _, m := range s.managers {
		mgrs = append(mgrs, m)
	}
	s.mu.Unlock()

	for _, m := range mgrs {
		m.UpdateMembers(r.Context())
	}

	slog.Info("router: forced membership refresh", "clusters", len(mgrs))
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "Updated %d cluster(s)\n", len(mgrs))
}

func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "OK")
}
