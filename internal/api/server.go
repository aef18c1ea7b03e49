// Package api serves the JSON status/stats endpoints and Prometheus
// metrics: backend slot status, per-slot pool stats, routing configuration,
// and query-cache counters.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/poolrouter/poolrouter/internal/backend"
	"github.com/poolrouter/poolrouter/internal/cache"
	"github.com/poolrouter/poolrouter/internal/config"
	"github.com/poolrouter/poolrouter/internal/health"
	"github.com/poolrouter/poolrouter/internal/lifecheck"
	"github.com/poolrouter/poolrouter/internal/metrics"
	"github.com/poolrouter/poolrouter/internal/poolconn"
)

// Server is the REST API and metrics server.
type Server struct {
	cluster     *backend.Cluster
	poolMgr     *poolconn.Manager
	healthCheck *health.Checker
	cache       *cache.Cache // nil when caching is disabled
	lock        *lifecheck.Interlock
	metrics     *metrics.Collector
	cfg         *config.Config
	httpServer  *http.Server
	startTime   time.Time
}

// NewServer creates a new API server.
func NewServer(cluster *backend.Cluster, pm *poolconn.Manager, hc *health.Checker, qc *cache.Cache, il *lifecheck.Interlock, m *metrics.Collector, cfg *config.Config) *Server {
	return &Server{
		cluster:     cluster,
		poolMgr:     pm,
		healthCheck: hc,
		cache:       qc,
		lock:        il,
		metrics:     m,
		cfg:         cfg,
		startTime:   time.Now(),
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(bind string, port int) error {
	addr := fmt.Sprintf("%s:%d", bind, port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
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

// Handler builds the route table; exposed separately for tests.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	// Cluster status
	r.HandleFunc("/backends", s.listBackends).Methods("GET")
	r.HandleFunc("/backends/{index}", s.getBackend).Methods("GET")

	// Cache
	r.HandleFunc("/cache/stats", s.cacheStats).Methods("GET")
	r.HandleFunc("/cache/reset", s.cacheReset).Methods("POST")

	// Server status & config
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	// Health & readiness
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	return r
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Backend handlers ---

type backendResponse struct {
	Index  int                   `json:"index"`
	Host   string                `json:"host"`
	Port   int                   `json:"port"`
	Role   string                `json:"role"`
	Status string                `json:"status"`
	Stats  *poolconn.Stats       `json:"stats,omitempty"`
	Health *health.BackendHealth `json:"health,omitempty"`
}

func (s *Server) backendResponse(i int) backendResponse {
	slot := s.cluster.Slot(i)
	role := "standby"
	if slot.Role == backend.RolePrimary {
		role = "primary"
	}
	br := backendResponse{
		Index:  i,
		Host:   slot.Host,
		Port:   slot.Port,
		Role:   role,
		Status: slot.Status().String(),
	}
	if s.poolMgr != nil {
		stats := s.poolMgr.Pool(i).Stats()
		br.Stats = &stats
	}
	if s.healthCheck != nil {
		snap := s.healthCheck.Snapshot()
		if i < len(snap) {
			br.Health = &snap[i]
		}
	}
	return br
}

func (s *Server) listBackends(w http.ResponseWriter, r *http.Request) {
	result := make([]backendResponse, 0, s.cluster.Len())
	for i := 0; i < s.cluster.Len(); i++ {
		result = append(result, s.backendResponse(i))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getBackend(w http.ResponseWriter, r *http.Request) {
	var i int
	if _, err := fmt.Sscanf(mux.Vars(r)["index"], "%d", &i); err != nil || i < 0 || i >= s.cluster.Len() {
		writeError(w, http.StatusNotFound, "unknown backend index")
		return
	}
	writeJSON(w, http.StatusOK, s.backendResponse(i))
}

// --- Cache handlers ---

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusNotFound, "query cache is disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) cacheReset(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusNotFound, "query cache is disabled")
		return
	}
	s.cache.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// --- Status & config ---

type statusResponse struct {
	Uptime         string `json:"uptime"`
	Mode           string `json:"cluster_mode"`
	Backends       int    `json:"backends"`
	PrimaryIndex   int    `json:"primary_index"`
	MainIndex      int    `json:"main_index"`
	LiveSessions   int    `json:"live_sessions"`
	Goroutines     int    `json:"goroutines"`
	CacheEnabled   bool   `json:"cache_enabled"`
	CacheEntries   int    `json:"cache_entries,omitempty"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	mode := "raw"
	if s.cluster.Mode == backend.ModeReplica {
		mode = "replica"
	}
	resp := statusResponse{
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		Mode:         mode,
		Backends:     s.cluster.Len(),
		PrimaryIndex: s.cluster.PrimaryIndex(),
		MainIndex:    s.cluster.MainIndex(),
		Goroutines:   runtime.NumGoroutine(),
		CacheEnabled: s.cache != nil,
	}
	if s.lock != nil {
		resp.LiveSessions = s.lock.ConnCounter()
	}
	if s.cache != nil {
		resp.CacheEntries = s.cache.Entries()
	}
	writeJSON(w, http.StatusOK, resp)
}

// configHandler reports the non-secret parts of the running configuration.
func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	cluster := s.cfg.Cluster
	cluster.Password = ""
	writeJSON(w, http.StatusOK, map[string]any{
		"cluster": cluster,
		"routing": s.cfg.Routing,
		"cache":   s.cfg.Cache,
		"health":  s.cfg.Health,
	})
}

// --- Health & readiness ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyHandler reports ready once a primary or main backend is reachable.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cluster.ResolvePrimaryOrMain(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "no backend is UP")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
