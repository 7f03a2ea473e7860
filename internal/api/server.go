// Package api implements the operator-facing HTTP surface (spec §6):
// `/health`, `/status`, `POST /api/dkg/start`, and `/metrics`. It is a thin
// collaborator over the core components, never the other way around —
// core components never import this package.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bridgevalidator/node/internal/log"
	"github.com/bridgevalidator/node/internal/metrics"
)

// ChainHealth is the narrow view this package needs of a chain monitor
// (internal/chainmon.Monitor satisfies it without either package
// importing the other).
type ChainHealth interface {
	HealthCheck() (healthy bool, latencyMs int64)
}

// PendingLister is the narrow view this package needs of the signing
// coordinator (internal/signer.Coordinator satisfies it).
type PendingLister interface {
	Pending() []string
}

// Config wires this package's handlers to the live components it reports
// on, without ever holding a concrete reference to their packages.
type Config struct {
	Chains      map[string]ChainHealth
	Coordinator PendingLister
	DKGStatus   func() string
	StartDKG    func(ctx context.Context) error
	Log         log.Logger
}

// Server is the bound HTTP handler for this process's control surface.
type Server struct {
	cfg     Config
	handler http.Handler
}

// New builds the chi mux, instrumenting each route with the Prometheus
// triplet and wrapping the whole thing in CORS headers for the operator
// dashboard, which calls this surface cross-origin.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg}

	mux := chi.NewMux()
	mux.Use(s.requestID)
	mux.Get("/health", metrics.InstrumentHandler("health", s.health))
	mux.Get("/status", metrics.InstrumentHandler("status", s.status))
	mux.Post("/api/dkg/start", metrics.InstrumentHandler("dkg.start", s.startDKG))
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{Registry: metrics.Registry}))

	cors := handlers.CORS(
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	s.handler = cors(mux)
	return s
}

// Handler returns the bound http.Handler for embedding in a caller-managed
// http.Server (tests use this to avoid binding a real port).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve binds listenAddr and serves in the background, returning the
// listener so the caller can close it during shutdown.
func (s *Server) Serve(listenAddr string) (net.Listener, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 3 * time.Second}
	go func() {
		s.cfg.Log.Warnw("api listener stopped", "err", srv.Serve(listener))
	}()
	return listener, nil
}

// requestID stamps every inbound request with a fresh correlation id,
// echoed on the response and attached to this request's log lines — purely
// a local operator-surface concern, unlike the DKG ceremony id and signing
// request id, which must be derived identically by every party and so can
// never be random.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		s.cfg.Log.Debugw("api request", "requestId", id, "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type chainStatus struct {
	Healthy   bool  `json:"healthy"`
	LatencyMs int64 `json:"latencyMs"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	chains := make(map[string]chainStatus, len(s.cfg.Chains))
	allHealthy := true
	for name, h := range s.cfg.Chains {
		healthy, latency := h.HealthCheck()
		chains[name] = chainStatus{Healthy: healthy, LatencyMs: latency}
		if !healthy {
			allHealthy = false
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !allHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": allHealthy,
		"chains":  chains,
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	var pending []string
	if s.cfg.Coordinator != nil {
		pending = s.cfg.Coordinator.Pending()
	}
	sort.Strings(pending)
	dkgStatus := "UNKNOWN"
	if s.cfg.DKGStatus != nil {
		dkgStatus = s.cfg.DKGStatus()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"dkgStatus":      dkgStatus,
		"pendingSigning": pending,
	})
}

func (s *Server) startDKG(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StartDKG == nil {
		http.Error(w, "dkg start not configured", http.StatusNotImplemented)
		return
	}
	if err := s.cfg.StartDKG(r.Context()); err != nil {
		s.cfg.Log.Warnw("dkg start request rejected", "err", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
