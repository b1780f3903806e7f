package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/matrx/orchestrator/pkg/config"
	"github.com/matrx/orchestrator/pkg/log"
	"github.com/matrx/orchestrator/pkg/manager"
	"github.com/matrx/orchestrator/pkg/metrics"
	"github.com/matrx/orchestrator/pkg/objectstore"
)

// Version is stamped by the build
var Version = "0.1.0"

// Server is the HTTP control plane. Every route under /sandboxes goes
// through API-key auth; /health, /metrics and / stay public.
type Server struct {
	cfg     config.Settings
	manager *manager.Manager
	objects *objectstore.Store
	http    *http.Server
	logger  zerolog.Logger
	started time.Time
}

// NewServer wires the route table. objects may be nil when no bucket is
// configured; sandbox creation then skips storage provisioning.
func NewServer(cfg config.Settings, mgr *manager.Manager, objects *objectstore.Store) *Server {
	s := &Server{
		cfg:     cfg,
		manager: mgr,
		objects: objects,
		logger:  log.WithComponent("api"),
		started: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.rootHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /sandboxes", s.createHandler)
	mux.HandleFunc("GET /sandboxes", s.listHandler)
	mux.HandleFunc("GET /sandboxes/{id}", s.getHandler)
	mux.HandleFunc("DELETE /sandboxes/{id}", s.deleteHandler)
	mux.HandleFunc("POST /sandboxes/{id}/exec", s.execHandler)
	mux.HandleFunc("POST /sandboxes/{id}/access", s.accessHandler)
	mux.HandleFunc("POST /sandboxes/{id}/heartbeat", s.heartbeatHandler)
	mux.HandleFunc("POST /sandboxes/{id}/complete", s.completeHandler)
	mux.HandleFunc("POST /sandboxes/{id}/error", s.errorHandler)
	mux.HandleFunc("GET /sandboxes/{id}/logs", s.logsHandler)
	mux.HandleFunc("GET /sandboxes/{id}/stats", s.statsHandler)

	// WriteTimeout must cover the longest exec (600 s) plus readiness
	// waits during create (120 s).
	s.http = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.requestLogger(s.authenticate(mux)),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 11 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the full middleware-wrapped handler; used by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start blocks serving HTTP until Shutdown or a listener error
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("API server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
