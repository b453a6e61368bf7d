// Package api exposes the engine over a local HTTP surface: submission,
// status, invocation history, a live SSE stream, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nebojsa-prodana/automation-client/internal/deferred"
	"github.com/nebojsa-prodana/automation-client/internal/engine"
	"github.com/nebojsa-prodana/automation-client/internal/events"
	"github.com/nebojsa-prodana/automation-client/internal/history"
	"github.com/nebojsa-prodana/automation-client/internal/log"
	"github.com/nebojsa-prodana/automation-client/internal/metrics"
	"github.com/nebojsa-prodana/automation-client/internal/protocol"
)

// Dispatcher is the engine surface the API needs.
type Dispatcher interface {
	SubmitCommand(pctx protocol.Context, payload json.RawMessage) *deferred.Deferred[protocol.HandlerResult]
	SubmitEvent(pctx protocol.Context, payload json.RawMessage) *deferred.Deferred[[]protocol.HandlerResult]
	Status() engine.Snapshot
}

// HistoryReader serves completed invocation lookups. May be absent when
// history is disabled.
type HistoryReader interface {
	Get(ctx context.Context, invocationID string) (*history.Record, error)
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

// Config holds the API server settings.
type Config struct {
	Listen        string
	SubmitTimeout time.Duration
	ConfigDigest  string
	// AuthToken, when set, is required as a bearer token on /api/v1.
	AuthToken string
}

// Server is the HTTP front end.
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	hist       HistoryReader
	hub        *events.Hub
	logger     *slog.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires the router. hist may be nil.
func NewServer(cfg Config, d Dispatcher, hist HistoryReader, hub *events.Hub) *Server {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		hist:       hist,
		hub:        hub,
		logger:     log.WithComponent("api"),
		startedAt:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.AuthToken != "" {
			r.Use(requireToken(cfg.AuthToken))
		}
		r.Get("/status", s.handleStatus)
		r.Post("/commands", s.handleSubmitCommand)
		r.Post("/events", s.handleSubmitEvent)
		r.Get("/history", s.handleHistoryList)
		r.Get("/history/{invocationID}", s.handleHistoryGet)
		r.Get("/stream", s.handleStream)
	})

	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: /api/v1/stream holds the connection open.
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.cfg.Listen)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
