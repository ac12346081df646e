package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/rlm/internal/config"
	"github.com/michaelbrown/rlm/internal/storage"
	"github.com/michaelbrown/rlm/internal/tools"
)

// Server exposes sessions over HTTP and WebSocket.
type Server struct {
	cfg      *config.Config
	store    storage.Store
	registry *tools.Registry
	sessions *SessionManager
	logger   *slog.Logger
	router   chi.Router
	http     *http.Server
}

// New creates a new Server. registry may be nil.
func New(cfg *config.Config, store storage.Store, registry *tools.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: registry,
		sessions: NewSessionManager(logger),
		logger:   logger,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		// WebSocket (no JSON content-type)
		r.Get("/sessions/{id}/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(jsonContentType)

			r.Get("/sessions", s.handleListSessions)
			r.Post("/sessions", s.handleCreateSession)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Delete("/sessions/{id}", s.handleDeleteSession)

			r.Post("/sessions/{id}/execute", s.handleExecute)
			r.Get("/sessions/{id}/executions", s.handleListExecutions)
			r.Get("/sessions/{id}/variables", s.handleVariables)
			r.Post("/sessions/{id}/reset", s.handleReset)

			r.Post("/sessions/{id}/solve", s.handleSolve)
			r.Get("/sessions/{id}/messages", s.handleGetMessages)
			r.Get("/sessions/{id}/export", s.handleExport)

			r.Get("/providers", s.handleListProviders)
			r.Get("/tools", s.handleListTools)
		})
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.logger.Info("rlm server starting", "addr", "http://localhost"+addr)
	return s.http.ListenAndServe()
}

// Shutdown closes every live environment and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.sessions.CloseAll()

	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
