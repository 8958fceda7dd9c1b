// Package api exposes the host over HTTP: broadcast dispatch, plugin
// inspection, the dispatch log, and a live event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kestrelworks/starhost/internal/audit"
	"github.com/kestrelworks/starhost/internal/auth"
	"github.com/kestrelworks/starhost/internal/dispatch"
	"github.com/kestrelworks/starhost/internal/events"
	"github.com/kestrelworks/starhost/internal/plugin"
	"github.com/kestrelworks/starhost/internal/protocol"
)

// Broadcaster defines the dispatch operations used by the server.
type Broadcaster interface {
	Broadcast(ctx context.Context, command string, data map[string]any, sess *protocol.Session) (*dispatch.Outcome, error)
	IsActive(name string) bool
}

// PluginRegistry defines the registry operations used by the server.
type PluginRegistry interface {
	GetByName(name string) (*plugin.Plugin, error)
	All() []*plugin.Plugin
}

// AuditReader defines the dispatch log operations used by the server.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

// EventStream defines the event feed operations used by the server.
type EventStream interface {
	Subscribe() (<-chan events.Event, func())
	SnapshotSince(lastID int64) []events.Event
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the single admin bearer token (scope "*").
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server is the HTTP API server.
type Server struct {
	config     Config
	dispatcher Broadcaster
	registry   PluginRegistry
	auditLog   AuditReader
	hub        EventStream
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

func New(config Config, d Broadcaster, reg PluginRegistry, aud AuditReader, hub EventStream, logger *slog.Logger) *Server {
	return &Server{
		config:     config,
		dispatcher: d,
		registry:   reg,
		auditLog:   aud,
		hub:        hub,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // SSE clients hold the connection open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeDispatch)).Post("/v1/dispatch", s.handleDispatch)
		r.With(s.requireScopes(auth.ScopeRead)).Get("/v1/plugins", s.handleListPlugins)
		r.With(s.requireScopes(auth.ScopeRead)).Get("/v1/plugins/{plugin}", s.handleGetPlugin)
		r.With(s.requireScopes(auth.ScopeRead)).Get("/v1/dispatches", s.handleListDispatches)
		r.With(s.requireScopes(auth.ScopeRead)).Get("/v1/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
