// Package admin serves the local control API.
package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/ktime/internal/admin/api"
)

// Config holds the admin server configuration.
type Config struct {
	ListenAddr string
}

// Server represents the admin HTTP server.
type Server struct {
	config   Config
	engine   api.Engine
	reload   api.ReloadFunc
	server   *http.Server
	router   *mux.Router
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates a new admin server.
func NewServer(cfg Config, engine api.Engine, reload api.ReloadFunc, logger zerolog.Logger) *Server {
	s := &Server{
		config: cfg,
		engine: engine,
		reload: reload,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "admin").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(LoggingMiddleware(s.logger))

	engineHandler := api.NewEngineHandler(s.engine, s.logger)
	s.router.HandleFunc("/api/status", engineHandler.GetStatus).Methods("GET")
	s.router.HandleFunc("/api/categories/{id}", engineHandler.GetCategory).Methods("GET")
	s.router.HandleFunc("/api/engine/slow", engineHandler.SetSlow).Methods("PUT")
	s.router.HandleFunc("/api/engine/pause", engineHandler.SetPause).Methods("PUT")

	rulesHandler := api.NewRulesHandler(s.reload, s.logger)
	s.router.HandleFunc("/api/rules/reload", rulesHandler.Reload).Methods("POST")
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start binds the admin listener and serves in the background. A bind
// failure is returned to the caller.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting admin server")

	ln := s.listener
	if ln != nil {
		s.logger.Debug().Msg("Using systemd socket-activated admin listener")
	} else {
		var err error
		ln, err = net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("admin server listen on %s: %w", s.config.ListenAddr, err)
		}
		s.listener = ln
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Admin server error")
		}
	}()

	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the admin HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping admin server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	// Serve may not have picked up the listener yet.
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}

	return nil
}
