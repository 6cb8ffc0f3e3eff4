// Package server sets up the HTTP server, router, and all route definitions.
//
// It is the composition root: New opens the audit database, starts the
// sandbox backend, builds the services and handlers, and mounts them. Keeping
// this out of main makes the whole stack testable with httptest.
//
// Dependency flow:
//
//	config → sqlite.DB → AuditService ─┐
//	                     Metrics ──────┼→ executor.Engine → ExecuteHandler
//	       → docker|process Isolator ──┘
//	       → TokenService + sqlite.DB → Authenticator → protected routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/cellrunner/internal/auth"
	"github.com/sakif/cellrunner/internal/config"
	"github.com/sakif/cellrunner/internal/executor"
	"github.com/sakif/cellrunner/internal/handler"
	"github.com/sakif/cellrunner/internal/metrics"
	"github.com/sakif/cellrunner/internal/middleware"
	sqliteRepo "github.com/sakif/cellrunner/internal/repository/sqlite"
	"github.com/sakif/cellrunner/internal/service"
)

// Server represents the HTTP server and all its dependencies.
//
// The Server owns the database connection and the sandbox backend; both are
// released by Close, which Start calls on shutdown.
type Server struct {
	router      *chi.Mux
	config      *config.Config
	logger      *slog.Logger
	db          *sqliteRepo.DB
	engine      *executor.Engine // nil when no backend could be started
	closeEngine func()
	metrics     *metrics.Metrics
	auth        *auth.Authenticator
}

// New wires every dependency and the routes. A sandbox backend that fails to
// start is logged and leaves execution endpoints answering 503, so the audit
// API stays reachable.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg.Storage.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sqliteRepo.New(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	var tokens *auth.TokenService
	if cfg.Auth.JWTSecret != "" {
		if tokens, err = auth.NewTokenService(cfg.Auth.JWTSecret); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring auth: %w", err)
		}
	} else {
		logger.Warn("auth.jwt_secret not set, only API keys are accepted")
	}

	audit := service.NewAuditService(db, db, logger)
	m := metrics.New()

	engine, closeEngine, err := OpenEngine(cfg, logger, m, audit)
	if err != nil {
		logger.Warn("sandbox backend unavailable, /api/execute will return 503",
			slog.String("backend", cfg.Sandbox.Backend),
			slog.String("error", err.Error()),
		)
		engine = nil
	} else {
		m.WatchPool(engine)
	}

	s := &Server{
		router:      chi.NewRouter(),
		config:      cfg,
		logger:      logger,
		db:          db,
		engine:      engine,
		closeEngine: closeEngine,
		metrics:     m,
		auth:        auth.NewAuthenticator(tokens, db, auth.NewKeyHasher(), logger),
	}
	s.setupRoutes(audit)
	return s, nil
}

// setupRoutes configures all middleware and route handlers.
//
// Routes:
//
//	GET  /healthz                   liveness, backend and pool state
//	GET  /metrics                   Prometheus scrape endpoint
//	POST /api/execute               run code, JSON result
//	GET  /api/execute/stream        run code over a WebSocket
//	POST /api/ai/suggest            template code suggestion
//	GET  /api/incidents             sandbox violations          (auth)
//	GET  /api/executions            audit log                   (auth)
//	GET  /api/executions/summary    outcome counts              (auth)
//	GET  /api/executions/{id}       one audit row               (auth)
//
// Middleware runs in the order it is added: request id, real IP, logging,
// then panic recovery closest to the handlers.
func (s *Server) setupRoutes(audit *service.AuditService) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	var engine handler.Engine
	var stats handler.StatsSource
	if s.engine != nil {
		engine, stats = s.engine, s.engine
	}
	ecfg, _ := s.config.Engine() // validated by config.Load

	executeHandler := handler.NewExecuteHandler(engine, ecfg.MaxCodeBytes, s.logger)
	suggestHandler := handler.NewSuggestHandler()
	auditHandler := handler.NewAuditHandler(audit)
	healthHandler := handler.NewHealthHandler(stats, s.db, s.logger)

	s.router.Get("/healthz", healthHandler.HandleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	executeAuth := s.auth.OptionalAuth
	if s.config.Auth.RequireForExecute {
		executeAuth = s.auth.RequireAuth
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(executeAuth)
			r.Post("/execute", executeHandler.HandleExecute)
			r.Get("/execute/stream", executeHandler.HandleStream)
		})

		r.Post("/ai/suggest", suggestHandler.HandleSuggest)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.RequireAuth)
			r.Get("/incidents", auditHandler.HandleListIncidents)
			r.Get("/executions", auditHandler.HandleListExecutions)
			r.Get("/executions/summary", auditHandler.HandleSummary)
			r.Get("/executions/{id}", auditHandler.HandleGetExecution)
		})
	})
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Close releases the sandbox backend and the database.
func (s *Server) Close() error {
	s.closeEngine()
	return s.db.Close()
}

// Start serves on the configured port until SIGINT or SIGTERM, then shuts
// down gracefully: stop accepting connections, let in-flight executions
// finish within server.shutdown_timeout, then release the backend and the
// database.
func (s *Server) Start() error {
	defer s.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.config.Server.ReadTimeout,
		WriteTimeout:      s.config.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)

	go func() {
		backend := "unavailable"
		if s.engine != nil {
			backend = s.engine.Backend()
		}
		s.logger.Info("server starting",
			slog.Int("port", s.config.Server.Port),
			slog.String("backend", backend),
			slog.String("database", s.config.Storage.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
