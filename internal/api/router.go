package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobtab/internal/config"
	"jobtab/internal/core"
	"jobtab/internal/events"
	"jobtab/internal/logsink"
	"jobtab/internal/store"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	service    *core.TaskService
	scheduler  *core.Scheduler
	sink       *logsink.Sink
	bus        *events.Bus
	switcher   *store.Switcher
	storage    config.StorageConfig
	defaults   config.DefaultsConfig
	logger     *slog.Logger
	authToken  string
}

// NewServer constructs the HTTP API server.
func NewServer(cfg *config.Config, service *core.TaskService, scheduler *core.Scheduler, sink *logsink.Sink, bus *events.Bus, switcher *store.Switcher, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		service:   service,
		scheduler: scheduler,
		sink:      sink,
		bus:       bus,
		switcher:  switcher,
		storage:   cfg.Storage,
		defaults:  cfg.Defaults,
		logger:    logger,
		authToken: cfg.Server.AuthToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// SSE connections are long-lived; no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Post("/batch", s.handleBatch)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/toggle", s.handleToggleTask)
				r.Post("/run", s.handleRunTask)
				r.Get("/logs", s.handleTaskLogs)
			})
		})

		r.Get("/events", s.handleEvents)

		r.Route("/storage", func(r chi.Router) {
			r.Get("/", s.handleGetStorage)
			r.Post("/switch", s.handleSwitchStorage)
		})
	})
}
