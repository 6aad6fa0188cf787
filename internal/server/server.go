package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"slipway/internal/config"
	"slipway/internal/events"
	"slipway/internal/store"
	"slipway/internal/workflow"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// HTTP server timeouts
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// Request timeout for middleware; the event stream is exempt.
	RequestTimeout = 60 * time.Second

	// Rate limiting - requests per minute per client IP
	GlobalRateLimit  = 60
	WebhookRateLimit = 6
)

// Server is the HTTP face of the pipeline: the task API, the webhook
// receiver and the live event stream.
type Server struct {
	Projects *config.Registry
	Store    *store.Store
	Engine   *workflow.Engine
	Bus      *events.Bus
	Logger   *slog.Logger

	// TestMode disables rate limiting so tests can hammer endpoints.
	TestMode bool

	httpServer *http.Server
}

// NewServer wires the HTTP layer to its collaborators.
func NewServer(projects *config.Registry, st *store.Store, engine *workflow.Engine, bus *events.Bus, logger *slog.Logger, testMode bool) *Server {
	return &Server{
		Projects: projects,
		Store:    st,
		Engine:   engine,
		Bus:      bus,
		Logger:   logger,
		TestMode: testMode,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				s.Logger.Info("http_request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds())
			}()

			next.ServeHTTP(ww, r)
		})
	})

	// Rate limiting middleware (only if not in test mode)
	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, s.Logger))
	}

	r.Group(func(g chi.Router) {
		g.Use(middleware.Timeout(RequestTimeout))

		g.Get("/health", s.HandleHealth)

		g.Route("/api", func(api chi.Router) {
			api.Post("/tasks", s.HandleCreateTask)
			api.Get("/tasks", s.HandleListTasks)
			api.Get("/tasks/{taskID}", s.HandleGetTask)
			api.Get("/tasks/{taskID}/logs", s.HandleTaskLogs)
			api.Get("/tasks/{taskID}/events", s.HandleTaskEvents)
			api.Post("/tasks/{taskID}/cancel", s.HandleCancelTask)
			api.Post("/tasks/{taskID}/rollback", s.HandleRollback)
			api.Get("/projects", s.HandleListProjects)
		})

		// Webhook route with stricter rate limit
		if !s.TestMode {
			g.With(NewWebhookRateLimitMiddleware(WebhookRateLimit, s.Logger)).Post("/in/{projectName}", s.HandleWebhook)
		} else {
			g.Post("/in/{projectName}", s.HandleWebhook)
		}
	})

	// The event stream is long-lived and must not be cut by the
	// request timeout.
	r.Get("/api/events", s.HandleEvents)

	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	s.Logger.Info("Starting server", "addr", addr)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: HTTPWriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, waits for in-flight runs, and
// closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Logger.Warn("http shutdown", "error", err)
		}
	}

	s.Engine.WaitForRuns()

	if s.Store != nil {
		return s.Store.Close()
	}
	return nil
}
