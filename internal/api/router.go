package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/auth"
	"github.com/runforge/runforge/internal/coordinator"
	"github.com/runforge/runforge/internal/runstore"
)

// StreamGateway is satisfied by both the Result Stream Gateway (SSE) and
// the Log Stream Gateway (WebSocket); the router only needs to mount them.
type StreamGateway interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// RouterConfig holds all dependencies needed to build the HTTP router. It
// is populated in cmd/control-plane after every component is constructed
// and passed to NewRouter as a single struct.
type RouterConfig struct {
	Coordinator  *coordinator.Coordinator
	Store        runstore.Store
	Verifier     *auth.Verifier
	ResultStream StreamGateway
	LogStream    StreamGateway
	Logger       *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. The run
// routes and the result stream are registered under /api/v1; the log
// stream is mounted at /ws/runs/{id}/logs.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthz)

	runs := NewRunsHandler(cfg.Coordinator, cfg.Store, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Verifier))

			r.Post("/runs", runs.Create)
			r.Get("/runs", runs.List)
			r.Get("/runs/{id}", runs.Get)
			r.Post("/runs/{id}/cancel", runs.Cancel)
			r.Get("/runs/{id}/stream", cfg.ResultStream.ServeHTTP)
		})
	})

	// Mounted outside /api/v1 to mirror the base spec's own path
	// (ws://host/ws/runs/{id}/logs), but still behind the same
	// bearer-token requirement via the Authorization header or, since a
	// browser WebSocket client cannot set one, a ?token= query parameter.
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Verifier))
		r.Get("/ws/runs/{id}/logs", cfg.LogStream.ServeHTTP)
	})

	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
