// Package api implements the orchestrator's minimal REST surface: POST
// /command, GET /nodes, GET /health. This is deliberately not a general
// CRUD surface — a fuller operator-facing REST layer is out of scope.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate/internal/orchestrator/router"
	"github.com/fleetgate/fleetgate/internal/orchestrator/session"
)

// Config bundles the dependencies the router needs to build handlers.
type Config struct {
	Registry     *session.Registry
	Router       *router.Router
	Logger       *zap.Logger
	SharedSecret string
}

// NewRouter builds the chi router exposing the orchestrator's REST surface.
func NewRouter(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth())

	r.Group(func(r chi.Router) {
		r.Use(RequireSharedSecret(cfg.SharedSecret))
		r.Post("/command", handleCommand(cfg.Router))
		r.Get("/nodes", handleNodes(cfg.Registry))
	})

	return r
}
