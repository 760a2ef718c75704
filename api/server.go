/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. CORS:       Cross-origin requests for the mini-app frontend

ROUTE GROUPS:
  /api/users/*          Referral graph and reporting
  /api/distributions/*  Income event processing
  /api/policy           Commission rate table
  /api/admin/*          Operational endpoints

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Route("/api", func(r chi.Router) {
		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Put("/{id}/referrer", h.SetReferrer)
			r.Get("/{id}/chain", h.GetChain)
			r.Get("/{id}/rewards", h.GetRewards)
			r.Get("/{id}/levels", h.GetLevelIncome)
		})

		// Distribution routes
		r.Route("/distributions", func(r chi.Router) {
			r.Post("/", h.Distribute)
			r.Get("/", h.ListBatches)
			r.Get("/{batchID}", h.GetBatch)
		})

		// Policy routes
		r.Get("/policy", h.GetPolicy)
		r.Put("/policy", h.PutPolicy)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/reap", h.Reap)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
