/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the review UI
  5. Identity:   X-Tenant-ID / X-Actor (all /api routes except /health)

ROUTE GROUPS:
  /api/health           Liveness
  /api/payroll/runs/*   Run lifecycle
  /api/payroll/lines/*  Overrides and adjustment history
  /api/employees        Roster
  /api/attendance       Attendance summaries
  /api/scenarios/*      Demo rosters

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
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-ID", "X-Actor"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Group(func(r chi.Router) {
			r.Use(Identity)

			r.Route("/payroll", func(r chi.Router) {
				r.Route("/runs", func(r chi.Router) {
					r.Get("/", h.ListRuns)
					r.Post("/", h.PreviewRun)
					r.Get("/{id}", h.GetRun)
					r.Get("/{id}/compare", h.CompareRun)
					r.Post("/{id}/authorize", h.AuthorizeRun)
					r.Post("/{id}/distribute", h.DistributeRun)
					r.Get("/{id}/deliveries", h.ListDeliveries)
					r.Get("/{id}/audit", h.ListAudit)
				})
				r.Route("/lines", func(r chi.Router) {
					r.Post("/{id}/override", h.OverrideLine)
					r.Get("/{id}/adjustments", h.ListAdjustments)
				})
			})

			r.Route("/employees", func(r chi.Router) {
				r.Get("/", h.ListEmployees)
				r.Post("/", h.CreateEmployee)
			})
			r.Post("/attendance", h.RecordAttendance)

			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		})
	})

	return r
}
