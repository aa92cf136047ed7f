package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// NewRouter wires the read-only query routes
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", h.Health)

	r.Get("/api/crosswalk", h.GetCrosswalk)
	r.Get("/api/crosswalk/reused", h.GetReused)
	r.Get("/api/crosswalk/{legacyID}", h.GetCrosswalkEntry)

	r.Get("/api/audit", h.GetAudit)

	r.Get("/api/runs", h.GetRuns)
	r.Get("/api/runs/{runID}/filters", h.GetFilterCounts)

	return r
}
