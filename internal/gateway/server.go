package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth())
	if g.metrics != nil {
		r.Handle("/metrics", g.metrics.Handler())
	}
	r.Get("/ws/runs", g.handleRunStream())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", g.handleStatus())

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", g.handleListJobs())
			r.Post("/", g.handleCreateJob())
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", g.handleGetJob())
				r.Put("/", g.handleUpdateJob())
				r.Delete("/", g.handleDeleteJob())
				r.Post("/status", g.handleSetStatus())
				r.Get("/runs", g.handleListJobRuns())
			})
		})
		r.Get("/runs", g.handleListRuns())

		r.Get("/modules", g.handleGetAllModules())
		r.Get("/config", g.handleGetConfig())
		r.Post("/config/reload", g.handleReloadConfig())
	})

	return r
}
