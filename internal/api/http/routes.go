package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the HTTP router: job routes, health check and the
// Prometheus metrics endpoint.
func NewRouter(jobService JobServiceI, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	jobHandler := NewJobHandler(jobService, logger)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", jobHandler.CreateJob)
		r.Get("/", jobHandler.ListJobs)
		r.Get("/{jobID}", jobHandler.GetJob)
		r.Delete("/{jobID}", jobHandler.CancelJob)
		r.Get("/{jobID}/events", jobHandler.StreamEvents)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
