// Package app wires the HTTP surface: middleware stack, CORS, rate limits
// and routes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/gradelab/gpuqueue/internal/adapter/httpserver"
	"github.com/gradelab/gpuqueue/internal/adapter/observability"
	"github.com/gradelab/gpuqueue/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Submit suspends for the wait cap, so it carries its own generous
	// deadline; everything else gets a short one.
	r.Group(func(sr chi.Router) {
		sr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		sr.Use(httpserver.TimeoutMiddleware(cfg.WaitMax() + 30*time.Second))
		sr.Post("/submit", srv.SubmitHandler())
	})

	r.Group(func(ar chi.Router) {
		ar.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		ar.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		ar.Use(httpserver.RequireAuth(srv.Auth))
		ar.Get("/status/{id}", srv.StatusHandler())
		ar.Get("/results/{id}", srv.ResultsHandler())
		ar.Post("/cancel/{id}", srv.CancelHandler())
		ar.Get("/jobs", srv.JobsHandler())
		ar.Get("/dashboard", srv.DashboardHandler())
	})

	// Public surface.
	r.Get("/nodes", srv.NodesHandler())
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
