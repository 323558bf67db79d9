// Package app wires the broker together: router, background loops, and
// retention.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/memory-broker/internal/adapter/httpserver"
	"github.com/fairyhunter13/memory-broker/internal/adapter/observability"
	"github.com/fairyhunter13/memory-broker/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. If the input is empty, returns ["*"].
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
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Request/response endpoints get the timeout guard; the event stream and
	// the worker websocket stay long-lived and are mounted outside it.
	r.Group(func(api chi.Router) {
		api.Use(httpserver.TimeoutMiddleware(30 * time.Second))

		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/v1/tasks", srv.EnqueueHandler())
			wr.Delete("/v1/tasks/{id}", srv.CancelTaskHandler())
		})
		api.Get("/v1/tasks", srv.ListTasksHandler())
		api.Get("/v1/tasks/{id}", srv.GetTaskHandler())
		api.Get("/v1/stats", srv.StatsHandler())
		api.Get("/v1/workers", srv.WorkersHandler())

		api.Get("/healthz", srv.HealthHandler())
		api.Get("/readyz", srv.ReadyHandler())
		api.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	})

	r.Get("/v1/events", srv.EventsHandler(cfg.StreamWriteTimeout, cfg.StreamKeepalive))
	r.Get("/v1/workers/connect", srv.Hub.WebsocketHandler(cfg.StreamWriteTimeout))

	return httpserver.SecurityHeaders(r)
}
