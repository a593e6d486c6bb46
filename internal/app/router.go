// Package app wires the gateway router and its background loops.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/worthit-bot/worthit/internal/adapter/cache"
	"github.com/worthit-bot/worthit/internal/adapter/httpserver"
	"github.com/worthit-bot/worthit/internal/config"
	"github.com/worthit-bot/worthit/internal/observability"
)

// NewRouter assembles the gateway middleware chain and routes. cacheMW may
// be nil to run without response caching (tests do this).
func NewRouter(cfg config.Config, srv *httpserver.Server, cacheMW *cache.Middleware) http.Handler {
	r := chi.NewRouter()

	r.Use(httpserver.RequestID)
	r.Use(httpserver.Recoverer)
	r.Use(httpserver.AccessLog)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(httpserver.SecurityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.AllowedOrigin),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
	r.Use(httpserver.MaxBody(cfg.MaxBodyBytes))

	r.Get("/health", srv.HealthHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httpserver.RequireJSON)
		r.Post("/analyze", srv.AnalyzeHandler())
		r.Post("/webhook", srv.WebhookHandler())
	})

	status := http.Handler(http.HandlerFunc(srv.TaskStatusHandler()))
	if cacheMW != nil {
		status = cacheMW.Handler(status)
	}
	r.Method(http.MethodGet, "/tasks/{id}", status)

	return r
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return []string{"*"}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
