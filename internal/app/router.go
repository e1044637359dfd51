// Package app wires configuration, adapters, and the engine together.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/relay/internal/adapter/httpserver"
	"github.com/fairyhunter13/relay/internal/adapter/observability"
	"github.com/fairyhunter13/relay/internal/config"
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
// There is no per-request TimeoutHandler: SSE and blocking dequeue are
// long-lived, so deadlines live on the http.Server instead.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Consumer surface. Dequeue blocks up to its own wait timeout and the
	// event stream is long-lived, so neither sits behind TimeoutHandler.
	r.Group(func(cr chi.Router) {
		cr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		cr.Get("/queue/message", srv.DequeueHandler())
		cr.Post("/queue/message", srv.EnqueueHandler())
		cr.Post("/queue/batch", srv.EnqueueBatchHandler())
		cr.Post("/queue/ack", srv.AckHandler())
		cr.Post("/queue/message/{id}/nack", srv.NackHandler())
		cr.Put("/queue/message/{id}/touch", srv.TouchHandler())
	})
	r.Get("/queue/events", srv.EventsHandler())

	// Introspection and admin surface.
	r.Group(func(ar chi.Router) {
		ar.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		ar.Get("/queue/metrics", srv.QueueMetricsHandler())
		ar.Get("/queue/status", srv.StatusHandler())
		ar.Get("/queue/{queueType}/messages", srv.BrowseMessagesHandler())
		ar.Post("/queue/move", srv.MoveHandler())
		ar.Delete("/queue/message/{id}", srv.DeleteMessageHandler())
		ar.Delete("/queue/clear", srv.ClearAllHandler())
		ar.Delete("/queue/{queueType}/clear", srv.ClearByStatusHandler())

		ar.Get("/queue/activity", srv.ActivityHandler())
		ar.Get("/queue/activity/message/{id}", srv.MessageHistoryHandler())
		ar.Get("/queue/activity/anomalies", srv.AnomaliesHandler())
		ar.Get("/queue/activity/consumers", srv.ConsumerStatsHandler())

		ar.Post("/queues", srv.CreateQueueHandler())
		ar.Get("/queues", srv.ListQueuesHandler())
		ar.Get("/queues/{name}", srv.GetQueueHandler())
		ar.Put("/queues/{name}", srv.UpdateQueueHandler())
		ar.Delete("/queues/{name}", srv.DeleteQueueHandler())
		ar.Post("/queues/{name}/purge", srv.PurgeQueueHandler())
	})

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
