// Package httptransport assembles the HTTP routers: the public API and the
// ops listener (metrics, health).
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"explaind/internal/platform/metrics"
	"explaind/internal/platform/middleware"
	"explaind/internal/quota/handler"
)

// NewRouter wires the public API. Identity is required on every /v1 route;
// health stays open for load balancers.
func NewRouter(h *handler.Handler, logger *slog.Logger, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logging(logger, m))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Identity(logger))
		h.Register(r)
	})
	return r
}

// NewOpsRouter serves Prometheus metrics and health on the ops listener.
func NewOpsRouter(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := chi.NewRouter()
	r.Get("/healthz", handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
