package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
	"github.com/shehryarbajwa/rentrig/internal/metrics"
	"github.com/shehryarbajwa/rentrig/internal/ratelimit"
)

// HealthCheck reports whether a backing service is reachable
type HealthCheck func(ctx context.Context) error

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(limiter *ratelimit.Limiter, m *metrics.Metrics, gatherer prometheus.Gatherer, health HealthCheck) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(loggingMiddleware(h.logger))

	r.HandleFunc("/healthz", h.healthz(health)).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()
	api.Use(h.ActorMiddleware)

	// Static paths first so {id} does not swallow them
	api.HandleFunc("/sessions", h.CreateSession).Methods("POST", "OPTIONS")
	api.HandleFunc("/sessions/renter", h.ListRenterSessions).Methods("GET")
	api.HandleFunc("/sessions/owner", h.ListOwnerSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/status", h.UpdateStatus).Methods("PUT", "OPTIONS")
	api.HandleFunc("/sessions/{id}/result", h.GetResult).Methods("GET")
	api.HandleFunc("/sessions/{id}/output/ws", h.StreamOutput).Methods("GET")
	api.HandleFunc("/sessions/{id}/workspace", h.DownloadWorkspace).Methods("GET")

	// Uploads start containers, so they are rate limited per caller
	rateLimited := h.RateLimitMiddleware(limiter, m)
	api.Handle("/sessions/{id}/upload", rateLimited(http.HandlerFunc(h.UploadCode))).Methods("POST", "OPTIONS")

	api.HandleFunc("/devices", h.CreateDevice).Methods("POST", "OPTIONS")
	api.HandleFunc("/devices/{id}", h.GetDevice).Methods("GET")

	return r
}

func (h *Handler) healthz(check HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				h.writeError(w, r, apperr.New(apperr.CodeUnavailable, "api.healthz", "container engine unreachable", err))
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
