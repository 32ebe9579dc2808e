package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// RouteOption configures optional route behavior.
type RouteOption func(*routes)

type routes struct {
	router    *mux.Router
	stats     http.Handler
	audit     http.Handler
	features  http.Handler
	gatherer  prometheus.Gatherer
	dashboard bool
}

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(rt *routes) {
		rt.router.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" && r.URL.Path != "/metrics"
			}),
		))
	}
}

// WithMiddleware adds mw to every route, e.g. middleware.RequestID or
// middleware.Blocklist.
func WithMiddleware(mw ...mux.MiddlewareFunc) RouteOption {
	return func(rt *routes) {
		rt.router.Use(mw...)
	}
}

// WithStats mounts GET /v1/stats.
func WithStats(provider MetricsProvider, buckets func() int) RouteOption {
	return func(rt *routes) {
		rt.stats = NewStatsHandler(provider, buckets)
	}
}

// WithDashboard mounts GET /dashboard. It needs WithStats to show anything.
func WithDashboard() RouteOption {
	return func(rt *routes) {
		rt.dashboard = true
	}
}

// WithAuditLog mounts GET /v1/audit.
func WithAuditLog(reader AuditReader) RouteOption {
	return func(rt *routes) {
		rt.audit = NewAuditHandler(reader)
	}
}

// WithFeatures mounts POST /v1/features/use.
func WithFeatures(h *FeatureHandler) RouteOption {
	return func(rt *routes) {
		rt.features = h
	}
}

// WithPrometheus mounts GET /metrics for g.
func WithPrometheus(g prometheus.Gatherer) RouteOption {
	return func(rt *routes) {
		rt.gatherer = g
	}
}

// NewRouter configures the HTTP routes for the decision service.
func NewRouter(h *Handler, opts ...RouteOption) *mux.Router {
	rt := &routes{router: mux.NewRouter()}
	for _, opt := range opts {
		opt(rt)
	}
	router := rt.router

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/admit", h.Admit).Methods(http.MethodPost)
	v1.HandleFunc("/auth/check", h.AuthCheck).Methods(http.MethodPost)
	v1.HandleFunc("/auth/attempts", h.RecordAttempt).Methods(http.MethodPost)
	v1.HandleFunc("/cooldown", h.Cooldown).Methods(http.MethodPost)
	if rt.features != nil {
		v1.Handle("/features/use", rt.features).Methods(http.MethodPost)
	}
	if rt.stats != nil {
		v1.Handle("/stats", rt.stats).Methods(http.MethodGet)
	}
	if rt.audit != nil {
		v1.Handle("/audit", rt.audit).Methods(http.MethodGet)
	}

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	if rt.dashboard {
		router.HandleFunc("/dashboard", DashboardHandler).Methods(http.MethodGet)
	}
	if rt.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "No such endpoint")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})

	return router
}
