package api

import (
	"jobmonitor/internal/health"
	"jobmonitor/internal/observability"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Monitor       Monitor
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Monitor, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Session endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("GET /v1/session", authMiddleware(http.HandlerFunc(handler.GetSession)))
	mux.Handle("GET /v1/session/logs", authMiddleware(http.HandlerFunc(handler.GetLogs)))
	mux.Handle("GET /v1/session/watch", authMiddleware(http.HandlerFunc(handler.Watch)))
	mux.Handle("POST /v1/jobs", authMiddleware(http.HandlerFunc(handler.CreateJob)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
