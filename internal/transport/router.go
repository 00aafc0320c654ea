package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/session"
)

// RouterConfig selects the optional routes.
type RouterConfig struct {
	Version        string
	MetricsEnabled bool
	Checks         map[string]observability.HealthCheckFunc
}

// NewRouter mounts the voice websocket and the operational endpoints.
func NewRouter(cfg RouterConfig, voice http.Handler, registry *session.Registry) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", observability.HealthCheckHandler(cfg.Version, registry.Count))
	r.Get("/ready", observability.ReadinessHandler(cfg.Version, cfg.Checks))
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/v1/voice/ws", voice.ServeHTTP)

	return r
}
