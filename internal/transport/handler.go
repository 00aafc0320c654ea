package transport

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/persistence"
	"github.com/lexiqai/voice-assistant/internal/session"
	"github.com/lexiqai/voice-assistant/internal/stt"
)

const (
	maxMessageBytes = 1 << 20
	readTimeout     = 60 * time.Second
)

// Dependencies are the collaborators shared by every connection.
type Dependencies struct {
	Transcriber stt.Transcriber
	Responder   session.Responder
	Store       persistence.Store
}

// Handler upgrades voice websocket requests and runs one session per
// connection.
type Handler struct {
	config   *config.Config
	sessions session.Config
	deps     Dependencies
	registry *session.Registry
	upgrader websocket.Upgrader
	writer   WriterConfig
	logger   zerolog.Logger
}

func NewHandler(cfg *config.Config, deps Dependencies, registry *session.Registry) *Handler {
	h := &Handler{
		config:   cfg,
		sessions: session.NewConfig(cfg),
		deps:     deps,
		registry: registry,
		writer: WriterConfig{
			QueueSize:    64,
			PingInterval: 20 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		logger: observability.GetLogger().With().Str("component", "transport").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.Origins()),
	}
	return h
}

// originChecker accepts configured origins, the server's own host, and
// clients that send no Origin header.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	correlationID := r.Header.Get("X-Request-ID")
	if correlationID == "" {
		correlationID = observability.NewCorrelationID()
	}
	logger := h.logger.With().Str("correlation_id", correlationID).Logger()
	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Voice connection established")

	c := newConnection(h, conn, logger)
	c.serve()

	logger.Info().Msg("Voice connection closed")
}
