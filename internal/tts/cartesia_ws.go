package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/resilience"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/tts/websocket"
	maxIdleConns    = 4
	wsReadLimitSize = 8 * 1024 * 1024
)

// ErrClientClosed is returned by Synthesize after Close.
var ErrClientClosed = errors.New("tts: client closed")

type cartesiaWSResponse struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	Done       bool   `json:"done"`
	StatusCode int    `json:"status_code,omitempty"`
	ContextID  string `json:"context_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CartesiaWSClient implements Synthesizer over Cartesia's streaming
// websocket API. Finished connections are pooled; a connection that saw a
// transport error or a cancelled request is discarded.
type CartesiaWSClient struct {
	config         *config.Config
	url            string
	reconnect      *resilience.ReconnectConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger

	mu     sync.Mutex
	idle   []*websocket.Conn
	closed bool
}

// NewCartesiaWSClient creates a websocket-backed Cartesia client.
func NewCartesiaWSClient(cfg *config.Config) *CartesiaWSClient {
	q := url.Values{}
	q.Set("api_key", cfg.CartesiaAPIKey)
	q.Set("cartesia_version", cartesiaVersion)
	return newCartesiaWSClient(cfg, cartesiaWSURL+"?"+q.Encode())
}

func newCartesiaWSClient(cfg *config.Config, endpoint string) *CartesiaWSClient {
	breaker := resilience.NewCircuitBreaker("cartesia_ws", cfg.CircuitBreakerMaxFailures, cfg.BreakerResetTimeout())
	breaker.OnStateChange = func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	}

	return &CartesiaWSClient{
		config: cfg,
		url:    endpoint,
		reconnect: &resilience.ReconnectConfig{
			MaxAttempts: max(cfg.ReconnectMaxAttempts, 1),
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  10 * time.Second,
		},
		circuitBreaker: breaker,
		logger:         observability.GetLogger().With().Str("component", "tts_cartesia_ws").Logger(),
	}
}

// SampleRate of the raw PCM requested from Cartesia.
func (c *CartesiaWSClient) SampleRate() int {
	return c.config.TTSSampleRate
}

// Synthesize streams audio for one text unit over a pooled connection.
func (c *CartesiaWSClient) Synthesize(ctx context.Context, text string, onAudio AudioHandler) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}

	err := c.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		return c.synthesize(ctx, text, onAudio)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		observability.IncrementCircuitBreakerFailures(c.circuitBreaker.Name())
	}
	return err
}

func (c *CartesiaWSClient) synthesize(ctx context.Context, text string, onAudio AudioHandler) error {
	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}

	contextID := uuid.NewString()
	req := newCartesiaRequest(c.config, text)
	req.ContextID = contextID

	if err := wsjson.Write(ctx, conn, req); err != nil {
		c.discard(conn, "failed to write request")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return resilience.NewRetryableError(fmt.Errorf("failed to send synthesis request: %w", err))
	}

	aligner := &pcmAligner{handler: onAudio}
	for {
		var msg cartesiaWSResponse
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			c.discard(conn, "failed to read")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return resilience.NewRetryableError(fmt.Errorf("failed to read from cartesia: %w", err))
		}

		// Leftovers from an abandoned request on a reused connection.
		if msg.ContextID != "" && msg.ContextID != contextID {
			continue
		}

		switch msg.Type {
		case "chunk":
			pcm, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				c.discard(conn, "bad chunk")
				return fmt.Errorf("invalid audio chunk from cartesia: %w", err)
			}
			if err := aligner.write(pcm); err != nil {
				c.discard(conn, "handler stopped")
				return err
			}
		case "done":
			c.release(conn)
			return nil
		case "error":
			c.release(conn)
			apiErr := &APIError{StatusCode: msg.StatusCode, Body: msg.Error}
			if apiErr.Temporary() {
				return resilience.NewRetryableError(apiErr)
			}
			return apiErr
		default:
			c.logger.Debug().Str("type", msg.Type).Msg("Ignoring cartesia message")
		}
	}
}

func (c *CartesiaWSClient) acquire(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if n := len(c.idle); n > 0 {
		conn := c.idle[n-1]
		c.idle = c.idle[:n-1]
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	var conn *websocket.Conn
	err := resilience.Reconnect(ctx, func(ctx context.Context) error {
		dialed, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			return err
		}
		conn = dialed
		return nil
	}, c.reconnect, c.logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, resilience.NewRetryableError(fmt.Errorf("failed to connect to cartesia: %w", err))
	}
	conn.SetReadLimit(wsReadLimitSize)
	return conn, nil
}

func (c *CartesiaWSClient) release(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed || len(c.idle) >= maxIdleConns {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	c.idle = append(c.idle, conn)
	c.mu.Unlock()
}

func (c *CartesiaWSClient) discard(conn *websocket.Conn, reason string) {
	conn.Close(websocket.StatusAbnormalClosure, reason)
}

// Close shuts down every pooled connection.
func (c *CartesiaWSClient) Close() error {
	c.mu.Lock()
	idle := c.idle
	c.idle = nil
	c.closed = true
	c.mu.Unlock()

	for _, conn := range idle {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}
