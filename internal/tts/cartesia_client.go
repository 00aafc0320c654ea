package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/resilience"
)

const (
	cartesiaBytesURL = "https://api.cartesia.ai/tts/bytes"
	cartesiaVersion  = "2024-06-10"
	readChunkSize    = 4096
)

// CartesiaRequest represents the request payload for Cartesia TTS API
type CartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        CartesiaVoice        `json:"voice"`
	OutputFormat CartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
	ContextID    string               `json:"context_id,omitempty"`
	Continue     bool                 `json:"continue,omitempty"`
}

type CartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type CartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// CartesiaClient implements Synthesizer over Cartesia's HTTP bytes
// endpoint, forwarding the response body as it streams in.
type CartesiaClient struct {
	config         *config.Config
	apiKey         string
	apiURL         string
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg *config.Config) *CartesiaClient {
	breaker := resilience.NewCircuitBreaker("cartesia", cfg.CircuitBreakerMaxFailures, cfg.BreakerResetTimeout())
	breaker.OnStateChange = func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	}

	return &CartesiaClient{
		config:         cfg,
		apiKey:         cfg.CartesiaAPIKey,
		apiURL:         cartesiaBytesURL,
		httpClient:     &http.Client{},
		circuitBreaker: breaker,
		logger:         observability.GetLogger().With().Str("component", "tts_cartesia").Logger(),
	}
}

// SampleRate of the raw PCM requested from Cartesia.
func (c *CartesiaClient) SampleRate() int {
	return c.config.TTSSampleRate
}

// Synthesize converts text to audio and streams it
func (c *CartesiaClient) Synthesize(ctx context.Context, text string, onAudio AudioHandler) error {
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

func (c *CartesiaClient) synthesize(ctx context.Context, text string, onAudio AudioHandler) error {
	jsonData, err := json.Marshal(newCartesiaRequest(c.config, text))
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return resilience.NewRetryableError(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if apiErr.Temporary() {
			return resilience.NewRetryableError(apiErr)
		}
		return apiErr
	}

	aligner := &pcmAligner{handler: onAudio}
	buf := make([]byte, readChunkSize)
	total := 0
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			total += n
			if err := aligner.write(buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return resilience.NewRetryableError(fmt.Errorf("error reading Cartesia audio response: %w", readErr))
		}
	}

	if total == 0 {
		c.logger.Warn().Str("text", text).Msg("Cartesia returned empty audio data")
	}
	return nil
}

func newCartesiaRequest(cfg *config.Config, text string) CartesiaRequest {
	return CartesiaRequest{
		ModelID:    cfg.CartesiaModelID,
		Transcript: text,
		Voice:      CartesiaVoice{Mode: "id", ID: cfg.CartesiaVoiceID},
		OutputFormat: CartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cfg.TTSSampleRate,
		},
	}
}
