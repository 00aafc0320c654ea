package llm

import (
	"context"
	"fmt"
	"iter"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/resilience"
)

// GeminiClient streams replies from the Gemini API.
type GeminiClient struct {
	client         *genai.Client
	model          string
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewGeminiClient creates a Gemini-backed generator.
func NewGeminiClient(ctx context.Context, cfg *config.Config) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	breaker := resilience.NewCircuitBreaker("gemini", cfg.CircuitBreakerMaxFailures, cfg.BreakerResetTimeout())
	breaker.OnStateChange = func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	}

	return &GeminiClient{
		client:         client,
		model:          cfg.GeminiModel,
		circuitBreaker: breaker,
		logger:         observability.GetLogger().With().Str("component", "llm_gemini").Logger(),
	}, nil
}

// Generate streams the model's reply for the conversation.
func (g *GeminiClient) Generate(ctx context.Context, req Request) (<-chan Delta, error) {
	var cfg *genai.GenerateContentConfig
	if req.SystemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(req.SystemPrompt, genai.RoleUser),
		}
	}

	out := make(chan Delta, 32)
	go func() {
		defer close(out)

		err := g.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
			seq := g.client.Models.GenerateContentStream(ctx, g.model, toContents(req.Messages), cfg)
			return forwardStream(ctx, seq, out)
		})
		if err != nil && ctx.Err() == nil {
			g.logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("Gemini stream failed")
			select {
			case out <- Delta{Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

// forwardStream copies response text from a Gemini stream to out.
func forwardStream(ctx context.Context, seq iter.Seq2[*genai.GenerateContentResponse, error], out chan<- Delta) error {
	for resp, err := range seq {
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		text := resp.Text()
		if text == "" {
			continue
		}
		select {
		case out <- Delta{Text: text}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func toContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	return contents
}
