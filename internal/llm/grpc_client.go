package llm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/resilience"
)

// GenerateMethod is the server-streaming RPC exposed by the language-model
// backend. Request and response messages are google.protobuf.Struct.
//
// Request:  {session_id, user_id, system_prompt, messages: [{role, content}]}
// Response: {text} | {tool_call: {name, call_id}} | {error: {code, message}} | {done: true}
const GenerateMethod = "/assistant.v1.LanguageModel/Generate"

var generateDesc = &grpc.StreamDesc{
	StreamName:    "Generate",
	ServerStreams: true,
}

// BackendError is an error reported in-band by the backend.
type BackendError struct {
	Code    string
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("language model error %s: %s", e.Code, e.Message)
}

// GRPCClient streams replies from the language-model backend over gRPC.
type GRPCClient struct {
	config         *config.Config
	conn           *grpc.ClientConn
	mu             sync.RWMutex
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewGRPCClient creates the client. The connection is established lazily on
// the first call; extra options are appended to the defaults.
func NewGRPCClient(cfg *config.Config, extra ...grpc.DialOption) (*GRPCClient, error) {
	var opts []grpc.DialOption

	if cfg.LLMTLSEnabled {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.LLMGRPCURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create language model client for %s: %w", cfg.LLMGRPCURL, err)
	}

	breaker := resilience.NewCircuitBreaker("language_model", cfg.CircuitBreakerMaxFailures, cfg.BreakerResetTimeout())
	breaker.OnStateChange = func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	}

	return &GRPCClient{
		config:         cfg,
		conn:           conn,
		circuitBreaker: breaker,
		logger:         observability.GetLogger().With().Str("component", "llm_grpc").Logger(),
	}, nil
}

// Generate opens the stream and forwards text increments. Transport errors
// that are worth retrying are wrapped in resilience.RetryableError.
func (c *GRPCClient) Generate(ctx context.Context, req Request) (<-chan Delta, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("language model client is closed")
	}

	payload, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	out := make(chan Delta, 32)
	go func() {
		defer close(out)

		err := c.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
			return c.stream(ctx, conn, payload, out)
		})
		if err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				observability.IncrementCircuitBreakerFailures(c.circuitBreaker.Name())
			}
			select {
			case out <- Delta{Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

func (c *GRPCClient) stream(ctx context.Context, conn *grpc.ClientConn, payload *structpb.Struct, out chan<- Delta) error {
	stream, err := conn.NewStream(ctx, generateDesc, GenerateMethod)
	if err != nil {
		return classifyRPCError(err)
	}
	if err := stream.SendMsg(payload); err != nil {
		return classifyRPCError(err)
	}
	if err := stream.CloseSend(); err != nil {
		return classifyRPCError(err)
	}

	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return classifyRPCError(err)
		}

		fields := msg.GetFields()
		if v, ok := fields["error"]; ok {
			e := v.GetStructValue().GetFields()
			return &BackendError{
				Code:    e["code"].GetStringValue(),
				Message: e["message"].GetStringValue(),
			}
		}
		if v, ok := fields["tool_call"]; ok {
			tc := v.GetStructValue().GetFields()
			c.logger.Info().
				Str("tool_name", tc["name"].GetStringValue()).
				Str("call_id", tc["call_id"].GetStringValue()).
				Msg("Language model tool call")
		}
		if text := fields["text"].GetStringValue(); text != "" {
			select {
			case out <- Delta{Text: text}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if fields["done"].GetBoolValue() {
			return nil
		}
	}
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	messages := make([]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		})
	}
	payload, err := structpb.NewStruct(map[string]any{
		"session_id":    req.SessionID,
		"user_id":       req.UserID,
		"system_prompt": req.SystemPrompt,
		"messages":      messages,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode generate request: %w", err)
	}
	return payload, nil
}

// classifyRPCError marks transient gRPC failures as retryable.
func classifyRPCError(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return resilience.NewRetryableError(err)
	case codes.Canceled:
		return context.Canceled
	}
	return err
}

// HealthCheck queries the standard gRPC health service.
func (c *GRPCClient) HealthCheck(ctx context.Context) (bool, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return false, fmt.Errorf("language model client is closed")
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
