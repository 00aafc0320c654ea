package llm

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/resilience"
)

// fakeBackend answers Generate with a scripted list of responses, or fails
// with failWith when set.
type fakeBackend struct {
	responses []map[string]any
	failWith  error
	requests  chan *structpb.Struct
}

func (b *fakeBackend) handle(srv any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	if method != GenerateMethod {
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}

	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	if b.requests != nil {
		b.requests <- req
	}
	if b.failWith != nil {
		return b.failWith
	}

	for _, r := range b.responses {
		msg, err := structpb.NewStruct(r)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

func startBackend(t *testing.T, backend *fakeBackend) *GRPCClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(backend.handle))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	cfg := &config.Config{
		LLMGRPCURL:                 "passthrough:///bufnet",
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
	}
	client, err := NewGRPCClient(cfg, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("NewGRPCClient failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func collect(t *testing.T, ch <-chan Delta) (string, error) {
	t.Helper()
	var text string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return text, nil
			}
			if d.Err != nil {
				return text, d.Err
			}
			text += d.Text
		case <-timeout:
			t.Fatal("Timed out waiting for stream")
		}
	}
}

func TestGRPCClient_Generate(t *testing.T) {
	backend := &fakeBackend{
		responses: []map[string]any{
			{"text": "Apple is up "},
			{"tool_call": map[string]any{"name": "stock_quote", "call_id": "c1"}},
			{"text": "two percent today."},
			{"done": true},
			{"text": "ignored after done"},
		},
		requests: make(chan *structpb.Struct, 1),
	}
	client := startBackend(t, backend)

	stream, err := client.Generate(context.Background(), Request{
		SessionID:    "s1",
		UserID:       "u1",
		SystemPrompt: "be brief",
		Messages: []Message{
			{Role: RoleUser, Content: "How is Apple doing?"},
		},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	text, err := collect(t, stream)
	if err != nil {
		t.Fatalf("Unexpected stream error: %v", err)
	}
	if text != "Apple is up two percent today." {
		t.Errorf("Expected concatenated text, got %q", text)
	}

	req := <-backend.requests
	fields := req.GetFields()
	if fields["session_id"].GetStringValue() != "s1" {
		t.Errorf("Expected session_id s1, got %v", fields["session_id"])
	}
	msgs := fields["messages"].GetListValue().GetValues()
	if len(msgs) != 1 || msgs[0].GetStructValue().GetFields()["role"].GetStringValue() != "user" {
		t.Errorf("Expected one user message, got %v", msgs)
	}
}

func TestGRPCClient_BackendError(t *testing.T) {
	client := startBackend(t, &fakeBackend{
		responses: []map[string]any{
			{"text": "Let me check. "},
			{"error": map[string]any{"code": "tool_failed", "message": "news api down"}},
		},
	})

	stream, _ := client.Generate(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "news?"}}})
	text, err := collect(t, stream)

	var be *BackendError
	if !errors.As(err, &be) || be.Code != "tool_failed" {
		t.Fatalf("Expected BackendError tool_failed, got %v", err)
	}
	if text != "Let me check. " {
		t.Errorf("Expected text before the error to be delivered, got %q", text)
	}
}

func TestGRPCClient_UnavailableIsRetryable(t *testing.T) {
	client := startBackend(t, &fakeBackend{failWith: status.Error(codes.Unavailable, "backend restarting")})

	stream, _ := client.Generate(context.Background(), Request{})
	_, err := collect(t, stream)

	if !resilience.IsRetryableNetworkError(err) {
		t.Errorf("Expected retryable error, got %v", err)
	}
}

func TestGRPCClient_InvalidArgumentIsPermanent(t *testing.T) {
	client := startBackend(t, &fakeBackend{failWith: status.Error(codes.InvalidArgument, "bad request")})

	stream, _ := client.Generate(context.Background(), Request{})
	_, err := collect(t, stream)

	if err == nil || resilience.IsRetryable(err) {
		t.Errorf("Expected non-retryable error, got %v", err)
	}
}

func TestGRPCClient_HealthCheck(t *testing.T) {
	client := startBackend(t, &fakeBackend{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := client.HealthCheck(ctx)
	if err != nil || !ok {
		t.Errorf("Expected serving backend, got ok=%v err=%v", ok, err)
	}
}

func TestGRPCClient_Closed(t *testing.T) {
	client := startBackend(t, &fakeBackend{})
	client.Close()

	if _, err := client.Generate(context.Background(), Request{}); err == nil {
		t.Error("Expected error from closed client")
	}
	if err := client.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
}
