package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/resilience"
)

func testConfig() *config.Config {
	return &config.Config{
		CartesiaAPIKey:             "test-key",
		CartesiaModelID:            "sonic-english",
		CartesiaVoiceID:            "voice-1",
		TTSSampleRate:              24000,
		CircuitBreakerMaxFailures:  10,
		CircuitBreakerResetTimeout: 30,
		ReconnectMaxAttempts:       1,
		ReconnectBackoff:           1,
	}
}

func newTestHTTPClient(url string) *CartesiaClient {
	client := NewCartesiaClient(testConfig())
	client.apiURL = url
	return client
}

func TestCartesiaClient_Synthesize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("Expected API key header, got %q", r.Header.Get("X-API-Key"))
		}
		if r.Header.Get("Cartesia-Version") != cartesiaVersion {
			t.Errorf("Expected version header, got %q", r.Header.Get("Cartesia-Version"))
		}

		var req CartesiaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if req.Transcript != "Hello there." || req.OutputFormat.Encoding != "pcm_s16le" || req.OutputFormat.SampleRate != 24000 {
			t.Errorf("Unexpected request %+v", req)
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte{1, 2, 3, 4, 5})
		w.(http.Flusher).Flush()
		w.Write([]byte{6, 7, 8})
	}))
	defer server.Close()

	client := newTestHTTPClient(server.URL)

	var audio []byte
	err := client.Synthesize(context.Background(), "Hello there.", func(pcm []byte) error {
		if len(pcm)%2 != 0 {
			t.Errorf("Expected even-length chunk, got %d bytes", len(pcm))
		}
		audio = append(audio, pcm...)
		return nil
	})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if len(audio) != 8 {
		t.Errorf("Expected 8 bytes, got %d", len(audio))
	}
	if client.SampleRate() != 24000 {
		t.Errorf("Expected sample rate 24000, got %d", client.SampleRate())
	}
}

func TestCartesiaClient_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := newTestHTTPClient(server.URL).Synthesize(context.Background(), "Hi.", func([]byte) error { return nil })
	if !resilience.IsRetryable(err) {
		t.Errorf("Expected retryable error, got %v", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected APIError 503, got %v", err)
	}
}

func TestCartesiaClient_BadRequestIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad voice", http.StatusBadRequest)
	}))
	defer server.Close()

	err := newTestHTTPClient(server.URL).Synthesize(context.Background(), "Hi.", func([]byte) error { return nil })
	if resilience.IsRetryable(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Body != "bad voice" {
		t.Errorf("Expected APIError with body, got %v", err)
	}
}

func TestCartesiaClient_HandlerErrorStops(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer server.Close()

	stop := errors.New("stop")
	err := newTestHTTPClient(server.URL).Synthesize(context.Background(), "Hi.", func([]byte) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("Expected handler error, got %v", err)
	}
}

func TestCartesiaClient_EmptyText(t *testing.T) {
	client := newTestHTTPClient("http://127.0.0.1:0")
	if err := client.Synthesize(context.Background(), "  ", func([]byte) error { return nil }); !errors.Is(err, ErrEmptyText) {
		t.Errorf("Expected ErrEmptyText, got %v", err)
	}
}

func TestPCMAligner(t *testing.T) {
	var got [][]byte
	a := &pcmAligner{handler: func(pcm []byte) error {
		got = append(got, pcm)
		return nil
	}}

	a.write([]byte{1, 2, 3})
	a.write([]byte{4})
	a.write([]byte{5, 6})

	if len(got) != 3 {
		t.Fatalf("Expected 3 handler calls, got %d", len(got))
	}
	if len(got[0]) != 2 || len(got[1]) != 2 || got[1][0] != 3 || got[1][1] != 4 {
		t.Errorf("Expected odd byte carried over, got %v", got)
	}
}

func TestAPIError_Temporary(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{400, false},
		{401, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tt := range tests {
		if got := (&APIError{StatusCode: tt.status}).Temporary(); got != tt.want {
			t.Errorf("Temporary(%d): expected %v, got %v", tt.status, tt.want, got)
		}
	}
}
