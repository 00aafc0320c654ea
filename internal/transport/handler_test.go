package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/orchestrator"
	"github.com/lexiqai/voice-assistant/internal/persistence"
	"github.com/lexiqai/voice-assistant/internal/protocol"
	"github.com/lexiqai/voice-assistant/internal/session"
)

const testRate = 16000

type staticTranscriber string

func (s staticTranscriber) Transcribe(ctx context.Context, utt *audio.Utterance) (string, error) {
	return string(s), nil
}

type oneSentence string

func (s oneSentence) Respond(ctx context.Context, req orchestrator.Request, sink orchestrator.Sink) (*orchestrator.Reply, error) {
	if err := sink.Text(ctx, 0, string(s)); err != nil {
		return nil, err
	}
	if err := sink.Audio(ctx, orchestrator.AudioChunk{Ordinal: 0, Payload: []byte{1, 2, 3, 4}, Final: true}); err != nil {
		return nil, err
	}
	return &orchestrator.Reply{ID: req.ReplyID}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		AudioSampleRate:      testRate,
		AudioInEncoding:      "pcm16",
		AudioBufferMaxBytes:  64000,
		VADEnergyThreshold:   500,
		VADAggressiveness:    2,
		VADSpeechStartMs:     300,
		VADSilenceTimeoutMs:  700,
		VADMinUtteranceMs:    300,
		BargeInSpeechMs:      100,
		SessionInboxSize:     512,
		HistoryMaxMessages:   20,
		TranscribeTimeoutMs:  1000,
		PersistenceQueueSize: 16,
		AllowedOrigins:       "https://app.example.com",
	}
}

type testServer struct {
	*httptest.Server
	registry *session.Registry
	store    *persistence.InMemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := testConfig()
	registry := session.NewRegistry()
	store := persistence.NewInMemoryStore()
	handler := NewHandler(cfg, Dependencies{
		Transcriber: staticTranscriber("what time is it"),
		Responder:   oneSentence("It is noon."),
		Store:       store,
	}, registry)

	srv := httptest.NewServer(NewRouter(RouterConfig{Version: "test"}, handler, registry))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, registry: registry, store: store}
}

func (s *testServer) dial(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/v1/voice/ws"
	return websocket.DefaultDialer.Dial(url, header)
}

func pcmFrame(speech bool) string {
	samples := make([]int16, testRate/50)
	for i := range samples {
		if speech {
			samples[i] = int16(8000 * math.Sin(2*math.Pi*300*float64(i)/testRate))
		} else {
			samples[i] = int16(i%7) - 3
		}
	}
	return base64.StdEncoding.EncodeToString(audio.SamplesToPCM(samples))
}

type envelope struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id"`
	Kind            string `json:"kind"`
	Text            string `json:"text"`
	LastSentOrdinal int    `json:"last_sent_ordinal"`
}

func readEvent(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev envelope
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	return ev
}

func startSession(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": protocol.TypeStartSession, "user_id": "user-1"}); err != nil {
		t.Fatalf("Failed to send start-session: %v", err)
	}
	ev := readEvent(t, conn)
	if ev.Type != protocol.TypeSessionStarted || ev.SessionID == "" {
		t.Fatalf("Expected session-started, got %+v", ev)
	}
	return ev.SessionID
}

func TestHandler_VoiceTurn(t *testing.T) {
	srv := newTestServer(t)
	conn, _, err := srv.dial(t, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	sessionID := startSession(t, conn)

	speech, silence := pcmFrame(true), pcmFrame(false)
	for seq := 0; seq < 70; seq++ {
		payload := speech
		if seq >= 30 {
			payload = silence
		}
		msg := map[string]any{"type": protocol.TypeAudioFrame, "session_id": sessionID, "seq": seq, "payload": payload}
		if err := conn.WriteJSON(msg); err != nil {
			t.Fatalf("Failed to send audio-frame: %v", err)
		}
	}

	want := []string{
		protocol.TypeTranscript,
		protocol.TypeResponseText,
		protocol.TypeResponseAudio,
		protocol.TypeResponseComplete,
	}
	for _, typ := range want {
		ev := readEvent(t, conn)
		if ev.Type != typ {
			t.Fatalf("Expected %s, got %+v", typ, ev)
		}
		if ev.Type == protocol.TypeTranscript && ev.Text != "what time is it" {
			t.Errorf("Expected transcript text, got %q", ev.Text)
		}
	}

	if err := conn.WriteJSON(map[string]any{"type": protocol.TypeStopSession, "session_id": sessionID}); err != nil {
		t.Fatalf("Failed to send stop-session: %v", err)
	}

	end := waitEnded(t, srv.store, sessionID)
	if end.Reason != session.ReasonClientStop {
		t.Errorf("Expected client_stop end, got %+v", end)
	}
	if srv.registry.Count() != 0 {
		t.Errorf("Expected session unregistered after stop, got %d", srv.registry.Count())
	}

	turns := srv.store.Turns(sessionID)
	if len(turns) != 1 || turns[0].Reply != "It is noon." {
		t.Errorf("Expected one persisted turn, got %+v", turns)
	}
}

// waitEnded polls until the session-end record is flushed, which happens
// after the session is unregistered.
func waitEnded(t *testing.T, store *persistence.InMemoryStore, sessionID string) persistence.SessionEnd {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if end, ok := store.Ended(sessionID); ok {
			return end
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Session %s never ended", sessionID)
	return persistence.SessionEnd{}
}

func TestHandler_MalformedMessage(t *testing.T) {
	srv := newTestServer(t)
	conn, _, err := srv.dial(t, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	ev := readEvent(t, conn)
	if ev.Type != protocol.TypeError || ev.Kind != protocol.ErrorKindProtocol {
		t.Fatalf("Expected protocol error, got %+v", ev)
	}

	// the connection survives
	startSession(t, conn)

	odd := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	conn.WriteJSON(map[string]any{"type": protocol.TypeAudioFrame, "session_id": "someone-else", "seq": 0, "payload": odd})
	if ev := readEvent(t, conn); ev.Kind != protocol.ErrorKindProtocol {
		t.Errorf("Expected protocol error for unknown session, got %+v", ev)
	}
}

func TestHandler_OddLengthPayload(t *testing.T) {
	srv := newTestServer(t)
	conn, _, err := srv.dial(t, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	sessionID := startSession(t, conn)
	odd := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	conn.WriteJSON(map[string]any{"type": protocol.TypeAudioFrame, "session_id": sessionID, "seq": 0, "payload": odd})

	ev := readEvent(t, conn)
	if ev.Type != protocol.TypeError || ev.Kind != protocol.ErrorKindProtocol {
		t.Errorf("Expected protocol error, got %+v", ev)
	}
}

func TestHandler_OriginCheck(t *testing.T) {
	srv := newTestServer(t)

	_, resp, err := srv.dial(t, http.Header{"Origin": []string{"https://evil.example.com"}})
	if err == nil {
		t.Fatal("Expected handshake to fail for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %v", resp)
	}

	conn, _, err := srv.dial(t, http.Header{"Origin": []string{"https://app.example.com"}})
	if err != nil {
		t.Fatalf("Expected allowed origin to connect: %v", err)
	}
	conn.Close()
}

func TestHandler_DisconnectEndsSession(t *testing.T) {
	srv := newTestServer(t)
	conn, _, err := srv.dial(t, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	sessionID := startSession(t, conn)
	if srv.registry.Count() != 1 {
		t.Fatalf("Expected 1 live session, got %d", srv.registry.Count())
	}
	conn.Close()

	if end := waitEnded(t, srv.store, sessionID); end.Reason != session.ReasonDisconnect {
		t.Errorf("Expected disconnect end, got %+v", end)
	}
}

func TestRouter_Health(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", body["status"])
	}
}
