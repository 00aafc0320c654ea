package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/protocol"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
	closed bool
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// types returns the event type of every text write.
func (f *fakeWSWriter) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, w := range f.writes {
		if w.messageType != websocket.TextMessage {
			continue
		}
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(w.data), &env)
		out = append(out, env.Type)
	}
	return out
}

func testWriter(ws wsWriter) *Writer {
	return NewWriter(ws, WriterConfig{QueueSize: 8, PingInterval: time.Hour, WriteTimeout: time.Second}, zerolog.Nop())
}

func TestWriter_PriorityBeatsNormal(t *testing.T) {
	ws := &fakeWSWriter{}
	w := testWriter(ws)
	ctx := context.Background()

	w.Emit(ctx, protocol.NewResponseText("s1", "r1", 0, "Hello."))
	w.EmitPriority(protocol.NewResponseStopped("s1", "r1", -1))

	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-w.Done()

	got := ws.types()
	if len(got) < 2 || got[0] != protocol.TypeResponseStopped || got[1] != protocol.TypeResponseText {
		t.Errorf("Expected response-stopped before response-text, got %v", got)
	}
}

func TestWriter_NoticesNeverEvictLifecycleEvents(t *testing.T) {
	ws := &fakeWSWriter{}
	w := testWriter(ws)

	if err := w.EmitPriority(protocol.NewResponseStopped("s1", "r1", 2)); err != nil {
		t.Fatalf("EmitPriority failed: %v", err)
	}
	dropped := 0
	for i := 0; i < 16; i++ {
		if err := w.EmitPriority(protocol.NewError("s1", protocol.ErrorKindProtocol, "bad message")); errors.Is(err, errBackpressure) {
			dropped++
		}
	}
	if dropped != 16-noticeQueueSize {
		t.Errorf("Expected %d notices dropped, got %d", 16-noticeQueueSize, dropped)
	}
	if err := w.EmitPriority(protocol.NewSessionStarted("s1")); err != nil {
		t.Errorf("Expected lifecycle event queued despite full notices, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-w.Done()

	got := ws.types()
	if len(got) != 2+noticeQueueSize {
		t.Fatalf("Expected %d writes, got %v", 2+noticeQueueSize, got)
	}
	if got[0] != protocol.TypeResponseStopped || got[1] != protocol.TypeSessionStarted {
		t.Errorf("Expected lifecycle events first, got %v", got[:2])
	}
}

func TestWriter_CutoffDropsLaterOrdinals(t *testing.T) {
	ws := &fakeWSWriter{}
	w := testWriter(ws)
	ctx := context.Background()

	w.Emit(ctx, protocol.NewResponseAudio("s1", "r1", 0, 0, []byte{1}, true))
	w.Emit(ctx, protocol.NewResponseText("s1", "r1", 1, "Second."))
	w.Emit(ctx, protocol.NewResponseAudio("s1", "r1", 1, 0, []byte{2}, false))
	w.Cutoff("r1", 0)
	w.Emit(ctx, protocol.NewResponseAudio("s1", "r1", 2, 0, []byte{3}, false))
	w.Emit(ctx, protocol.NewResponseText("s1", "r2", 0, "Next reply."))

	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-w.Done()

	got := ws.types()
	want := []string{protocol.TypeResponseAudio, protocol.TypeResponseText}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	var second protocol.ResponseText
	json.Unmarshal([]byte(ws.writes[1].data), &second)
	if second.ReplyID != "r2" {
		t.Errorf("Expected only the next reply's text to pass, got reply %q", second.ReplyID)
	}
	if !ws.closed {
		t.Error("Expected websocket closed on shutdown")
	}
}

func TestWriter_EmitBlocksUntilContextDone(t *testing.T) {
	w := NewWriter(&fakeWSWriter{}, WriterConfig{QueueSize: 1, PingInterval: time.Hour}, zerolog.Nop())

	if err := w.Emit(context.Background(), protocol.NewResponseComplete("s1", "r1")); err != nil {
		t.Fatalf("First emit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Emit(ctx, protocol.NewResponseComplete("s1", "r2")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded on a full queue, got %v", err)
	}
}
