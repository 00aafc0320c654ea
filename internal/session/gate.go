package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lexiqai/voice-assistant/internal/orchestrator"
	"github.com/lexiqai/voice-assistant/internal/protocol"
)

var errReplyStopped = errors.New("session: reply stopped")

// replyGate is the orchestrator's sink for one reply. Every event goes out
// under the gate lock, so once Close returns nothing more is emitted for the
// reply and the reported last sent ordinal is exact.
type replyGate struct {
	sessionID string
	replyID   string
	emitter   Emitter

	mu         sync.Mutex
	closed     bool
	completed  bool
	lastSent   int
	sent       int
	skipped    int
	transcript string
	texts      map[int]string
	delivered  []string
}

func newReplyGate(sessionID, replyID string, emitter Emitter) *replyGate {
	return &replyGate{
		sessionID: sessionID,
		replyID:   replyID,
		emitter:   emitter,
		lastSent:  -1,
		texts:     make(map[int]string),
	}
}

// gateSummary is what a reply left behind when its gate closed.
type gateSummary struct {
	LastSent   int
	Sent       int
	Skipped    int
	Completed  bool
	Transcript string
	Delivered  string
}

// Transcript emits the user's transcript ahead of the reply.
func (g *replyGate) Transcript(ctx context.Context, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errReplyStopped
	}
	g.transcript = text
	return g.emitter.Emit(ctx, protocol.NewTranscript(g.sessionID, g.replyID, text))
}

func (g *replyGate) Text(ctx context.Context, ordinal int, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errReplyStopped
	}
	g.texts[ordinal] = text
	return g.emitter.Emit(ctx, protocol.NewResponseText(g.sessionID, g.replyID, ordinal, text))
}

func (g *replyGate) Audio(ctx context.Context, chunk orchestrator.AudioChunk) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errReplyStopped
	}

	ev := protocol.NewResponseAudio(g.sessionID, g.replyID, chunk.Ordinal, chunk.Index, chunk.Payload, chunk.Final)
	if err := g.emitter.Emit(ctx, ev); err != nil {
		return err
	}
	if chunk.Final {
		g.advance(chunk.Ordinal)
		g.sent++
		g.delivered = append(g.delivered, g.texts[chunk.Ordinal])
	}
	return nil
}

func (g *replyGate) Skip(ctx context.Context, ordinal int, err error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errReplyStopped
	}

	msg := fmt.Sprintf("response unit %d skipped: %v", ordinal, err)
	if err := g.emitter.Emit(ctx, protocol.NewError(g.sessionID, protocol.ErrorKindSynthesis, msg)); err != nil {
		return err
	}
	g.advance(ordinal)
	g.skipped++
	return nil
}

// Error surfaces a failure of the reply task to the client.
func (g *replyGate) Error(ctx context.Context, kind, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errReplyStopped
	}
	return g.emitter.Emit(ctx, protocol.NewError(g.sessionID, kind, message))
}

// Complete ends the reply with response-complete, preceded by a generation
// error when the language model failed part way. The gate is closed after.
func (g *replyGate) Complete(ctx context.Context, genErr error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errReplyStopped
	}

	if genErr != nil {
		msg := fmt.Sprintf("reply generation stopped: %v", genErr)
		if err := g.emitter.Emit(ctx, protocol.NewError(g.sessionID, protocol.ErrorKindGeneration, msg)); err != nil {
			return err
		}
	}
	if err := g.emitter.Emit(ctx, protocol.NewResponseComplete(g.sessionID, g.replyID)); err != nil {
		return err
	}
	g.completed = true
	g.closed = true
	return nil
}

func (g *replyGate) advance(ordinal int) {
	if ordinal > g.lastSent {
		g.lastSent = ordinal
	}
}

// Close stops the gate. It waits for an in-flight emit, so callers cancel
// the reply context first.
func (g *replyGate) Close() gateSummary {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return g.summary()
}

func (g *replyGate) summary() gateSummary {
	return gateSummary{
		LastSent:   g.lastSent,
		Sent:       g.sent,
		Skipped:    g.skipped,
		Completed:  g.completed,
		Transcript: g.transcript,
		Delivered:  strings.Join(g.delivered, " "),
	}
}
