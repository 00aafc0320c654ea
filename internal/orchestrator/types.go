package orchestrator

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/llm"
	"github.com/lexiqai/voice-assistant/internal/observability"
)

// ErrTokenTimeout is returned when the language model goes quiet for longer
// than the per-token timeout.
var ErrTokenTimeout = errors.New("orchestrator: language model token timeout")

var (
	// errPartialAudio marks a synthesis failure after some audio was already
	// queued for delivery; the attempt cannot be replayed without duplicates.
	errPartialAudio = errors.New("synthesis failed after partial audio")
	// errNoAudio marks a synthesis call that finished without any audio.
	errNoAudio = errors.New("synthesis produced no audio")
)

// UnitState is the lifecycle tag of one ResponseUnit.
type UnitState int

const (
	UnitPending UnitState = iota
	UnitSynthesizing
	UnitReady
	UnitSent
	UnitCancelled
	UnitFailed
)

func (s UnitState) String() string {
	switch s {
	case UnitPending:
		return "pending"
	case UnitSynthesizing:
		return "synthesizing"
	case UnitReady:
		return "ready"
	case UnitSent:
		return "sent"
	case UnitCancelled:
		return "cancelled"
	case UnitFailed:
		return "failed"
	}
	return "unknown"
}

// ResponseUnit is the final record of one sentence-sized piece of a reply.
type ResponseUnit struct {
	Ordinal int
	Text    string
	State   UnitState
	Chunks  int
	Err     error
}

// AudioChunk is one fixed-size piece of a unit's encoded audio.
type AudioChunk struct {
	Ordinal int
	Index   int
	Payload []byte
	Final   bool
}

// Sink receives a reply in delivery order: for each ordinal its text, then
// either its audio chunks (the last one Final) or a Skip.
type Sink interface {
	Text(ctx context.Context, ordinal int, text string) error
	Audio(ctx context.Context, chunk AudioChunk) error
	Skip(ctx context.Context, ordinal int, err error) error
}

// Request describes one reply to produce.
type Request struct {
	ReplyID    string
	SessionID  string
	UserID     string
	Transcript string
	History    []llm.Message

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Reply summarizes a finished or interrupted reply.
type Reply struct {
	ID    string
	Units []ResponseUnit
	// GenerationErr is set when the language model failed; units cut before
	// the failure are still delivered.
	GenerationErr error
}

// DeliveredText joins the text of every unit that reached the client.
func (r *Reply) DeliveredText() string {
	var out []byte
	for _, u := range r.Units {
		if u.State != UnitSent {
			continue
		}
		if len(out) > 0 {
			out = append(out, ' ')
		}
		out = append(out, u.Text...)
	}
	return string(out)
}
