package session

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/orchestrator"
	"github.com/lexiqai/voice-assistant/internal/persistence"
	"github.com/lexiqai/voice-assistant/internal/protocol"
)

const testRate = 16000

// speechFrame is 20ms of a 300Hz tone, well above the energy gate.
func speechFrame(seq int64) audio.AudioFrame {
	samples := make([]int16, testRate/50)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*300*float64(i)/testRate))
	}
	return audio.NewFrame(seq, samples, testRate, time.Now())
}

// silenceFrame is 20ms of low-level hiss below the energy gate.
func silenceFrame(seq int64) audio.AudioFrame {
	samples := make([]int16, testRate/50)
	for i := range samples {
		samples[i] = int16(i%7) - 3
	}
	return audio.NewFrame(seq, samples, testRate, time.Now())
}

func testSegmenterConfig() audio.SegmenterConfig {
	return audio.SegmenterConfig{
		EnergyThreshold: 500,
		Aggressiveness:  2,
		SpeechStart:     300 * time.Millisecond,
		SilenceTimeout:  700 * time.Millisecond,
		MinUtterance:    300 * time.Millisecond,
	}
}

type cutoff struct {
	replyID  string
	lastSent int
}

type fakeEmitter struct {
	mu      sync.Mutex
	events  []protocol.ServerEvent
	cutoffs []cutoff
	onEmit  func(protocol.ServerEvent)
}

func (e *fakeEmitter) Emit(ctx context.Context, ev protocol.ServerEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	e.events = append(e.events, ev)
	hook := e.onEmit
	e.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
	return nil
}

// OnEmit installs a hook run after each queued event.
func (e *fakeEmitter) OnEmit(fn func(protocol.ServerEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEmit = fn
}

func (e *fakeEmitter) EmitPriority(ev protocol.ServerEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *fakeEmitter) Cutoff(replyID string, lastSent int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cutoffs = append(e.cutoffs, cutoff{replyID: replyID, lastSent: lastSent})
}

func (e *fakeEmitter) Events() []protocol.ServerEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.ServerEvent(nil), e.events...)
}

func (e *fakeEmitter) Types() []string {
	var out []string
	for _, ev := range e.Events() {
		out = append(out, ev.EventType())
	}
	return out
}

func (e *fakeEmitter) Count(eventType string) int {
	n := 0
	for _, ev := range e.Events() {
		if ev.EventType() == eventType {
			n++
		}
	}
	return n
}

type fakeTranscriber struct {
	mu         sync.Mutex
	texts      []string
	err        error
	utterances []*audio.Utterance
	// wait, when set, runs before call i returns its text.
	wait func(ctx context.Context, i int) error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, utt *audio.Utterance) (string, error) {
	f.mu.Lock()
	f.utterances = append(f.utterances, utt)
	i := len(f.utterances) - 1
	text, err, wait := "", f.err, f.wait
	if i < len(f.texts) {
		text = f.texts[i]
	}
	f.mu.Unlock()

	if wait != nil {
		if werr := wait(ctx, i); werr != nil {
			return "", werr
		}
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

func (f *fakeTranscriber) Utterances() []*audio.Utterance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*audio.Utterance(nil), f.utterances...)
}

type responderFunc func(ctx context.Context, req orchestrator.Request, sink orchestrator.Sink) (*orchestrator.Reply, error)

func (f responderFunc) Respond(ctx context.Context, req orchestrator.Request, sink orchestrator.Sink) (*orchestrator.Reply, error) {
	return f(ctx, req, sink)
}

type fakeRecorder struct {
	mu      sync.Mutex
	started []persistence.SessionRecord
	turns   []persistence.TurnRecord
	ended   []persistence.SessionEnd
}

func (r *fakeRecorder) SessionStarted(rec persistence.SessionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, rec)
}

func (r *fakeRecorder) TurnCompleted(rec persistence.TurnRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, rec)
}

func (r *fakeRecorder) SessionEnded(rec persistence.SessionEnd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, rec)
}

func (r *fakeRecorder) Turns() []persistence.TurnRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]persistence.TurnRecord(nil), r.turns...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
