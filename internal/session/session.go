package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/llm"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/orchestrator"
	"github.com/lexiqai/voice-assistant/internal/persistence"
	"github.com/lexiqai/voice-assistant/internal/protocol"
	"github.com/lexiqai/voice-assistant/internal/stt"
)

var (
	// ErrInboxFull is returned by Submit when the worker is behind.
	ErrInboxFull = errors.New("session: inbox full")
	// ErrSessionClosed is returned by Submit after the worker has exited.
	ErrSessionClosed = errors.New("session: closed")
)

// End reasons reported to metrics and persistence.
const (
	ReasonClientStop  = "client_stop"
	ReasonDisconnect  = "disconnect"
	ReasonIdleTimeout = "idle_timeout"
	ReasonShutdown    = "shutdown"
)

// Emitter delivers server events to the client. Emit blocks until the event
// is queued or ctx ends. EmitPriority never blocks. Cutoff discards queued
// text and audio of a reply past the given ordinal.
type Emitter interface {
	Emit(ctx context.Context, ev protocol.ServerEvent) error
	EmitPriority(ev protocol.ServerEvent) error
	Cutoff(replyID string, lastSent int)
}

// Responder produces and delivers one reply.
type Responder interface {
	Respond(ctx context.Context, req orchestrator.Request, sink orchestrator.Sink) (*orchestrator.Reply, error)
}

// Recorder receives fire-and-forget persistence notifications.
type Recorder interface {
	SessionStarted(rec persistence.SessionRecord)
	TurnCompleted(rec persistence.TurnRecord)
	SessionEnded(rec persistence.SessionEnd)
}

type Dependencies struct {
	Transcriber stt.Transcriber
	Responder   Responder
	Recorder    Recorder
}

// Config holds the per-session tuning.
type Config struct {
	Segmenter          audio.SegmenterConfig
	BargeInSpeech      time.Duration
	BufferMaxBytes     int
	InboxSize          int
	HistoryMaxMessages int
	TranscribeTimeout  time.Duration
	IdleTimeout        time.Duration
}

// NewConfig derives session tuning from the service configuration.
func NewConfig(cfg *config.Config) Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Config{
		Segmenter: audio.SegmenterConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			Aggressiveness:  cfg.VADAggressiveness,
			SpeechStart:     ms(cfg.VADSpeechStartMs),
			SilenceTimeout:  ms(cfg.VADSilenceTimeoutMs),
			MinUtterance:    ms(cfg.VADMinUtteranceMs),
			MaxUtterance:    ms(cfg.VADMaxUtteranceMs),
		},
		BargeInSpeech:      ms(cfg.BargeInSpeechMs),
		BufferMaxBytes:     cfg.AudioBufferMaxBytes,
		InboxSize:          cfg.SessionInboxSize,
		HistoryMaxMessages: cfg.HistoryMaxMessages,
		TranscribeTimeout:  cfg.TranscribeTimeout(),
		IdleTimeout:        cfg.IdleTimeout(),
	}
}

// Snapshot is a read-only view of a session for metrics and health.
type Snapshot struct {
	ID            string
	UserID        string
	State         State
	ActiveReply   string
	Turns         int
	Buffer        audio.BufferStats
	CreatedAt     time.Time
	LastActivity  time.Time
	Interruptions int
	// LastInterruption is the most recent barge-in, nil when none occurred.
	LastInterruption *InterruptionEvent
}

type input struct {
	frame     audio.AudioFrame
	hasFrame  bool
	endOfTurn bool
}

type taskEventKind int

const (
	eventTranscribed taskEventKind = iota
	eventNoSpeech
	eventTranscriptionFailed
	eventReplyDone
)

type taskEvent struct {
	kind    taskEventKind
	replyID string
	err     error
}

type replyTask struct {
	id      string
	cancel  context.CancelFunc
	gate    *replyGate
	started time.Time
}

// Session is one live voice conversation. A single worker goroutine (Run)
// owns the frame buffer, segmenter, state machine and history. The transport
// only submits frames to the bounded inbox and reads snapshots.
type Session struct {
	id        string
	userID    string
	config    Config
	deps      Dependencies
	emitter   Emitter
	logger    zerolog.Logger
	metrics   *observability.Metrics
	createdAt time.Time

	inbox    chan input
	events   chan taskEvent
	stop     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	reason   atomic.Value

	snapshot atomic.Pointer[Snapshot]
	tasks    sync.WaitGroup

	// worker-owned
	buffer        *audio.FrameBuffer
	segmenter     *audio.Segmenter
	barge         *InterruptionController
	machine       *StateMachine
	task          *replyTask
	history       []llm.Message
	turns         int
	interruptions int
	lastActivity  time.Time
	lastStop      *InterruptionEvent
}

// New creates a session. Run must be called to start its worker.
func New(userID string, cfg Config, deps Dependencies, emitter Emitter) *Session {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}

	id := uuid.NewString()
	now := time.Now()
	s := &Session{
		id:           id,
		userID:       userID,
		config:       cfg,
		deps:         deps,
		emitter:      emitter,
		logger:       observability.SessionLogger(id, userID),
		metrics:      observability.NewSessionMetrics(id),
		createdAt:    now,
		inbox:        make(chan input, cfg.InboxSize),
		events:       make(chan taskEvent, 8),
		stop:         make(chan struct{}),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		buffer:       audio.NewFrameBuffer(cfg.BufferMaxBytes),
		segmenter:    audio.NewSegmenter(cfg.Segmenter),
		barge:        NewInterruptionController(cfg.Segmenter, cfg.BargeInSpeech),
		lastActivity: now,
	}
	s.machine = NewStateMachine(func(from, to State) {
		s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Session state changed")
	})
	s.publish()
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) UserID() string {
	return s.userID
}

// Done is closed when the worker has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns the state published by the worker after its last step.
func (s *Session) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// Submit queues one inbound frame without blocking. A frame with no samples
// only carries the end-of-turn flag.
func (s *Session) Submit(frame audio.AudioFrame, endOfTurn bool) error {
	select {
	case <-s.quit:
		return ErrSessionClosed
	default:
	}

	in := input{frame: frame, hasFrame: len(frame.Samples) > 0, endOfTurn: endOfTurn}
	select {
	case s.inbox <- in:
		return nil
	default:
		s.metrics.RecordFrameDropped("overload")
		return ErrInboxFull
	}
}

// Stop asks the worker to end the session. Only the first reason counts.
func (s *Session) Stop(reason string) {
	s.stopOnce.Do(func() {
		s.reason.Store(reason)
		close(s.stop)
	})
}

// Run is the session worker. It returns when the session is stopped, idle
// past its timeout, or ctx is cancelled, after every reply task has ended.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)

	s.logger.Info().Msg("Voice session started")
	s.metrics.RecordSessionStart()
	s.deps.Recorder.SessionStarted(persistence.SessionRecord{
		SessionID: s.id,
		UserID:    s.userID,
		StartedAt: s.createdAt,
	})
	if err := s.emitter.EmitPriority(protocol.NewSessionStarted(s.id)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send session-started")
	}
	s.transition(StateListening)

	reason := s.loop(ctx)
	s.shutdown(reason)
}

func (s *Session) loop(ctx context.Context) string {
	var idle <-chan time.Time
	var timer *time.Timer
	if s.config.IdleTimeout > 0 {
		timer = time.NewTimer(s.config.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown
		case <-s.stop:
			reason, _ := s.reason.Load().(string)
			return reason
		case <-idle:
			s.logger.Info().Dur("idle_timeout", s.config.IdleTimeout).Msg("Session idle, closing")
			return ReasonIdleTimeout
		case in := <-s.inbox:
			s.lastActivity = time.Now()
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.config.IdleTimeout)
			}
			s.handleInputs(ctx, in)
		case ev := <-s.events:
			s.handleTaskEvent(ev)
		}
		s.publish()
	}
}

// handleInputs appends the received input and everything else already
// waiting in the inbox, then classifies the buffered frames.
func (s *Session) handleInputs(ctx context.Context, first input) {
	s.accept(ctx, first)
	for {
		select {
		case in := <-s.inbox:
			s.accept(ctx, in)
		default:
			s.process(ctx)
			return
		}
	}
}

func (s *Session) accept(ctx context.Context, in input) {
	if in.hasFrame {
		evicted, err := s.buffer.Append(in.frame)
		switch {
		case errors.Is(err, audio.ErrDuplicateFrame):
			s.metrics.RecordFrameDropped("duplicate")
			s.logger.Warn().Int64("seq", in.frame.Seq).Msg("Dropping duplicate audio frame")
		case errors.Is(err, audio.ErrOutOfOrderFrame):
			s.metrics.RecordFrameDropped("out_of_order")
			s.logger.Warn().Int64("seq", in.frame.Seq).Msg("Dropping out-of-order audio frame")
		case evicted > 0:
			s.metrics.RecordBufferEvictions(evicted)
			s.logger.Warn().Int("evicted", evicted).Msg("Audio buffer over capacity, evicted oldest frames")
		}
	}

	if in.endOfTurn {
		s.process(ctx)
		s.endTurn(ctx)
	}
}

// process classifies every buffered frame in arrival order.
func (s *Session) process(ctx context.Context) {
	for _, f := range s.buffer.Drain(s.buffer.Len()) {
		s.metrics.RecordAudioBytes("in", f.Size())

		if s.task != nil {
			if hit, trigger := s.barge.Observe(f); hit {
				s.interrupt(trigger)
			}
			continue
		}
		s.handleSegment(ctx, s.segmenter.Process(f))
	}
}

// endTurn finalizes speech in progress when the client marks its turn over.
func (s *Session) endTurn(ctx context.Context) {
	if s.task != nil {
		s.logger.Debug().Msg("End of turn while replying, ignoring")
		return
	}
	s.handleSegment(ctx, s.segmenter.Flush())
}

func (s *Session) handleSegment(ctx context.Context, res audio.Result) {
	switch res.Event {
	case audio.EventSpeechStart:
		s.logger.Debug().Msg("Speech started")
	case audio.EventDiscarded:
		s.metrics.RecordUtterance("discarded")
		s.logger.Debug().Msg("Speech too short, discarded")
	case audio.EventUtterance:
		s.metrics.RecordUtterance("final")
		s.logger.Info().
			Int64("start_seq", res.Utterance.StartSeq()).
			Int64("end_seq", res.Utterance.EndSeq()).
			Dur("duration", res.Utterance.Duration()).
			Msg("Utterance finalized")
		s.startReply(ctx, res.Utterance)
	}
}

// startReply hands the utterance to a reply task and arms barge-in.
func (s *Session) startReply(ctx context.Context, utt *audio.Utterance) {
	if !s.transition(StateTranscribing) {
		return
	}

	tctx, cancel := context.WithCancel(ctx)
	task := &replyTask{
		id:      uuid.NewString(),
		cancel:  cancel,
		started: time.Now(),
	}
	task.gate = newReplyGate(s.id, task.id, s.emitter)
	s.task = task
	s.barge.Arm()
	s.publish()

	history := append([]llm.Message(nil), s.history...)
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		defer cancel()
		s.runReply(tctx, task, utt, history)
	}()
}

// runReply transcribes and answers one utterance. It never touches worker
// state; progress is reported through task events.
func (s *Session) runReply(ctx context.Context, task *replyTask, utt *audio.Utterance, history []llm.Message) {
	logger := s.logger.With().Str("reply_id", task.id).Logger()

	text, err := s.transcribe(ctx, utt)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logger.Warn().Err(err).Bool("transient", stt.IsTransient(err)).Msg("Transcription failed")
		s.metrics.RecordError(protocol.ErrorKindTranscription, "stt")
		if err := task.gate.Error(ctx, protocol.ErrorKindTranscription, "could not transcribe utterance"); err != nil {
			logger.Debug().Err(err).Msg("Failed to send transcription error")
		}
		s.post(taskEvent{kind: eventTranscriptionFailed, replyID: task.id, err: err})
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		logger.Debug().Msg("Empty transcript, no reply")
		s.post(taskEvent{kind: eventNoSpeech, replyID: task.id})
		return
	}

	logger.Info().Str("transcript", text).Msg("Utterance transcribed")
	if err := task.gate.Transcript(ctx, text); err != nil {
		s.post(taskEvent{kind: eventReplyDone, replyID: task.id, err: err})
		return
	}
	s.post(taskEvent{kind: eventTranscribed, replyID: task.id})

	reply, err := s.deps.Responder.Respond(ctx, orchestrator.Request{
		ReplyID:    task.id,
		SessionID:  s.id,
		UserID:     s.userID,
		Transcript: text,
		History:    history,
		Logger:     s.logger,
		Metrics:    s.metrics,
	}, task.gate)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		if reply.GenerationErr != nil {
			s.metrics.RecordError(protocol.ErrorKindGeneration, "llm")
		}
		err = task.gate.Complete(ctx, reply.GenerationErr)
	}
	s.post(taskEvent{kind: eventReplyDone, replyID: task.id, err: err})
}

func (s *Session) transcribe(ctx context.Context, utt *audio.Utterance) (string, error) {
	if s.config.TranscribeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.TranscribeTimeout)
		defer cancel()
	}

	started := time.Now()
	text, err := s.deps.Transcriber.Transcribe(ctx, utt)
	s.metrics.RecordStage("transcription", started, err == nil)
	if err != nil {
		return "", fmt.Errorf("failed to transcribe utterance: %w", err)
	}
	return text, nil
}

// post reports task progress to the worker. It gives up once the worker
// has stopped reading.
func (s *Session) post(ev taskEvent) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *Session) handleTaskEvent(ev taskEvent) {
	task := s.task
	if task == nil || ev.replyID != task.id {
		return
	}

	switch ev.kind {
	case eventTranscribed:
		s.transition(StateResponding)

	case eventNoSpeech, eventTranscriptionFailed:
		task.gate.Close()
		s.task = nil
		s.transition(StateListening)
		s.releaseBarge()

	case eventReplyDone:
		summary := task.gate.Close()
		if ev.err != nil {
			s.metrics.RecordError("delivery", "session")
			s.logger.Error().Err(ev.err).Str("reply_id", task.id).Msg("Reply delivery failed")
		}
		s.finishReply(task, summary)
	}
}

// finishReply closes out a reply that ran to its end.
func (s *Session) finishReply(task *replyTask, summary gateSummary) {
	s.task = nil

	if s.machine.State() == StateTranscribing {
		s.transition(StateResponding)
	}
	s.transition(StateIdle)
	s.transition(StateListening)
	s.releaseBarge()

	s.logger.Info().
		Str("reply_id", task.id).
		Int("units_sent", summary.Sent).
		Int("units_skipped", summary.Skipped).
		Dur("elapsed", time.Since(task.started)).
		Msg("Reply completed")
	s.recordTurn(task, summary, false)
}

// releaseBarge disarms barge-in and replays its unconfirmed speech run into
// the main segmenter, so the start of the user's next turn is kept.
func (s *Session) releaseBarge() {
	partial := s.barge.Partial()
	s.barge.Disarm()
	s.segmenter.Reset()
	for _, f := range partial {
		if res := s.segmenter.Process(f); res.Event == audio.EventSpeechStart {
			s.logger.Debug().Msg("Speech started")
		}
	}
}

// interrupt stops the active reply after barge-in. Cancelling first unblocks
// any in-flight emit; closing the gate then fixes the last sent ordinal, and
// Cutoff drops whatever the writer still holds past it.
func (s *Session) interrupt(trigger []audio.AudioFrame) {
	task := s.task
	task.cancel()
	summary := task.gate.Close()

	if summary.Completed {
		s.finishReply(task, summary)
		s.segmenter.Resume(trigger)
		return
	}

	event := InterruptionEvent{
		At:              time.Now(),
		ReplyID:         task.id,
		LastSentOrdinal: summary.LastSent,
		Trigger:         trigger,
	}
	s.emitter.Cutoff(task.id, summary.LastSent)
	if err := s.emitter.EmitPriority(protocol.NewResponseStopped(s.id, task.id, summary.LastSent)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send response-stopped")
	}

	s.transition(StateInterrupted)
	s.transition(StateListening)
	s.barge.Disarm()
	s.segmenter.Resume(trigger)
	s.task = nil
	s.interruptions++
	s.lastStop = &event

	s.metrics.RecordInterruption()
	s.logger.Info().
		Str("reply_id", task.id).
		Int("last_sent_ordinal", summary.LastSent).
		Int("trigger_frames", len(trigger)).
		Msg("Reply interrupted by user speech")
	s.recordTurn(task, summary, true)
}

// recordTurn appends the exchange to the history and persists it. An
// interrupted reply contributes only what the user actually received.
func (s *Session) recordTurn(task *replyTask, summary gateSummary, interrupted bool) {
	if summary.Transcript == "" {
		return
	}

	s.turns++
	s.history = append(s.history, llm.Message{Role: llm.RoleUser, Content: summary.Transcript})
	if summary.Delivered != "" {
		s.history = append(s.history, llm.Message{Role: llm.RoleAssistant, Content: summary.Delivered})
	}
	if limit := s.config.HistoryMaxMessages; limit > 0 && len(s.history) > limit {
		s.history = append([]llm.Message(nil), s.history[len(s.history)-limit:]...)
	}

	s.deps.Recorder.TurnCompleted(persistence.TurnRecord{
		SessionID:    s.id,
		UserID:       s.userID,
		ReplyID:      task.id,
		Transcript:   summary.Transcript,
		Reply:        summary.Delivered,
		Interrupted:  interrupted,
		Units:        summary.Sent,
		SkippedUnits: summary.Skipped,
	})
}

func (s *Session) transition(to State) bool {
	if err := s.machine.Transition(to); err != nil {
		s.logger.Error().Err(err).Msg("Rejected session state change")
		return false
	}
	return true
}

// shutdown cancels the active reply and waits for every task goroutine.
func (s *Session) shutdown(reason string) {
	close(s.quit)

	if task := s.task; task != nil {
		task.cancel()
		task.gate.Close()
		s.task = nil
	}
	s.tasks.Wait()
	s.publish()

	s.metrics.RecordSessionEnd(reason)
	s.deps.Recorder.SessionEnded(persistence.SessionEnd{
		SessionID: s.id,
		Reason:    reason,
		Turns:     s.turns,
		EndedAt:   time.Now(),
	})
	s.logger.Info().
		Str("reason", reason).
		Int("turns", s.turns).
		Int("interruptions", s.interruptions).
		Msg("Voice session ended")
}

func (s *Session) publish() {
	snap := &Snapshot{
		ID:            s.id,
		UserID:        s.userID,
		State:         s.machine.State(),
		Turns:         s.turns,
		Buffer:        s.buffer.Stats(),
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
		Interruptions: s.interruptions,
	}
	if s.lastStop != nil {
		ev := *s.lastStop
		snap.LastInterruption = &ev
	}
	if s.task != nil {
		snap.ActiveReply = s.task.id
	}
	s.snapshot.Store(snap)
}

type noopRecorder struct{}

func (noopRecorder) SessionStarted(persistence.SessionRecord) {}
func (noopRecorder) TurnCompleted(persistence.TurnRecord)     {}
func (noopRecorder) SessionEnded(persistence.SessionEnd)      {}
