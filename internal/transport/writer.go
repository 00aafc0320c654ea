package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/protocol"
)

var (
	errBackpressure = errors.New("transport: outbound queue full")
	errWriterClosed = errors.New("transport: writer closed")
)

const (
	controlQueueSize = 16
	noticeQueueSize  = 8
	maxCutoffs       = 32
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type WriterConfig struct {
	QueueSize    int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

type outboundFrame struct {
	event   protocol.ServerEvent
	replyID string
	ordinal int
	// positioned frames belong to a reply and can be cut off
	positioned bool
}

// Writer is the only goroutine writing to a websocket. Lifecycle events and
// error notices go through small priority queues that preempt reply text and
// audio. Lifecycle events are never dropped in favor of notices.
type Writer struct {
	ws      wsWriter
	cfg     WriterConfig
	logger  zerolog.Logger
	control chan outboundFrame
	notices chan outboundFrame
	normal  chan outboundFrame
	done    chan struct{}

	mu      sync.Mutex
	cutoffs map[string]int
	order   []string
}

func NewWriter(ws wsWriter, cfg WriterConfig, logger zerolog.Logger) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Writer{
		ws:      ws,
		cfg:     cfg,
		logger:  logger,
		control: make(chan outboundFrame, controlQueueSize),
		notices: make(chan outboundFrame, noticeQueueSize),
		normal:  make(chan outboundFrame, cfg.QueueSize),
		done:    make(chan struct{}),
		cutoffs: make(map[string]int),
	}
}

func newFrame(ev protocol.ServerEvent) outboundFrame {
	f := outboundFrame{event: ev}
	f.replyID, f.ordinal, f.positioned = protocol.ReplyPosition(ev)
	return f
}

// Emit queues an event behind earlier ones, waiting for room while ctx
// allows.
func (w *Writer) Emit(ctx context.Context, ev protocol.ServerEvent) error {
	f := newFrame(ev)
	if w.cut(f) {
		return nil
	}
	select {
	case w.normal <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return errWriterClosed
	}
}

// EmitPriority queues an event ahead of reply traffic without blocking.
// Error events are notices: when their queue is full the new one is dropped.
// Nothing already queued is ever evicted.
func (w *Writer) EmitPriority(ev protocol.ServerEvent) error {
	f := newFrame(ev)
	queue := w.control
	if ev.EventType() == protocol.TypeError {
		queue = w.notices
	}
	select {
	case <-w.done:
		return errWriterClosed
	default:
	}
	select {
	case queue <- f:
		return nil
	default:
		w.logger.Debug().Str("type", ev.EventType()).Msg("Priority queue full, dropping event")
		return errBackpressure
	}
}

// nextPriority returns a queued lifecycle event, else a queued notice.
func (w *Writer) nextPriority() (outboundFrame, bool) {
	select {
	case f := <-w.control:
		return f, true
	default:
	}
	select {
	case f := <-w.notices:
		return f, true
	default:
	}
	return outboundFrame{}, false
}

// Cutoff drops text and audio of replyID past lastSent, both already queued
// and emitted later.
func (w *Writer) Cutoff(replyID string, lastSent int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.cutoffs[replyID]; !ok {
		w.order = append(w.order, replyID)
		if len(w.order) > maxCutoffs {
			delete(w.cutoffs, w.order[0])
			w.order = w.order[1:]
		}
	}
	w.cutoffs[replyID] = lastSent
}

func (w *Writer) cut(f outboundFrame) bool {
	if !f.positioned {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	last, ok := w.cutoffs[f.replyID]
	return ok && f.ordinal > last
}

// Done is closed when Run has returned.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// Run writes queued events until ctx ends or a write fails. On ctx end it
// flushes pending control events and sends a close frame.
func (w *Writer) Run(ctx context.Context) error {
	defer close(w.done)

	ping := time.NewTicker(w.cfg.PingInterval)
	defer ping.Stop()

	var pending *outboundFrame
	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return nil
		default:
		}

		if f, ok := w.nextPriority(); ok {
			if err := w.write(f); err != nil {
				return err
			}
			continue
		}

		if pending != nil {
			if err := w.write(*pending); err != nil {
				return err
			}
			pending = nil
			continue
		}

		select {
		case <-ctx.Done():
			w.shutdown()
			return nil
		case <-ping.C:
			if err := w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.WriteTimeout)); err != nil {
				return err
			}
		case f := <-w.control:
			if err := w.write(f); err != nil {
				return err
			}
		case f := <-w.notices:
			if err := w.write(f); err != nil {
				return err
			}
		case f := <-w.normal:
			pending = &f
		}
	}
}

func (w *Writer) write(f outboundFrame) error {
	if w.cut(f) {
		return nil
	}

	data, err := protocol.Encode(f.event)
	if err != nil {
		w.logger.Error().Err(err).Str("type", f.event.EventType()).Msg("Failed to encode event")
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := w.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	observability.RecordMessage("out", f.event.EventType())
	return nil
}

func (w *Writer) shutdown() {
	deadline := time.Now().Add(100 * time.Millisecond)
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		f, ok := w.nextPriority()
		if !ok {
			break
		}
		_ = w.write(f)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.cfg.WriteTimeout))
	_ = w.ws.Close()
}
