package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/persistence"
	"github.com/lexiqai/voice-assistant/internal/protocol"
	"github.com/lexiqai/voice-assistant/internal/session"
)

const (
	overloadNoticeInterval = time.Second
	recorderCloseTimeout   = 5 * time.Second
)

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// connection owns one websocket and at most one session on it.
type connection struct {
	handler *Handler
	conn    *websocket.Conn
	writer  *Writer
	logger  zerolog.Logger

	session    *session.Session
	recorder   *persistence.Recorder
	unregister func()

	lastOverload time.Time
}

func newConnection(h *Handler, conn *websocket.Conn, logger zerolog.Logger) *connection {
	return &connection{
		handler: h,
		conn:    conn,
		writer:  NewWriter(conn, h.writer, logger),
		logger:  logger,
	}
}

func (c *connection) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	writerErr := make(chan error, 1)
	go func() { writerErr <- c.writer.Run(ctx) }()

	inbound := make(chan inboundFrame, 16)
	go c.readLoop(ctx, inbound)

	reason := session.ReasonDisconnect
loop:
	for {
		var sessionDone <-chan struct{}
		if c.session != nil {
			sessionDone = c.session.Done()
		}

		select {
		case in, ok := <-inbound:
			if !ok || in.err != nil {
				if in.err != nil && websocket.IsUnexpectedCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn().Err(in.err).Msg("WebSocket read error")
				}
				break loop
			}
			c.handleMessage(ctx, in)
		case <-sessionDone:
			break loop
		case err := <-writerErr:
			if err != nil {
				c.logger.Warn().Err(err).Msg("WebSocket write error")
			}
			writerErr = nil
			break loop
		}
	}

	c.endSession(reason)
	cancel()
	if writerErr != nil {
		<-writerErr
	}
	_ = c.conn.Close()
}

func (c *connection) readLoop(ctx context.Context, out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *connection) handleMessage(ctx context.Context, in inboundFrame) {
	if in.messageType != websocket.TextMessage {
		c.protocolError("only text messages are supported")
		return
	}

	msg, err := protocol.DecodeClient(in.data)
	if err != nil {
		c.protocolError(err.Error())
		return
	}

	switch m := msg.(type) {
	case protocol.StartSession:
		observability.RecordMessage("in", protocol.TypeStartSession)
		c.startSession(ctx, m)
	case protocol.AudioFrame:
		observability.RecordMessage("in", protocol.TypeAudioFrame)
		c.audioFrame(m)
	case protocol.StopSession:
		observability.RecordMessage("in", protocol.TypeStopSession)
		if c.session == nil || m.SessionID != c.session.ID() {
			c.protocolError("stop-session for unknown session")
			return
		}
		c.session.Stop(session.ReasonClientStop)
	}
}

func (c *connection) startSession(ctx context.Context, m protocol.StartSession) {
	if c.session != nil {
		c.protocolError("session already started on this connection")
		return
	}

	h := c.handler
	c.recorder = persistence.NewRecorder(h.deps.Store, h.config.PersistenceQueueSize, c.logger)
	c.session = session.New(m.UserID, h.sessions, session.Dependencies{
		Transcriber: h.deps.Transcriber,
		Responder:   h.deps.Responder,
		Recorder:    c.recorder,
	}, c.writer)
	c.logger = c.logger.With().Str("session_id", c.session.ID()).Logger()
	c.unregister = h.registry.Register(c.session)

	go c.session.Run(ctx)
}

func (c *connection) audioFrame(m protocol.AudioFrame) {
	if c.session == nil || m.SessionID != c.session.ID() {
		c.protocolError("audio-frame for unknown session")
		return
	}

	samples, err := c.decodeSamples(m.Data)
	if err != nil {
		c.protocolError(err.Error())
		return
	}

	frame := audio.NewFrame(m.Seq, samples, c.handler.config.AudioSampleRate, time.Now())
	err = c.session.Submit(frame, m.IsFinal)
	switch {
	case errors.Is(err, session.ErrInboxFull):
		c.overload()
	case err != nil:
		c.logger.Debug().Err(err).Msg("Frame submitted to closed session")
	}
}

func (c *connection) decodeSamples(data []byte) ([]int16, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if c.handler.config.AudioInEncoding == "mulaw" {
		pcm, err := audio.ConvertPCMUToPCM(data)
		if err != nil {
			return nil, fmt.Errorf("invalid mu-law payload: %w", err)
		}
		data = pcm
	}
	samples, err := audio.PCMToSamples(data)
	if err != nil {
		return nil, fmt.Errorf("invalid pcm16 payload: %w", err)
	}
	return samples, nil
}

// overload tells the client frames are being dropped, at most once per
// interval.
func (c *connection) overload() {
	now := time.Now()
	if now.Sub(c.lastOverload) < overloadNoticeInterval {
		return
	}
	c.lastOverload = now
	c.logger.Warn().Msg("Session inbox full, dropping audio frames")
	_ = c.writer.EmitPriority(protocol.NewError(c.session.ID(), protocol.ErrorKindOverload, "audio arriving faster than it can be processed"))
}

func (c *connection) protocolError(message string) {
	sessionID := ""
	if c.session != nil {
		sessionID = c.session.ID()
	}
	c.logger.Warn().Str("error", message).Msg("Dropping malformed message")
	observability.RecordMessage("in", "invalid")
	_ = c.writer.EmitPriority(protocol.NewError(sessionID, protocol.ErrorKindProtocol, message))
}

// endSession stops the session, waits for its worker, and flushes its
// persistence records.
func (c *connection) endSession(reason string) {
	if c.session == nil {
		return
	}

	c.session.Stop(reason)
	<-c.session.Done()
	c.unregister()

	ctx, cancel := context.WithTimeout(context.Background(), recorderCloseTimeout)
	defer cancel()
	if err := c.recorder.Close(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Persistence records not fully flushed")
	}
}
