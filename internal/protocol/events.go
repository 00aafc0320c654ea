package protocol

import (
	"encoding/base64"
	"encoding/json"
)

// ServerEvent is any message sent to the client.
type ServerEvent interface {
	EventType() string
}

type SessionStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type Transcript struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ReplyID   string `json:"reply_id,omitempty"`
	Text      string `json:"text"`
}

type ResponseText struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ReplyID   string `json:"reply_id"`
	Ordinal   int    `json:"ordinal"`
	Text      string `json:"text"`
}

// ResponseAudio is one chunk of one unit. Chunks arrive ordered by
// (Ordinal, ChunkIndex); IsFinalChunk marks the last chunk of a unit.
type ResponseAudio struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	ReplyID      string `json:"reply_id"`
	Ordinal      int    `json:"ordinal"`
	ChunkIndex   int    `json:"chunk_index"`
	Payload      string `json:"payload"`
	IsFinalChunk bool   `json:"is_final_chunk"`
}

type ResponseComplete struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ReplyID   string `json:"reply_id,omitempty"`
}

// ResponseStopped reports an interruption. LastSentOrdinal is -1 when no
// unit had been fully sent.
type ResponseStopped struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id"`
	ReplyID         string `json:"reply_id,omitempty"`
	LastSentOrdinal int    `json:"last_sent_ordinal"`
}

type Error struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

func (SessionStarted) EventType() string   { return TypeSessionStarted }
func (Transcript) EventType() string       { return TypeTranscript }
func (ResponseText) EventType() string     { return TypeResponseText }
func (ResponseAudio) EventType() string    { return TypeResponseAudio }
func (ResponseComplete) EventType() string { return TypeResponseComplete }
func (ResponseStopped) EventType() string  { return TypeResponseStopped }
func (Error) EventType() string            { return TypeError }

func NewSessionStarted(sessionID string) SessionStarted {
	return SessionStarted{Type: TypeSessionStarted, SessionID: sessionID}
}

func NewTranscript(sessionID, replyID, text string) Transcript {
	return Transcript{Type: TypeTranscript, SessionID: sessionID, ReplyID: replyID, Text: text}
}

func NewResponseText(sessionID, replyID string, ordinal int, text string) ResponseText {
	return ResponseText{Type: TypeResponseText, SessionID: sessionID, ReplyID: replyID, Ordinal: ordinal, Text: text}
}

func NewResponseAudio(sessionID, replyID string, ordinal, chunkIndex int, payload []byte, final bool) ResponseAudio {
	return ResponseAudio{
		Type:         TypeResponseAudio,
		SessionID:    sessionID,
		ReplyID:      replyID,
		Ordinal:      ordinal,
		ChunkIndex:   chunkIndex,
		Payload:      base64.StdEncoding.EncodeToString(payload),
		IsFinalChunk: final,
	}
}

func NewResponseComplete(sessionID, replyID string) ResponseComplete {
	return ResponseComplete{Type: TypeResponseComplete, SessionID: sessionID, ReplyID: replyID}
}

func NewResponseStopped(sessionID, replyID string, lastSent int) ResponseStopped {
	return ResponseStopped{Type: TypeResponseStopped, SessionID: sessionID, ReplyID: replyID, LastSentOrdinal: lastSent}
}

func NewError(sessionID, kind, message string) Error {
	return Error{Type: TypeError, SessionID: sessionID, Kind: kind, Message: message}
}

// Encode serializes an event for a websocket text frame.
func Encode(ev ServerEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// ReplyPosition reports the reply and ordinal an event belongs to, for
// events that can be discarded after an interruption.
func ReplyPosition(ev ServerEvent) (replyID string, ordinal int, ok bool) {
	switch e := ev.(type) {
	case ResponseText:
		return e.ReplyID, e.Ordinal, true
	case ResponseAudio:
		return e.ReplyID, e.Ordinal, true
	}
	return "", 0, false
}
