package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Client message types
const (
	TypeStartSession = "start-session"
	TypeAudioFrame   = "audio-frame"
	TypeStopSession  = "stop-session"
)

// Server event types
const (
	TypeSessionStarted   = "session-started"
	TypeTranscript       = "transcript"
	TypeResponseText     = "response-text"
	TypeResponseAudio    = "response-audio"
	TypeResponseComplete = "response-complete"
	TypeResponseStopped  = "response-stopped"
	TypeError            = "error"
)

// Error kinds carried by the error event
const (
	ErrorKindTranscription = "transcription"
	ErrorKindGeneration    = "generation"
	ErrorKindSynthesis     = "synthesis"
	ErrorKindProtocol      = "protocol"
	ErrorKindOverload      = "overload"
)

// DecodeError describes a malformed inbound message. The session keeps
// running; only the offending message is dropped.
type DecodeError struct {
	Code    string
	Message string
	Field   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Field) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Field)
}

func badRequest(message, field string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Field: field}
}

// StartSession opens a session for a user.
type StartSession struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// AudioFrame carries one frame of microphone audio. Payload is base64 on the
// wire; Data holds the decoded bytes after DecodeClient.
type AudioFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
	Payload   string `json:"payload"`
	IsFinal   bool   `json:"is_final,omitempty"`

	Data []byte `json:"-"`
}

// StopSession ends the session from the client side.
type StopSession struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// DecodeClient parses one inbound text message into StartSession,
// AudioFrame or StopSession.
func DecodeClient(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json message", "")
	}

	switch strings.TrimSpace(envelope.Type) {
	case "":
		return nil, badRequest("missing type", "type")

	case TypeStartSession:
		var msg StartSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start-session", "")
		}
		msg.UserID = strings.TrimSpace(msg.UserID)
		if msg.UserID == "" {
			return nil, badRequest("start-session.user_id is required", "user_id")
		}
		return msg, nil

	case TypeAudioFrame:
		var msg AudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio-frame", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("audio-frame.session_id is required", "session_id")
		}
		if msg.Seq < 0 {
			return nil, badRequest("audio-frame.seq must be >= 0", "seq")
		}
		if msg.Payload == "" && !msg.IsFinal {
			return nil, badRequest("audio-frame.payload is required", "payload")
		}
		decoded, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			return nil, badRequest("audio-frame.payload is not valid base64", "payload")
		}
		msg.Data = decoded
		return msg, nil

	case TypeStopSession:
		var msg StopSession
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop-session", "")
		}
		return msg, nil

	default:
		return nil, &DecodeError{Code: "unsupported", Message: "unsupported message type", Field: "type"}
	}
}
