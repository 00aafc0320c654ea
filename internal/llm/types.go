package llm

import (
	"context"
)

// Role of a conversation message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation context.
type Message struct {
	Role    Role
	Content string
}

// Request is one generation call. Messages ends with the user's latest turn.
type Request struct {
	SessionID    string
	UserID       string
	SystemPrompt string
	Messages     []Message
}

// Delta is one increment of generated text. A Delta with Err set is the
// last value sent before the stream closes.
type Delta struct {
	Text string
	Err  error
}

// ToolCall is a tool invocation reported by the backend. Tools run inside
// the backend; the voice session only logs them.
type ToolCall struct {
	Name   string
	CallID string
}

// Generator streams a reply for a conversation. The returned channel is
// closed when generation ends; cancelling ctx stops the stream.
type Generator interface {
	Generate(ctx context.Context, req Request) (<-chan Delta, error)
}
