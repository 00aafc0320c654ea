package persistence

import (
	"context"
	"time"
)

// SessionRecord is written when a voice session starts.
type SessionRecord struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	StartedAt time.Time `json:"started_at"`
}

// TurnRecord pairs one finalized transcript with the reply it produced.
// Reply holds only the text that reached the client.
type TurnRecord struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	ReplyID      string    `json:"reply_id"`
	Transcript   string    `json:"transcript"`
	Reply        string    `json:"reply"`
	Interrupted  bool      `json:"interrupted"`
	Units        int       `json:"units"`
	SkippedUnits int       `json:"skipped_units"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionEnd is written when a voice session ends.
type SessionEnd struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Turns     int       `json:"turns"`
	EndedAt   time.Time `json:"ended_at"`
}

// Store persists session lifecycle and turns.
type Store interface {
	SessionStarted(ctx context.Context, rec SessionRecord) error
	TurnCompleted(ctx context.Context, rec TurnRecord) error
	SessionEnded(ctx context.Context, rec SessionEnd) error
	Ping(ctx context.Context) error
	Close() error
}
