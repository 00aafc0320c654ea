package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memorySession struct {
	record SessionRecord
	end    *SessionEnd
	turns  []TurnRecord
}

// InMemoryStore is an in-process store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*memorySession)}
}

func (s *InMemoryStore) session(id string) *memorySession {
	sess, ok := s.sessions[id]
	if !ok {
		sess = &memorySession{record: SessionRecord{SessionID: id}}
		s.sessions[id] = sess
	}
	return sess
}

func (s *InMemoryStore) SessionStarted(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	s.session(rec.SessionID).record = rec
	return nil
}

func (s *InMemoryStore) TurnCompleted(_ context.Context, rec TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	sess := s.session(rec.SessionID)
	sess.turns = append(sess.turns, rec)
	return nil
}

func (s *InMemoryStore) SessionEnded(_ context.Context, rec SessionEnd) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now().UTC()
	}
	s.session(rec.SessionID).end = &rec
	return nil
}

// Turns returns the recorded turns of a session in order.
func (s *InMemoryStore) Turns(sessionID string) []TurnRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]TurnRecord(nil), sess.turns...)
}

// Ended returns the end record of a session, if any.
func (s *InMemoryStore) Ended(sessionID string) (SessionEnd, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.end == nil {
		return SessionEnd{}, false
	}
	return *sess.end, true
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
