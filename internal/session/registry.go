package session

import (
	"context"
	"sync"
)

// Registry tracks live sessions so the server can report them and stop
// them all on shutdown.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	wg       sync.WaitGroup
}

type entry struct {
	session *Session
	once    sync.Once
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*entry)}
}

// Register adds a session. The returned func removes it and must be called
// once the session's worker has exited.
func (r *Registry) Register(s *Session) (unregister func()) {
	e := &entry{session: s}

	r.mu.Lock()
	old := r.sessions[s.ID()]
	r.sessions[s.ID()] = e
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.unregister(s.ID(), old)
	}
	return func() { r.unregister(s.ID(), e) }
}

func (r *Registry) unregister(id string, e *entry) {
	e.once.Do(func() {
		r.mu.Lock()
		if r.sessions[id] == e {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshots returns the last published state of every live session.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// CancelAll stops every registered session and returns how many were asked.
func (r *Registry) CancelAll(reason string) (stopped int) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Stop(reason)
		stopped++
	}
	return stopped
}

// Wait blocks until every registered session has unregistered. It returns
// false if ctx ends first.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
