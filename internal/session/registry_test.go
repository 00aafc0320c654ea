package session

import (
	"context"
	"testing"
	"time"
)

func newIdleSession() *Session {
	return New("user-1", testConfig(), Dependencies{
		Transcriber: &fakeTranscriber{},
		Responder:   oneUnitReply(""),
	}, &fakeEmitter{})
}

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	r := NewRegistry()
	s := newIdleSession()

	unregister := r.Register(s)
	if r.Count() != 1 {
		t.Fatalf("Expected 1 session, got %d", r.Count())
	}
	if got, ok := r.Get(s.ID()); !ok || got != s {
		t.Error("Expected Get to return the registered session")
	}

	unregister()
	unregister()
	if r.Count() != 0 {
		t.Errorf("Expected 0 sessions, got %d", r.Count())
	}
	if _, ok := r.Get(s.ID()); ok {
		t.Error("Expected session to be gone")
	}
}

func TestRegistry_CancelAllAndWait(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s := newIdleSession()
		unregister := r.Register(s)
		go func() {
			defer unregister()
			s.Run(ctx)
		}()
	}

	if snaps := r.Snapshots(); len(snaps) != 3 {
		t.Fatalf("Expected 3 snapshots, got %d", len(snaps))
	}

	if stopped := r.CancelAll(ReasonShutdown); stopped != 3 {
		t.Errorf("Expected 3 sessions stopped, got %d", stopped)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if !r.Wait(waitCtx) {
		t.Fatal("Expected all sessions to finish")
	}
	if r.Count() != 0 {
		t.Errorf("Expected empty registry, got %d", r.Count())
	}
}

func TestRegistry_WaitTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register(newIdleSession())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if r.Wait(ctx) {
		t.Error("Expected Wait to give up while a session is registered")
	}
}
