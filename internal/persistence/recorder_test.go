package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// blockingStore holds every write until release is closed or ctx ends.
type blockingStore struct {
	*InMemoryStore
	release chan struct{}
}

func (s *blockingStore) TurnCompleted(ctx context.Context, rec TurnRecord) error {
	select {
	case <-s.release:
		return s.InMemoryStore.TurnCompleted(ctx, rec)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRecorder_WritesInOrder(t *testing.T) {
	store := NewInMemoryStore()
	rec := NewRecorder(store, 8, zerolog.Nop())

	rec.SessionStarted(SessionRecord{SessionID: "s1", UserID: "u1"})
	rec.TurnCompleted(TurnRecord{SessionID: "s1", Transcript: "hi", Reply: "hello"})
	rec.TurnCompleted(TurnRecord{SessionID: "s1", Transcript: "bye", Reply: "goodbye", Interrupted: true})
	rec.SessionEnded(SessionEnd{SessionID: "s1", Reason: "client_stop", Turns: 2})

	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	turns := store.Turns("s1")
	if len(turns) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(turns))
	}
	if turns[0].Transcript != "hi" || turns[1].Transcript != "bye" || !turns[1].Interrupted {
		t.Errorf("Unexpected turns %+v", turns)
	}
	if turns[0].ID == "" || turns[0].CreatedAt.IsZero() {
		t.Error("Expected ID and CreatedAt to be filled")
	}

	end, ok := store.Ended("s1")
	if !ok || end.Reason != "client_stop" || end.Turns != 2 {
		t.Errorf("Unexpected session end %+v", end)
	}
}

func TestRecorder_FullQueueDrops(t *testing.T) {
	store := &blockingStore{InMemoryStore: NewInMemoryStore(), release: make(chan struct{})}
	rec := NewRecorder(store, 1, zerolog.Nop())

	start := time.Now()
	for i := 0; i < 10; i++ {
		rec.TurnCompleted(TurnRecord{SessionID: "s1"})
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Expected enqueue never to block")
	}
	if rec.Dropped() == 0 {
		t.Error("Expected records dropped on a full queue")
	}

	close(store.release)
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := int64(len(store.Turns("s1"))) + rec.Dropped(); got != 10 {
		t.Errorf("Expected written plus dropped to be 10, got %d", got)
	}
}

func TestRecorder_CloseDeadline(t *testing.T) {
	store := &blockingStore{InMemoryStore: NewInMemoryStore(), release: make(chan struct{})}
	rec := NewRecorder(store, 4, zerolog.Nop())
	rec.TurnCompleted(TurnRecord{SessionID: "s1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rec.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestRecorder_AfterClose(t *testing.T) {
	rec := NewRecorder(NewInMemoryStore(), 4, zerolog.Nop())
	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	rec.TurnCompleted(TurnRecord{SessionID: "s1"})
	if rec.Dropped() != 1 {
		t.Errorf("Expected record after close to be dropped, got %d", rec.Dropped())
	}
	if err := rec.Close(context.Background()); !errors.Is(err, ErrRecorderClosed) {
		t.Errorf("Expected ErrRecorderClosed, got %v", err)
	}
}

func TestNewStore_InMemoryWithoutURL(t *testing.T) {
	store, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if _, ok := store.(*InMemoryStore); !ok {
		t.Errorf("Expected *InMemoryStore, got %T", store)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Expected ping to succeed, got %v", err)
	}
}
