package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrRecorderClosed is returned by Close when called twice.
var ErrRecorderClosed = errors.New("persistence: recorder closed")

const writeTimeout = 5 * time.Second

type job struct {
	name string
	run  func(ctx context.Context) error
}

// Recorder forwards one session's records to a Store from a single
// goroutine. Enqueueing never blocks: when the queue is full the record is
// dropped and counted.
type Recorder struct {
	store  Store
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan job
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

// NewRecorder starts a recorder with a queue of the given size.
func NewRecorder(store Store, size int, logger zerolog.Logger) *Recorder {
	if size <= 0 {
		size = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		store:  store,
		logger: logger.With().Str("component", "recorder").Logger(),
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan job, size),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) SessionStarted(rec SessionRecord) {
	r.enqueue(job{name: "session_started", run: func(ctx context.Context) error {
		return r.store.SessionStarted(ctx, rec)
	}})
}

func (r *Recorder) TurnCompleted(rec TurnRecord) {
	r.enqueue(job{name: "turn_completed", run: func(ctx context.Context) error {
		return r.store.TurnCompleted(ctx, rec)
	}})
}

func (r *Recorder) SessionEnded(rec SessionEnd) {
	r.enqueue(job{name: "session_ended", run: func(ctx context.Context) error {
		return r.store.SessionEnded(ctx, rec)
	}})
}

// Dropped returns how many records were dropped on a full queue or after
// Close.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) enqueue(j job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- j:
	default:
		r.dropped.Add(1)
		r.logger.Warn().Str("record", j.name).Msg("Persistence queue full, dropping record")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for j := range r.queue {
		ctx, cancel := context.WithTimeout(r.ctx, writeTimeout)
		if err := j.run(ctx); err != nil {
			r.logger.Warn().Err(err).Str("record", j.name).Msg("Failed to persist record")
		}
		cancel()
	}
}

// Close stops accepting records and waits for the queue to drain. When ctx
// expires first, pending writes are abandoned.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRecorderClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-r.done
		return ctx.Err()
	}
}
