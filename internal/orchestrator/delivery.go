package orchestrator

import (
	"context"
	"errors"
	"sync"
)

// unitBuffer holds one unit's encoded audio between synthesis and delivery.
// Fields are guarded by the owning replyQueue's mutex.
type unitBuffer struct {
	ordinal int
	text    string
	state   UnitState
	chunks  [][]byte
	carry   []byte
	total   int
	done    bool
	err     error
	wake    chan struct{}
}

// replyQueue is the ordered-delivery queue of one reply. Units are appended
// by the generator in ordinal order and filled concurrently by synthesis
// tasks; the deliverer drains them strictly by ordinal.
type replyQueue struct {
	chunkBytes int

	mu      sync.Mutex
	units   []*unitBuffer
	closed  bool
	changed chan struct{}
}

func newReplyQueue(chunkBytes int) *replyQueue {
	if chunkBytes <= 0 {
		chunkBytes = 4096
	}
	return &replyQueue{
		chunkBytes: chunkBytes,
		changed:    make(chan struct{}),
	}
}

// broadcast wakes every waiter on the queue. Caller holds q.mu.
func (q *replyQueue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *replyQueue) add(text string) *unitBuffer {
	q.mu.Lock()
	defer q.mu.Unlock()

	u := &unitBuffer{
		ordinal: len(q.units),
		text:    text,
		state:   UnitPending,
		wake:    make(chan struct{}, 1),
	}
	q.units = append(q.units, u)
	q.broadcast()
	return u
}

// close marks the end of generation; no unit is added afterwards.
func (q *replyQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcast()
	}
}

// next waits for the unit with the given ordinal. It returns nil once the
// queue is closed without that unit.
func (q *replyQueue) next(ctx context.Context, ordinal int) (*unitBuffer, error) {
	for {
		q.mu.Lock()
		if ordinal < len(q.units) {
			u := q.units[ordinal]
			q.mu.Unlock()
			return u, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *replyQueue) setState(u *unitBuffer, state UnitState) {
	q.mu.Lock()
	u.state = state
	q.mu.Unlock()
}

// write appends encoded audio to u, cutting complete chunks.
func (q *replyQueue) write(u *unitBuffer, data []byte) {
	q.mu.Lock()
	u.carry = append(u.carry, data...)
	for len(u.carry) >= q.chunkBytes {
		chunk := make([]byte, q.chunkBytes)
		copy(chunk, u.carry)
		u.chunks = append(u.chunks, chunk)
		u.carry = u.carry[q.chunkBytes:]
		u.total++
	}
	q.mu.Unlock()
	signal(u.wake)
}

// finish ends synthesis for u. On success the partial carry becomes the
// last chunk.
func (q *replyQueue) finish(u *unitBuffer, err error) {
	q.mu.Lock()
	switch {
	case err == nil:
		if len(u.carry) > 0 {
			u.chunks = append(u.chunks, u.carry)
			u.total++
		}
		u.state = UnitReady
	case errors.Is(err, context.Canceled):
		u.state = UnitCancelled
	default:
		u.state = UnitFailed
	}
	u.carry = nil
	u.done = true
	u.err = err
	q.mu.Unlock()
	signal(u.wake)
}

// deliver hands every unit to sink in ordinal order: text first, then its
// audio chunks as they become available. The newest chunk is held back
// until the next one or the end of the unit arrives, so the last chunk can
// be flagged Final.
func (q *replyQueue) deliver(ctx context.Context, sink Sink, onSkip func(ordinal int, err error)) error {
	for ordinal := 0; ; ordinal++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		u, err := q.next(ctx, ordinal)
		if err != nil {
			return err
		}
		if u == nil {
			return nil
		}

		if err := sink.Text(ctx, ordinal, u.text); err != nil {
			return err
		}
		if err := q.deliverAudio(ctx, sink, u, onSkip); err != nil {
			return err
		}
	}
}

func (q *replyQueue) deliverAudio(ctx context.Context, sink Sink, u *unitBuffer, onSkip func(int, error)) error {
	var held *AudioChunk
	index := 0

	for {
		q.mu.Lock()
		pending := u.chunks
		u.chunks = nil
		done, unitErr := u.done, u.err
		q.mu.Unlock()

		for _, payload := range pending {
			if held != nil {
				if err := sink.Audio(ctx, *held); err != nil {
					return err
				}
			}
			held = &AudioChunk{Ordinal: u.ordinal, Index: index, Payload: payload}
			index++
		}

		if done {
			if unitErr == nil && held == nil {
				unitErr = errNoAudio
			}
			if unitErr != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			// A failed unit never gets a final chunk; its Skip closes it.
			if held != nil {
				held.Final = unitErr == nil
				if err := sink.Audio(ctx, *held); err != nil {
					return err
				}
			}
			if unitErr == nil {
				q.setState(u, UnitSent)
				return nil
			}

			q.setState(u, UnitFailed)
			if onSkip != nil {
				onSkip(u.ordinal, unitErr)
			}
			return sink.Skip(ctx, u.ordinal, unitErr)
		}

		select {
		case <-u.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// snapshot returns the final record of every unit. After an interruption any
// unit that was not delivered or already failed is reported cancelled.
func (q *replyQueue) snapshot(interrupted bool) []ResponseUnit {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]ResponseUnit, len(q.units))
	for i, u := range q.units {
		state := u.state
		if interrupted && state != UnitSent && state != UnitFailed {
			state = UnitCancelled
			u.state = state
		}
		unitErr := u.err
		if state == UnitCancelled {
			unitErr = nil
		}
		out[i] = ResponseUnit{
			Ordinal: u.ordinal,
			Text:    u.text,
			State:   state,
			Chunks:  u.total,
			Err:     unitErr,
		}
	}
	return out
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
