package audio

import (
	"errors"
	"sync"
)

var (
	// ErrDuplicateFrame is returned for a frame whose sequence number was already appended.
	ErrDuplicateFrame = errors.New("duplicate audio frame")
	// ErrOutOfOrderFrame is returned for a frame older than the last appended one.
	ErrOutOfOrderFrame = errors.New("out-of-order audio frame")
)

// BufferStats is a read-only snapshot of a FrameBuffer.
type BufferStats struct {
	Frames   int
	Bytes    int
	LastSeq  int64
	Evicted  uint64 // frames dropped by the byte ceiling
	Rejected uint64 // duplicate or out-of-order frames
	Gaps     uint64 // appends that skipped at least one sequence number
}

// FrameBuffer is a bounded FIFO of unclassified frames. Append never blocks
// and never reorders: sequence numbers must strictly increase. When the byte
// ceiling is exceeded the oldest frames are evicted.
type FrameBuffer struct {
	mu       sync.RWMutex
	frames   []AudioFrame
	bytes    int
	maxBytes int
	lastSeq  int64
	started  bool
	evicted  uint64
	rejected uint64
	gaps     uint64
}

// NewFrameBuffer creates a buffer holding at most maxBytes of audio.
// A non-positive maxBytes disables the ceiling.
func NewFrameBuffer(maxBytes int) *FrameBuffer {
	return &FrameBuffer{maxBytes: maxBytes, lastSeq: -1}
}

// Append adds a frame and returns how many old frames were evicted to stay
// under the byte ceiling. The newest frame is never evicted.
func (b *FrameBuffer) Append(f AudioFrame) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		switch {
		case f.Seq == b.lastSeq:
			b.rejected++
			return 0, ErrDuplicateFrame
		case f.Seq < b.lastSeq:
			b.rejected++
			return 0, ErrOutOfOrderFrame
		case f.Seq > b.lastSeq+1:
			b.gaps++
		}
	}

	b.frames = append(b.frames, f)
	b.bytes += f.Size()
	b.lastSeq = f.Seq
	b.started = true

	evicted := 0
	for b.maxBytes > 0 && b.bytes > b.maxBytes && len(b.frames) > 1 {
		b.bytes -= b.frames[0].Size()
		b.frames[0] = AudioFrame{}
		b.frames = b.frames[1:]
		evicted++
	}
	b.evicted += uint64(evicted)

	return evicted, nil
}

// Drain removes and returns the oldest n frames (fewer if the buffer holds fewer).
func (b *FrameBuffer) Drain(n int) []AudioFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > len(b.frames) {
		n = len(b.frames)
	}
	if n <= 0 {
		return nil
	}

	out := make([]AudioFrame, n)
	copy(out, b.frames[:n])
	for i := 0; i < n; i++ {
		b.bytes -= b.frames[i].Size()
		b.frames[i] = AudioFrame{}
	}
	b.frames = b.frames[n:]
	if len(b.frames) == 0 {
		b.frames = nil
	}
	return out
}

// Len returns the number of buffered frames.
func (b *FrameBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.frames)
}

// Stats returns a snapshot suitable for metrics.
func (b *FrameBuffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BufferStats{
		Frames:   len(b.frames),
		Bytes:    b.bytes,
		LastSeq:  b.lastSeq,
		Evicted:  b.evicted,
		Rejected: b.rejected,
		Gaps:     b.gaps,
	}
}
