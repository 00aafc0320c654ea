package audio

import (
	"time"
)

// AudioFrame is one fixed-duration slice of mono 16-bit samples as received
// from the client. Frames are immutable once created: NewFrame copies its
// input and nothing in this module writes to Samples afterwards.
type AudioFrame struct {
	Seq        int64
	Samples    []int16
	SampleRate int
	ArrivedAt  time.Time
}

// NewFrame builds a frame from decoded samples.
func NewFrame(seq int64, samples []int16, sampleRate int, arrivedAt time.Time) AudioFrame {
	owned := make([]int16, len(samples))
	copy(owned, samples)
	return AudioFrame{
		Seq:        seq,
		Samples:    owned,
		SampleRate: sampleRate,
		ArrivedAt:  arrivedAt,
	}
}

// Duration is the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Size is the frame's PCM16 byte size.
func (f AudioFrame) Size() int {
	return len(f.Samples) * 2
}

// Utterance is a contiguous run of frames bounded by a detected speech start
// and speech end. It is built once by the Segmenter and never modified.
type Utterance struct {
	Frames         []AudioFrame
	SpeechDuration time.Duration
	FinalizedAt    time.Time
}

// StartSeq is the sequence number of the first frame.
func (u *Utterance) StartSeq() int64 {
	if len(u.Frames) == 0 {
		return -1
	}
	return u.Frames[0].Seq
}

// EndSeq is the sequence number of the last frame.
func (u *Utterance) EndSeq() int64 {
	if len(u.Frames) == 0 {
		return -1
	}
	return u.Frames[len(u.Frames)-1].Seq
}

// Duration is the total length of all frames, including short pauses.
func (u *Utterance) Duration() time.Duration {
	var d time.Duration
	for _, f := range u.Frames {
		d += f.Duration()
	}
	return d
}

// SampleRate of the utterance's frames.
func (u *Utterance) SampleRate() int {
	if len(u.Frames) == 0 {
		return 0
	}
	return u.Frames[0].SampleRate
}

// PCM concatenates the utterance as 16-bit little-endian PCM.
func (u *Utterance) PCM() []byte {
	n := 0
	for _, f := range u.Frames {
		n += len(f.Samples)
	}
	samples := make([]int16, 0, n)
	for _, f := range u.Frames {
		samples = append(samples, f.Samples...)
	}
	return SamplesToPCM(samples)
}
