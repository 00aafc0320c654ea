package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyText is returned when asked to synthesize blank text.
var ErrEmptyText = errors.New("tts: empty text")

// AudioHandler receives synthesized PCM16LE audio as it arrives. Every
// call carries an even number of bytes. Returning an error stops synthesis.
type AudioHandler func(pcm []byte) error

// Synthesizer converts one text unit into a stream of audio.
type Synthesizer interface {
	// Synthesize streams audio for text to onAudio and returns once the
	// audio is complete, synthesis failed, or ctx is done.
	Synthesize(ctx context.Context, text string, onAudio AudioHandler) error

	// SampleRate of the PCM passed to onAudio.
	SampleRate() int
}

// APIError is a non-success response from the synthesis provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cartesia API returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if retried.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// pcmAligner forwards audio in even-length pieces, carrying a dangling odd
// byte over to the next write.
type pcmAligner struct {
	carry   []byte
	handler AudioHandler
}

func (a *pcmAligner) write(data []byte) error {
	if len(a.carry) > 0 {
		data = append(a.carry, data...)
		a.carry = nil
	}
	if len(data)%2 == 1 {
		a.carry = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return a.handler(out)
}
