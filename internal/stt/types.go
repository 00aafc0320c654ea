package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexiqai/voice-assistant/internal/audio"
)

// ErrEmptyAudio is returned for an utterance with no samples.
var ErrEmptyAudio = errors.New("stt: empty utterance")

// TranscriptionError is a failed transcription. Transient errors (network
// blips, timeouts, rate limits) are worth retrying; permanent ones are not.
type TranscriptionError struct {
	Err       error
	Transient bool
}

func (e *TranscriptionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("transcription failed (%s): %v", kind, e.Err)
}

func (e *TranscriptionError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a transient transcription failure.
func IsTransient(err error) bool {
	var te *TranscriptionError
	return errors.As(err, &te) && te.Transient
}

// Transcriber converts a finalized utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, utt *audio.Utterance) (string, error)
}
