package stt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RetryMaxAttempts:           3,
		RetryInitialBackoff:        1,
		RetryMaxBackoff:            5,
		CircuitBreakerMaxFailures:  10,
		CircuitBreakerResetTimeout: 30,
	}
}

func testUtterance() *audio.Utterance {
	frames := []audio.AudioFrame{
		audio.NewFrame(4, make([]int16, 320), 16000, time.Now()),
		audio.NewFrame(5, make([]int16, 320), 16000, time.Now()),
	}
	return &audio.Utterance{Frames: frames, SpeechDuration: 40 * time.Millisecond}
}

func TestDeepgramClient_Transcribe(t *testing.T) {
	var gotWAV []byte
	client := newDeepgramClient(testConfig(), func(ctx context.Context, wav []byte) (string, error) {
		gotWAV = wav
		return "  what is the news today  ", nil
	})

	text, err := client.Transcribe(context.Background(), testUtterance())
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "what is the news today" {
		t.Errorf("Expected trimmed transcript, got %q", text)
	}
	if len(gotWAV) != 44+2*640 || string(gotWAV[0:4]) != "RIFF" {
		t.Errorf("Expected WAV-wrapped utterance of %d bytes, got %d", 44+2*640, len(gotWAV))
	}
}

func TestDeepgramClient_RetriesTransient(t *testing.T) {
	calls := 0
	client := newDeepgramClient(testConfig(), func(ctx context.Context, wav []byte) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection reset by peer")
		}
		return "hello", nil
	})

	text, err := client.Transcribe(context.Background(), testUtterance())
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if text != "hello" || calls != 3 {
		t.Errorf("Expected hello after 3 calls, got %q after %d", text, calls)
	}
}

func TestDeepgramClient_PermanentNotRetried(t *testing.T) {
	calls := 0
	client := newDeepgramClient(testConfig(), func(ctx context.Context, wav []byte) (string, error) {
		calls++
		return "", errors.New("status 401: invalid credentials")
	})

	_, err := client.Transcribe(context.Background(), testUtterance())

	var te *TranscriptionError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TranscriptionError, got %v", err)
	}
	if te.Transient {
		t.Error("Expected permanent error")
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestDeepgramClient_ExhaustedTransient(t *testing.T) {
	calls := 0
	client := newDeepgramClient(testConfig(), func(ctx context.Context, wav []byte) (string, error) {
		calls++
		return "", errors.New("deepgram returned 503")
	})

	_, err := client.Transcribe(context.Background(), testUtterance())
	if !IsTransient(err) {
		t.Errorf("Expected transient error after exhausting retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestDeepgramClient_EmptyUtterance(t *testing.T) {
	client := newDeepgramClient(testConfig(), func(ctx context.Context, wav []byte) (string, error) {
		t.Fatal("recognize should not be called")
		return "", nil
	})

	_, err := client.Transcribe(context.Background(), &audio.Utterance{})
	if !errors.Is(err, ErrEmptyAudio) {
		t.Errorf("Expected ErrEmptyAudio, got %v", err)
	}
}

func TestTranscriptionError(t *testing.T) {
	base := errors.New("boom")
	err := &TranscriptionError{Err: base, Transient: true}

	if !errors.Is(err, base) {
		t.Error("Expected TranscriptionError to unwrap")
	}
	if err.Error() != "transcription failed (transient): boom" {
		t.Errorf("Unexpected message %q", err.Error())
	}
}
