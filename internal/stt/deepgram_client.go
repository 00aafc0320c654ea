package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/resilience"
)

// recognizeFunc sends one WAV file and returns the best transcript.
type recognizeFunc func(ctx context.Context, wav []byte) (string, error)

// DeepgramClient implements Transcriber using Deepgram's pre-recorded API on
// the finalized utterance.
type DeepgramClient struct {
	config         *config.Config
	recognize      recognizeFunc
	retryConfig    *resilience.RetryConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewDeepgramClient creates a new Deepgram transcription client
func NewDeepgramClient(cfg *config.Config) *DeepgramClient {
	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       cfg.DeepgramModel,
		Language:    cfg.DeepgramLanguage,
		Punctuate:   true,
		SmartFormat: true,
	}
	dg := api.New(listenClient.NewREST(cfg.DeepgramAPIKey, &interfaces.ClientOptions{}))

	recognize := func(ctx context.Context, wav []byte) (string, error) {
		res, err := dg.FromStream(ctx, bytes.NewReader(wav), options)
		if err != nil {
			return "", err
		}
		if res == nil || len(res.Results.Channels) == 0 || len(res.Results.Channels[0].Alternatives) == 0 {
			return "", nil
		}
		return res.Results.Channels[0].Alternatives[0].Transcript, nil
	}

	return newDeepgramClient(cfg, recognize)
}

func newDeepgramClient(cfg *config.Config, recognize recognizeFunc) *DeepgramClient {
	breaker := resilience.NewCircuitBreaker("deepgram", cfg.CircuitBreakerMaxFailures, cfg.BreakerResetTimeout())
	breaker.OnStateChange = func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	}

	return &DeepgramClient{
		config:    cfg,
		recognize: recognize,
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        time.Duration(cfg.RetryMaxBackoff) * time.Millisecond,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		circuitBreaker: breaker,
		logger:         observability.GetLogger().With().Str("component", "stt_deepgram").Logger(),
	}
}

// Transcribe sends the utterance as a WAV file. Transient failures are
// retried; the final error is a *TranscriptionError.
func (d *DeepgramClient) Transcribe(ctx context.Context, utt *audio.Utterance) (string, error) {
	if utt == nil || len(utt.Frames) == 0 {
		return "", &TranscriptionError{Err: ErrEmptyAudio}
	}
	wav := audio.EncodeWAV(utt.PCM(), utt.SampleRate())

	var transcript string
	attempt := func(ctx context.Context) error {
		return d.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
			text, err := d.recognize(ctx, wav)
			if err != nil {
				return classify(err)
			}
			transcript = strings.TrimSpace(text)
			return nil
		})
	}

	err := resilience.RetryNotify(ctx, attempt, d.retryConfig, IsTransient, func(n int, err error, backoff time.Duration) {
		d.logger.Warn().
			Err(err).
			Int("attempt", n).
			Dur("backoff", backoff).
			Int64("utterance_start", utt.StartSeq()).
			Msg("Retrying transcription")
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(d.circuitBreaker.Name())
		}
		var te *TranscriptionError
		if !errors.As(err, &te) {
			err = &TranscriptionError{Err: err, Transient: resilience.IsRetryableNetworkError(err)}
		}
		return "", err
	}

	return transcript, nil
}

// classify decides whether a Deepgram error is worth retrying.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	msg := strings.ToLower(err.Error())
	transient := resilience.IsRetryableNetworkError(err) ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504")
	return &TranscriptionError{Err: fmt.Errorf("deepgram: %w", err), Transient: transient}
}
