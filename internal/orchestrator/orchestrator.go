package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/voice-assistant/internal/audio"
	"github.com/lexiqai/voice-assistant/internal/config"
	"github.com/lexiqai/voice-assistant/internal/llm"
	"github.com/lexiqai/voice-assistant/internal/observability"
	"github.com/lexiqai/voice-assistant/internal/resilience"
	"github.com/lexiqai/voice-assistant/internal/tts"
)

// Config tunes the response pipeline.
type Config struct {
	SystemPrompt     string
	SentenceMaxChars int
	ChunkBytes       int
	MaxConcurrency   int
	TokenTimeout     time.Duration
	SynthTimeout     time.Duration
	Retry            *resilience.RetryConfig

	// Encode converts synthesizer PCM16LE at sampleRate into the session's
	// output encoding. Nil passes audio through unchanged.
	Encode func(pcm []byte, sampleRate int) ([]byte, error)
}

// NewConfig builds the pipeline configuration from service config.
func NewConfig(cfg *config.Config) Config {
	outRate := cfg.AudioSampleRate
	mulaw := cfg.AudioOutEncoding == "mulaw"

	return Config{
		SystemPrompt:     cfg.LLMSystemPrompt,
		SentenceMaxChars: cfg.SentenceMaxChars,
		ChunkBytes:       cfg.AudioChunkBytes,
		MaxConcurrency:   cfg.SynthMaxConcurrency,
		TokenTimeout:     cfg.TokenTimeout(),
		SynthTimeout:     cfg.SynthTimeout(),
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        time.Duration(cfg.RetryMaxBackoff) * time.Millisecond,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		Encode: func(pcm []byte, sampleRate int) ([]byte, error) {
			if mulaw {
				return audio.ConvertPCMToPCMU(pcm, sampleRate, outRate)
			}
			return audio.ResamplePCM(pcm, sampleRate, outRate)
		},
	}
}

// Orchestrator turns a transcript into an ordered stream of text and audio.
// It is safe for concurrent use by many sessions; all per-reply state lives
// in the Respond call.
type Orchestrator struct {
	generator   llm.Generator
	synthesizer tts.Synthesizer
	config      Config
}

// New creates an orchestrator over the given collaborators.
func New(generator llm.Generator, synthesizer tts.Synthesizer, cfg Config) *Orchestrator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = 10 * time.Second
	}
	if cfg.SynthTimeout <= 0 {
		cfg.SynthTimeout = 10 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	return &Orchestrator{
		generator:   generator,
		synthesizer: synthesizer,
		config:      cfg,
	}
}

// Respond generates a reply to req.Transcript and delivers it to sink.
//
// Generation, synthesis fan-out and delivery run as one errgroup; Respond
// returns only after every child task has finished. When ctx is cancelled
// the returned error is ctx.Err() and the Reply lists which units made it
// out. Unit and generation failures never fail the call.
func (o *Orchestrator) Respond(ctx context.Context, req Request, sink Sink) (*Reply, error) {
	logger := req.Logger.With().Str("reply_id", req.ReplyID).Logger()
	metrics := req.Metrics
	if metrics == nil {
		metrics = observability.NewSessionMetrics(req.SessionID)
	}

	queue := newReplyQueue(o.config.ChunkBytes)
	var genErr error
	begin := time.Now()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer queue.close()
		genErr = o.generate(gctx, req, queue, logger, metrics)
		return nil
	})

	g.Go(func() error {
		var synth errgroup.Group
		synth.SetLimit(o.config.MaxConcurrency)
		defer synth.Wait()

		for ordinal := 0; ; ordinal++ {
			u, err := queue.next(gctx, ordinal)
			if err != nil || u == nil {
				return nil
			}
			synth.Go(func() error {
				o.synthesize(gctx, queue, u, logger, metrics)
				return nil
			})
		}
	})

	g.Go(func() error {
		first := true
		return queue.deliver(gctx, &timingSink{Sink: sink, onFirstAudio: func() {
			if first {
				first = false
				metrics.RecordLatency("first_audio", time.Since(begin))
			}
		}}, func(ordinal int, err error) {
			logger.Warn().Err(err).Int("ordinal", ordinal).Msg("Skipping unit after synthesis failure")
		})
	})

	err := g.Wait()

	interrupted := ctx.Err() != nil
	reply := &Reply{
		ID:    req.ReplyID,
		Units: queue.snapshot(interrupted),
	}
	if genErr != nil && !errors.Is(genErr, context.Canceled) {
		reply.GenerationErr = genErr
	}
	for _, u := range reply.Units {
		metrics.RecordUnit(u.State.String())
	}

	if interrupted {
		return reply, ctx.Err()
	}
	if err != nil {
		return reply, fmt.Errorf("failed to deliver reply: %w", err)
	}
	return reply, nil
}

// generate streams the language model into units. A failure before any text
// arrived is retried; after that the dangling fragment is dropped and the
// units already cut stand.
func (o *Orchestrator) generate(ctx context.Context, req Request, queue *replyQueue, logger zerolog.Logger, metrics *observability.Metrics) error {
	splitter := newSentenceSplitter(o.config.SentenceMaxChars)
	messages := make([]llm.Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Transcript})
	llmReq := llm.Request{
		SessionID:    req.SessionID,
		UserID:       req.UserID,
		SystemPrompt: o.config.SystemPrompt,
		Messages:     messages,
	}

	started := false
	begin := time.Now()

	attempt := func(ctx context.Context) error {
		actx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.generator.Generate(actx, llmReq)
		if err != nil {
			return err
		}

		timer := time.NewTimer(o.config.TokenTimeout)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return ErrTokenTimeout
			case delta, ok := <-stream:
				if !ok {
					return nil
				}
				if delta.Err != nil {
					return delta.Err
				}
				timer.Reset(o.config.TokenTimeout)
				if delta.Text == "" {
					continue
				}
				if !started {
					started = true
					metrics.RecordLatency("first_token", time.Since(begin))
				}
				for _, text := range splitter.Add(delta.Text) {
					u := queue.add(text)
					logger.Debug().Int("ordinal", u.ordinal).Str("text", text).Msg("Response unit cut")
				}
			}
		}
	}

	retryable := func(err error) bool {
		return !started && (errors.Is(err, ErrTokenTimeout) || resilience.IsRetryableNetworkError(err))
	}

	err := resilience.RetryNotify(ctx, attempt, o.config.Retry, retryable, func(n int, err error, backoff time.Duration) {
		logger.Warn().Err(err).Int("attempt", n).Dur("backoff", backoff).Msg("Retrying generation")
	})
	metrics.RecordStage("generation", begin, err == nil)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if dropped := splitter.Flush(); dropped != "" {
			logger.Debug().Str("fragment", dropped).Msg("Dropping unfinished fragment")
		}
		metrics.RecordError("generation", "llm")
		logger.Error().Err(err).Bool("text_started", started).Msg("Generation failed")
		return err
	}

	if rest := splitter.Flush(); rest != "" {
		queue.add(rest)
	}
	return nil
}

// synthesize renders one unit into the queue. A failed attempt that produced
// no audio is retried; once audio has been queued the unit can only fail.
func (o *Orchestrator) synthesize(ctx context.Context, queue *replyQueue, u *unitBuffer, logger zerolog.Logger, metrics *observability.Metrics) {
	queue.setState(u, UnitSynthesizing)
	begin := time.Now()
	produced := false
	rate := o.synthesizer.SampleRate()

	attempt := func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, o.config.SynthTimeout)
		defer cancel()

		err := o.synthesizer.Synthesize(actx, u.text, func(pcm []byte) error {
			encoded := pcm
			if o.config.Encode != nil {
				var err error
				if encoded, err = o.config.Encode(pcm, rate); err != nil {
					return fmt.Errorf("failed to encode audio: %w", err)
				}
			}
			if len(encoded) > 0 {
				produced = true
				queue.write(u, encoded)
				metrics.RecordAudioBytes("out", len(encoded))
			}
			return nil
		})

		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil && produced:
			return fmt.Errorf("%w: %w", errPartialAudio, err)
		case err != nil:
			return err
		case !produced:
			return errNoAudio
		}
		return nil
	}

	retryable := func(err error) bool {
		if errors.Is(err, errPartialAudio) {
			return false
		}
		return errors.Is(err, errNoAudio) ||
			errors.Is(err, context.DeadlineExceeded) ||
			resilience.IsRetryableNetworkError(err)
	}

	err := resilience.RetryNotify(ctx, attempt, o.config.Retry, retryable, func(n int, err error, backoff time.Duration) {
		logger.Warn().Err(err).Int("ordinal", u.ordinal).Int("attempt", n).Dur("backoff", backoff).Msg("Retrying synthesis")
	})
	if ctx.Err() != nil {
		err = context.Canceled
	} else {
		metrics.RecordStage("synthesis", begin, err == nil)
		if err != nil {
			metrics.RecordError("synthesis", "tts")
		}
	}
	queue.finish(u, err)
}

// timingSink observes the first audio chunk of a reply.
type timingSink struct {
	Sink
	onFirstAudio func()
}

func (s *timingSink) Audio(ctx context.Context, chunk AudioChunk) error {
	s.onFirstAudio()
	return s.Sink.Audio(ctx, chunk)
}
