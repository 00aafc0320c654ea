package audio

import (
	"time"
)

// SegmenterConfig holds the VAD thresholds. All durations are measured in
// audio time (sum of frame durations), never wall-clock time.
type SegmenterConfig struct {
	EnergyThreshold float64       // stage 1 RMS gate
	Aggressiveness  int           // stage 2 level, 0..3
	SpeechStart     time.Duration // consecutive speech needed to enter Speaking
	SilenceTimeout  time.Duration // consecutive silence needed to end an utterance
	MinUtterance    time.Duration // speech needed for an utterance to be kept
	MaxUtterance    time.Duration // force finalization; 0 disables
}

// DefaultSegmenterConfig returns a default VAD configuration
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		EnergyThreshold: 500.0,
		Aggressiveness:  2,
		SpeechStart:     300 * time.Millisecond,
		SilenceTimeout:  700 * time.Millisecond,
		MinUtterance:    400 * time.Millisecond,
		MaxUtterance:    30 * time.Second,
	}
}

// Event is the segmenter's decision for one frame.
type Event int

const (
	EventNone        Event = iota
	EventSpeechStart       // debounce satisfied, now Speaking
	EventUtterance         // utterance finalized, Result.Utterance is set
	EventDiscarded         // speech ended below MinUtterance
)

func (e Event) String() string {
	switch e {
	case EventSpeechStart:
		return "speech_start"
	case EventUtterance:
		return "utterance"
	case EventDiscarded:
		return "discarded"
	}
	return "none"
}

// Result is returned for every processed frame.
type Result struct {
	Event     Event
	Voiced    bool
	Utterance *Utterance
}

// Segmenter turns a frame stream into utterances. It is not safe for
// concurrent use; a session worker owns exactly one.
type Segmenter struct {
	cfg        SegmenterConfig
	classifier *FrameClassifier

	speaking bool

	// candidate speech run while not yet speaking
	run    []AudioFrame
	runDur time.Duration

	// frames since speech start, including pauses
	pending    []AudioFrame
	lastVoiced int
	speechDur  time.Duration
	silenceDur time.Duration
	totalDur   time.Duration

	speechFrames  int // consecutive speech frames
	silenceFrames int // consecutive silence frames
}

// NewSegmenter creates a segmenter using the default zero-crossing voice model.
func NewSegmenter(cfg SegmenterConfig) *Segmenter {
	return NewSegmenterWithModel(cfg, NewZeroCrossingClassifier(cfg.Aggressiveness))
}

// NewSegmenterWithModel creates a segmenter with a custom stage 2 classifier.
func NewSegmenterWithModel(cfg SegmenterConfig, model VoiceClassifier) *Segmenter {
	return &Segmenter{
		cfg:        cfg,
		classifier: NewFrameClassifier(cfg.EnergyThreshold, model),
		lastVoiced: -1,
	}
}

// Process classifies one frame and advances the state machine.
func (s *Segmenter) Process(f AudioFrame) Result {
	voiced := s.classifier.Classify(f)
	d := f.Duration()

	if voiced {
		s.speechFrames++
		s.silenceFrames = 0
	} else {
		s.silenceFrames++
		s.speechFrames = 0
	}

	if !s.speaking {
		if !voiced {
			s.run = nil
			s.runDur = 0
			return Result{Voiced: false}
		}

		s.run = append(s.run, f)
		s.runDur += d
		if s.runDur < s.cfg.SpeechStart {
			return Result{Voiced: true}
		}

		s.speaking = true
		s.pending = s.run
		s.run = nil
		s.speechDur = s.runDur
		s.totalDur = s.runDur
		s.runDur = 0
		s.silenceDur = 0
		s.lastVoiced = len(s.pending) - 1
		return Result{Event: EventSpeechStart, Voiced: true}
	}

	s.pending = append(s.pending, f)
	s.totalDur += d

	if voiced {
		s.speechDur += d
		s.silenceDur = 0
		s.lastVoiced = len(s.pending) - 1
		if s.cfg.MaxUtterance > 0 && s.totalDur >= s.cfg.MaxUtterance {
			return s.finalize(true)
		}
		return Result{Voiced: true}
	}

	s.silenceDur += d
	if s.silenceDur >= s.cfg.SilenceTimeout {
		return s.finalize(false)
	}
	return Result{Voiced: false}
}

// Flush ends the current utterance early, as when the client signals the end
// of its turn. It returns EventNone when no speech is in progress.
func (s *Segmenter) Flush() Result {
	if !s.speaking {
		s.Reset()
		return Result{}
	}
	return s.finalize(false)
}

// Resume starts a new utterance already in the Speaking state, seeded with
// frames detected elsewhere (the barge-in run that cut off a reply).
func (s *Segmenter) Resume(frames []AudioFrame) {
	s.Reset()
	if len(frames) == 0 {
		return
	}
	s.speaking = true
	s.pending = append([]AudioFrame(nil), frames...)
	for _, f := range frames {
		s.speechDur += f.Duration()
	}
	s.totalDur = s.speechDur
	s.lastVoiced = len(s.pending) - 1
	s.speechFrames = len(frames)
}

// Pending returns a copy of the frames accumulated since speech start, or of
// the candidate run when not yet speaking.
func (s *Segmenter) Pending() []AudioFrame {
	src := s.run
	if s.speaking {
		src = s.pending
	}
	return append([]AudioFrame(nil), src...)
}

// Speaking reports whether an utterance is in progress.
func (s *Segmenter) Speaking() bool {
	return s.speaking
}

// Counters returns the consecutive speech and silence frame counts.
func (s *Segmenter) Counters() (speech, silence int) {
	return s.speechFrames, s.silenceFrames
}

// ClassifierStats returns the frame classifier counters.
func (s *Segmenter) ClassifierStats() ClassifierStats {
	return s.classifier.Stats()
}

// Reset clears all per-utterance state.
func (s *Segmenter) Reset() {
	s.speaking = false
	s.run = nil
	s.runDur = 0
	s.pending = nil
	s.lastVoiced = -1
	s.speechDur = 0
	s.silenceDur = 0
	s.totalDur = 0
	s.speechFrames = 0
	s.silenceFrames = 0
}

// finalize emits the utterance, trailing silence trimmed, if it carries
// enough speech, then clears the state. voiced is the current frame's class.
func (s *Segmenter) finalize(voiced bool) Result {
	if s.speechDur < s.cfg.MinUtterance {
		s.Reset()
		return Result{Event: EventDiscarded, Voiced: voiced}
	}

	utt := &Utterance{
		Frames:         append([]AudioFrame(nil), s.pending[:s.lastVoiced+1]...),
		SpeechDuration: s.speechDur,
		FinalizedAt:    time.Now(),
	}
	s.Reset()
	return Result{Event: EventUtterance, Voiced: voiced, Utterance: utt}
}
