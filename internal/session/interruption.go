package session

import (
	"time"

	"github.com/lexiqai/voice-assistant/internal/audio"
)

// InterruptionEvent records where a reply was cut off by barge-in.
type InterruptionEvent struct {
	At              time.Time
	ReplyID         string
	LastSentOrdinal int
	// Trigger is the speech run that caused the interruption. It seeds the
	// next utterance.
	Trigger []audio.AudioFrame
}

// InterruptionController watches inbound audio while a reply is active. It
// runs the same two-stage classification as the main segmenter with a
// shorter speech debounce.
type InterruptionController struct {
	segmenter *audio.Segmenter
	armed     bool
}

// NewInterruptionController derives the barge-in detector from the main
// segmenter settings, replacing only the speech debounce.
func NewInterruptionController(cfg audio.SegmenterConfig, bargeInSpeech time.Duration) *InterruptionController {
	cfg.SpeechStart = bargeInSpeech
	cfg.MaxUtterance = 0
	return &InterruptionController{segmenter: audio.NewSegmenter(cfg)}
}

// Arm starts watching with a clean debounce state.
func (c *InterruptionController) Arm() {
	c.segmenter.Reset()
	c.armed = true
}

// Disarm stops watching and forgets any partial speech run.
func (c *InterruptionController) Disarm() {
	c.segmenter.Reset()
	c.armed = false
}

// Partial returns the speech run still being debounced, if armed.
func (c *InterruptionController) Partial() []audio.AudioFrame {
	if !c.armed {
		return nil
	}
	return c.segmenter.Pending()
}

func (c *InterruptionController) Armed() bool {
	return c.armed
}

// Observe classifies one frame. When sustained speech is confirmed it
// disarms and returns the frames of the confirming run.
func (c *InterruptionController) Observe(f audio.AudioFrame) (bool, []audio.AudioFrame) {
	if !c.armed {
		return false, nil
	}

	res := c.segmenter.Process(f)
	if res.Event != audio.EventSpeechStart {
		return false, nil
	}

	trigger := c.segmenter.Pending()
	c.Disarm()
	return true, trigger
}
