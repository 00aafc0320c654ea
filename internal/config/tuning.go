package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tuning is the optional YAML overlay for product-tuning thresholds.
// Zero values leave the environment value in place.
type Tuning struct {
	Segmenter struct {
		EnergyThreshold  float64 `yaml:"energy_threshold"`
		Aggressiveness   *int    `yaml:"aggressiveness"`
		SpeechStartMs    int     `yaml:"speech_start_ms"`
		SilenceTimeoutMs int     `yaml:"silence_timeout_ms"`
		MinUtteranceMs   int     `yaml:"min_utterance_ms"`
		MaxUtteranceMs   int     `yaml:"max_utterance_ms"`
	} `yaml:"segmenter"`

	BargeIn struct {
		SpeechStartMs int `yaml:"speech_start_ms"`
	} `yaml:"barge_in"`

	Orchestrator struct {
		SentenceMaxChars    int `yaml:"sentence_max_chars"`
		SynthMaxConcurrency int `yaml:"synth_max_concurrency"`
		ChunkBytes          int `yaml:"chunk_bytes"`
	} `yaml:"orchestrator"`
}

// ApplyTuning reads a tuning file and overlays its non-zero values.
func (c *Config) ApplyTuning(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tuning file: %w", err)
	}

	var t Tuning
	if err := yaml.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("failed to parse tuning file %s: %w", path, err)
	}

	c.applyTuning(t)
	return nil
}

func (c *Config) applyTuning(t Tuning) {
	setFloat(&c.VADEnergyThreshold, t.Segmenter.EnergyThreshold)
	if t.Segmenter.Aggressiveness != nil {
		c.VADAggressiveness = *t.Segmenter.Aggressiveness
	}
	setInt(&c.VADSpeechStartMs, t.Segmenter.SpeechStartMs)
	setInt(&c.VADSilenceTimeoutMs, t.Segmenter.SilenceTimeoutMs)
	setInt(&c.VADMinUtteranceMs, t.Segmenter.MinUtteranceMs)
	setInt(&c.VADMaxUtteranceMs, t.Segmenter.MaxUtteranceMs)
	setInt(&c.BargeInSpeechMs, t.BargeIn.SpeechStartMs)
	setInt(&c.SentenceMaxChars, t.Orchestrator.SentenceMaxChars)
	setInt(&c.SynthMaxConcurrency, t.Orchestrator.SynthMaxConcurrency)
	setInt(&c.AudioChunkBytes, t.Orchestrator.ChunkBytes)
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}
