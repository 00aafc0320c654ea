package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice session service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Comma-separated list of browser origins allowed to open a session.
	// Empty allows same-host and origin-less clients only.
	AllowedOrigins string `envconfig:"ALLOWED_ORIGINS" default:""`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en-US"`

	// Cartesia TTS API configuration
	CartesiaAPIKey    string `envconfig:"CARTESIA_API_KEY" required:"true"`
	CartesiaVoiceID   string `envconfig:"CARTESIA_VOICE_ID" default:"a0e99841-438c-4a64-b679-ae501e7d6091"`
	CartesiaModelID   string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-english"`
	CartesiaTransport string `envconfig:"CARTESIA_TRANSPORT" default:"http"` // http or websocket
	TTSSampleRate     int    `envconfig:"TTS_SAMPLE_RATE" default:"24000"`

	// Language model backend
	LLMProvider     string `envconfig:"LLM_PROVIDER" default:"grpc"` // grpc or gemini
	LLMGRPCURL      string `envconfig:"LLM_GRPC_URL" default:"localhost:50051"`
	LLMTLSEnabled   bool   `envconfig:"LLM_TLS_ENABLED" default:"false"`
	LLMSystemPrompt string `envconfig:"LLM_SYSTEM_PROMPT" default:"You are a concise voice assistant. Answer in short spoken sentences. Use the news and stock tools when the user asks about markets or current events."`
	GeminiAPIKey    string `envconfig:"GEMINI_API_KEY" default:""`
	GeminiModel     string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`

	// Audio configuration
	AudioSampleRate     int    `envconfig:"AUDIO_SAMPLE_RATE" default:"16000"`
	AudioInEncoding     string `envconfig:"AUDIO_IN_ENCODING" default:"pcm16"`  // pcm16 or mulaw
	AudioOutEncoding    string `envconfig:"AUDIO_OUT_ENCODING" default:"pcm16"` // pcm16 or mulaw
	AudioBufferMaxBytes int    `envconfig:"AUDIO_BUFFER_MAX_BYTES" default:"64000"`
	AudioChunkBytes     int    `envconfig:"AUDIO_CHUNK_BYTES" default:"4096"`

	// Voice activity detection
	VADEnergyThreshold  float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"`
	VADAggressiveness   int     `envconfig:"VAD_AGGRESSIVENESS" default:"2"` // 0 (permissive) .. 3 (strict)
	VADSpeechStartMs    int     `envconfig:"VAD_SPEECH_START_MS" default:"300"`
	VADSilenceTimeoutMs int     `envconfig:"VAD_SILENCE_TIMEOUT_MS" default:"700"`
	VADMinUtteranceMs   int     `envconfig:"VAD_MIN_UTTERANCE_MS" default:"400"`
	VADMaxUtteranceMs   int     `envconfig:"VAD_MAX_UTTERANCE_MS" default:"30000"`
	BargeInSpeechMs     int     `envconfig:"BARGE_IN_SPEECH_MS" default:"120"`

	// Response pipeline
	SentenceMaxChars    int `envconfig:"SENTENCE_MAX_CHARS" default:"160"`
	SynthMaxConcurrency int `envconfig:"SYNTH_MAX_CONCURRENCY" default:"3"`
	TranscribeTimeoutMs int `envconfig:"TRANSCRIBE_TIMEOUT_MS" default:"8000"`
	TokenTimeoutMs      int `envconfig:"TOKEN_TIMEOUT_MS" default:"10000"`
	SynthTimeoutMs      int `envconfig:"SYNTH_TIMEOUT_MS" default:"10000"`
	HistoryMaxMessages  int `envconfig:"HISTORY_MAX_MESSAGES" default:"20"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	RetryMaxBackoff            int `envconfig:"RETRY_MAX_BACKOFF" default:"2000"`           // Backoff ceiling in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Session lifecycle
	SessionIdleTimeout int `envconfig:"SESSION_IDLE_TIMEOUT" default:"120"` // seconds
	SessionInboxSize   int `envconfig:"SESSION_INBOX_SIZE" default:"256"`

	// Persistence
	DatabaseURL          string `envconfig:"DATABASE_URL" default:""`
	PersistenceQueueSize int    `envconfig:"PERSISTENCE_QUEUE_SIZE" default:"64"`

	// Optional YAML file overriding the VAD and pipeline tuning above
	TuningFile string `envconfig:"TUNING_FILE" default:""`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.TuningFile != "" {
		if err := cfg.ApplyTuning(cfg.TuningFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required keys and cross-field constraints.
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is required")
	}

	switch c.LLMProvider {
	case "grpc":
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when LLM_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLMProvider)
	}

	switch c.CartesiaTransport {
	case "http", "websocket":
	default:
		return fmt.Errorf("unsupported CARTESIA_TRANSPORT %q", c.CartesiaTransport)
	}

	for name, enc := range map[string]string{"AUDIO_IN_ENCODING": c.AudioInEncoding, "AUDIO_OUT_ENCODING": c.AudioOutEncoding} {
		if enc != "pcm16" && enc != "mulaw" {
			return fmt.Errorf("unsupported %s %q", name, enc)
		}
	}

	if c.VADAggressiveness < 0 || c.VADAggressiveness > 3 {
		return fmt.Errorf("VAD_AGGRESSIVENESS must be between 0 and 3, got %d", c.VADAggressiveness)
	}
	if c.VADSpeechStartMs <= 0 || c.VADSilenceTimeoutMs <= 0 || c.BargeInSpeechMs <= 0 {
		return fmt.Errorf("VAD debounce thresholds must be positive")
	}
	if c.BargeInSpeechMs > c.VADSpeechStartMs {
		return fmt.Errorf("BARGE_IN_SPEECH_MS (%d) must not exceed VAD_SPEECH_START_MS (%d)", c.BargeInSpeechMs, c.VADSpeechStartMs)
	}
	if c.AudioChunkBytes <= 0 || c.AudioChunkBytes%2 != 0 {
		return fmt.Errorf("AUDIO_CHUNK_BYTES must be a positive even number, got %d", c.AudioChunkBytes)
	}
	if c.SentenceMaxChars <= 0 {
		return fmt.Errorf("SENTENCE_MAX_CHARS must be positive")
	}
	if c.SynthMaxConcurrency <= 0 {
		return fmt.Errorf("SYNTH_MAX_CONCURRENCY must be positive")
	}

	return nil
}

// Origins returns the parsed ALLOWED_ORIGINS list.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c *Config) TranscribeTimeout() time.Duration {
	return time.Duration(c.TranscribeTimeoutMs) * time.Millisecond
}

func (c *Config) TokenTimeout() time.Duration {
	return time.Duration(c.TokenTimeoutMs) * time.Millisecond
}

func (c *Config) SynthTimeout() time.Duration {
	return time.Duration(c.SynthTimeoutMs) * time.Millisecond
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeout) * time.Second
}

func (c *Config) BreakerResetTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
