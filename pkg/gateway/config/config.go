package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// WebSocket transport.
	WSMaxMessageBytes int64
	WSPingInterval    time.Duration
	WSWriteTimeout    time.Duration

	// Audio buffering limits, enforced per session.
	MaxAudioBufferBytes int
	MaxAudioFragments   int

	// Conversation limits.
	HistoryMaxTurns    int
	SessionIdleTimeout time.Duration
	SystemPromptPath   string

	// Pipeline stage timeouts. These are hard ceilings, independent of
	// the per-call retry budget.
	STTTimeout time.Duration
	TTSTimeout time.Duration

	// Retry policy.
	MaxRetries     int
	RetryBaseDelay time.Duration

	// TTS streaming output.
	TTSChunkBytes int
	SampleRate    int
	AudioFormat   string
	Language      string
	VoiceMapPath  string

	// Provider selection and credentials.
	LLMProvider    string // "openai" or "gemini"
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIModel    string
	GeminiAPIKey   string
	GeminiModel    string
	CartesiaAPIKey string
	CartesiaModel  string
	ElevenAPIKey   string
	ElevenVoiceID  string
	WhisperModel   string

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// Browser origins allowed for CORS and websocket upgrades. Empty
	// means same-origin and non-browser clients only.
	CORSAllowedOrigins map[string]struct{}
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOCALIS_ADDR", ":8080"),
		WSMaxMessageBytes:   envInt64Or("VOCALIS_WS_MAX_MESSAGE_BYTES", 8<<20), // 8 MiB
		WSPingInterval:      envDurationOr("VOCALIS_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("VOCALIS_WS_WRITE_TIMEOUT", 5*time.Second),
		MaxAudioBufferBytes: envIntOr("VOCALIS_MAX_AUDIO_BUFFER_BYTES", 16<<20), // 16 MiB
		MaxAudioFragments:   envIntOr("VOCALIS_MAX_AUDIO_FRAGMENTS", 256),
		HistoryMaxTurns:     envIntOr("VOCALIS_HISTORY_MAX_TURNS", 20),
		SessionIdleTimeout:  envDurationOr("VOCALIS_SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SystemPromptPath:    envOr("VOCALIS_SYSTEM_PROMPT_PATH", ""),
		STTTimeout:          envDurationOr("VOCALIS_STT_TIMEOUT", 30*time.Second),
		TTSTimeout:          envDurationOr("VOCALIS_TTS_TIMEOUT", 45*time.Second),
		MaxRetries:          envIntOr("VOCALIS_MAX_RETRIES", 3),
		RetryBaseDelay:      envDurationOr("VOCALIS_RETRY_BASE_DELAY", time.Second),
		TTSChunkBytes:       envIntOr("VOCALIS_TTS_CHUNK_BYTES", 32<<10), // 32 KiB
		SampleRate:          envIntOr("VOCALIS_SAMPLE_RATE", 44100),
		AudioFormat:         envOr("VOCALIS_AUDIO_FORMAT", "wav"),
		Language:            envOr("VOCALIS_LANGUAGE", "zh"),
		VoiceMapPath:        envOr("VOCALIS_VOICE_MAP_PATH", ""),
		LLMProvider:         envOr("VOCALIS_LLM_PROVIDER", "openai"),
		OpenAIAPIKey:        envOr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:       envOr("OPENAI_BASE_URL", ""),
		OpenAIModel:         envOr("VOCALIS_OPENAI_MODEL", ""),
		GeminiAPIKey:        envOr("GEMINI_API_KEY", ""),
		GeminiModel:         envOr("VOCALIS_GEMINI_MODEL", ""),
		CartesiaAPIKey:      envOr("CARTESIA_API_KEY", ""),
		CartesiaModel:       envOr("VOCALIS_CARTESIA_MODEL", "sonic-3"),
		ElevenAPIKey:        envOr("ELEVENLABS_API_KEY", ""),
		ElevenVoiceID:       envOr("VOCALIS_ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		WhisperModel:        envOr("VOCALIS_WHISPER_MODEL", "whisper-1"),
		ReadHeaderTimeout:   envDurationOr("VOCALIS_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VOCALIS_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		CORSAllowedOrigins:  envSet("VOCALIS_CORS_ALLOWED_ORIGINS"),
	}

	switch cfg.LLMProvider {
	case "openai", "gemini":
	default:
		return Config{}, fmt.Errorf("VOCALIS_LLM_PROVIDER must be one of openai|gemini")
	}

	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.MaxAudioBufferBytes <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_MAX_AUDIO_BUFFER_BYTES must be > 0")
	}
	if cfg.MaxAudioFragments <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_MAX_AUDIO_FRAGMENTS must be > 0")
	}
	if cfg.HistoryMaxTurns <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_HISTORY_MAX_TURNS must be > 0")
	}
	if cfg.SessionIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_SESSION_IDLE_TIMEOUT must be > 0")
	}
	if cfg.STTTimeout <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_STT_TIMEOUT must be > 0")
	}
	if cfg.TTSTimeout <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_TTS_TIMEOUT must be > 0")
	}
	if cfg.MaxRetries < 0 {
		return Config{}, fmt.Errorf("VOCALIS_MAX_RETRIES must be >= 0")
	}
	if cfg.RetryBaseDelay <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_RETRY_BASE_DELAY must be > 0")
	}
	if cfg.TTSChunkBytes <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_TTS_CHUNK_BYTES must be > 0")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_SAMPLE_RATE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOCALIS_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("OPENAI_API_KEY must be set when VOCALIS_LLM_PROVIDER=openai")
		}
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return Config{}, fmt.Errorf("GEMINI_API_KEY must be set when VOCALIS_LLM_PROVIDER=gemini")
		}
	}
	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set (transcription uses it)")
	}
	if cfg.CartesiaAPIKey == "" {
		return Config{}, fmt.Errorf("CARTESIA_API_KEY must be set")
	}

	return cfg, nil
}

func envSet(key string) map[string]struct{} {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	out := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out[part] = struct{}{}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
