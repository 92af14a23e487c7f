package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vocalis/pkg/gateway/config"
	"github.com/vango-go/vocalis/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		LLMProvider string   `json:"llm_provider"`
		Issues      []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Lifecycle.IsDraining() {
		issues = append(issues, "draining")
	}

	switch h.Config.LLMProvider {
	case "openai", "gemini":
	default:
		issues = append(issues, "invalid llm_provider")
	}
	if h.Config.OpenAIAPIKey == "" {
		issues = append(issues, "openai api key not configured")
	}
	if h.Config.LLMProvider == "gemini" && h.Config.GeminiAPIKey == "" {
		issues = append(issues, "llm_provider=gemini but no gemini api key configured")
	}
	if h.Config.CartesiaAPIKey == "" {
		issues = append(issues, "cartesia api key not configured")
	}
	if h.Config.WSMaxMessageBytes <= 0 {
		issues = append(issues, "ws max message bytes must be > 0")
	}
	if h.Config.WSPingInterval <= 0 || h.Config.WSWriteTimeout <= 0 {
		issues = append(issues, "ws intervals must be > 0")
	}
	if h.Config.MaxAudioBufferBytes <= 0 || h.Config.MaxAudioFragments <= 0 {
		issues = append(issues, "audio buffer budgets must be > 0")
	}
	if h.Config.HistoryMaxTurns <= 0 {
		issues = append(issues, "history max turns must be > 0")
	}
	if h.Config.SessionIdleTimeout <= 0 {
		issues = append(issues, "session idle timeout must be > 0")
	}
	if h.Config.STTTimeout <= 0 || h.Config.TTSTimeout <= 0 {
		issues = append(issues, "stage timeouts must be > 0")
	}
	if h.Config.MaxRetries < 0 {
		issues = append(issues, "max retries must be >= 0")
	}
	if h.Config.RetryBaseDelay <= 0 {
		issues = append(issues, "retry base delay must be > 0")
	}
	if h.Config.TTSChunkBytes <= 0 {
		issues = append(issues, "tts chunk bytes must be > 0")
	}
	if h.Config.SampleRate <= 0 {
		issues = append(issues, "sample rate must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ShutdownGracePeriod <= 0 {
		issues = append(issues, "server timeouts must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:          ok,
		LLMProvider: h.Config.LLMProvider,
		Issues:      issues,
	})
}

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"type": "not_found_error", "message": "not found"},
	})
}
