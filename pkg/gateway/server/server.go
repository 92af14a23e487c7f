package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/vango-go/vocalis/pkg/audio"
	"github.com/vango-go/vocalis/pkg/core/llm"
	"github.com/vango-go/vocalis/pkg/core/llm/gemini"
	"github.com/vango-go/vocalis/pkg/core/llm/openai"
	"github.com/vango-go/vocalis/pkg/core/voice/stt"
	"github.com/vango-go/vocalis/pkg/core/voice/tts"
	"github.com/vango-go/vocalis/pkg/core/voice/voicemap"
	"github.com/vango-go/vocalis/pkg/gateway/config"
	"github.com/vango-go/vocalis/pkg/gateway/handlers"
	"github.com/vango-go/vocalis/pkg/gateway/lifecycle"
	"github.com/vango-go/vocalis/pkg/gateway/live/session"
	"github.com/vango-go/vocalis/pkg/gateway/live/sessions"
	"github.com/vango-go/vocalis/pkg/gateway/mw"
	"github.com/vango-go/vocalis/pkg/telemetry"
)

// defaultSystemPrompt keeps replies short and speakable when no prompt
// file is configured.
const defaultSystemPrompt = "你是一個溫柔自然的語音助手。回覆要簡短、口語化，適合直接朗讀。"

// Server wires configuration, providers, and the live session tracker
// into the HTTP surface.
type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	tracker      *sessions.Tracker
	lifecycle    *lifecycle.Lifecycle
	metrics      *telemetry.Metrics
	providers    session.Providers
	deps         session.Deps
	systemPrompt string
}

// New builds a server from config: provider clients, voice map, audio
// aggregator, metrics, and routes. The context is used for provider
// client initialization only.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return nil, err
	}

	voices := voicemap.Default()
	if cfg.VoiceMapPath != "" {
		voices, err = voicemap.Load(cfg.VoiceMapPath)
		if err != nil {
			return nil, fmt.Errorf("load voice map: %w", err)
		}
	}

	systemPrompt := defaultSystemPrompt
	if cfg.SystemPromptPath != "" {
		raw, err := os.ReadFile(cfg.SystemPromptPath)
		if err != nil {
			return nil, fmt.Errorf("load system prompt: %w", err)
		}
		if trimmed := strings.TrimSpace(string(raw)); trimmed != "" {
			systemPrompt = trimmed
		}
	}

	metrics := telemetry.NewMetrics("vocalis")

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		tracker:   sessions.NewTracker(),
		lifecycle: &lifecycle.Lifecycle{},
		metrics:   metrics,
		providers: providers,
		deps: session.Deps{
			Aggregator: audio.NewAggregator(audio.Config{}, logger),
			Voices:     voices,
			Metrics:    metrics,
			Logger:     logger,
		},
		systemPrompt: systemPrompt,
	}

	s.routes()
	return s, nil
}

func buildProviders(ctx context.Context, cfg config.Config) (session.Providers, error) {
	var p session.Providers

	openAILLM := openai.New(openai.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
	})

	var geminiLLM llm.Provider
	if cfg.GeminiAPIKey != "" {
		g, err := gemini.New(ctx, gemini.Config{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
		})
		if err != nil {
			return p, fmt.Errorf("init gemini: %w", err)
		}
		geminiLLM = g
	}

	switch cfg.LLMProvider {
	case "gemini":
		if geminiLLM == nil {
			return p, fmt.Errorf("llm provider is gemini but no gemini api key is configured")
		}
		p.LLM = geminiLLM
		p.LLMFallback = openAILLM
	case "openai", "":
		p.LLM = openAILLM
		p.LLMFallback = geminiLLM
	default:
		return p, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}

	p.STT = stt.NewWhisper(stt.WhisperConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.WhisperModel,
	})
	p.STTFallback = stt.NewCartesia(cfg.CartesiaAPIKey)

	p.TTS = tts.NewCartesia(tts.CartesiaConfig{
		APIKey:  cfg.CartesiaAPIKey,
		ModelID: cfg.CartesiaModel,
	})
	if cfg.ElevenAPIKey != "" {
		p.TTSFallback = tts.NewElevenLabs(tts.ElevenLabsConfig{
			APIKey:  cfg.ElevenAPIKey,
			VoiceID: cfg.ElevenVoiceID,
		})
	}

	return p, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/v1/voice", handlers.VoiceHandler{
		Config:       s.cfg,
		Logger:       s.logger,
		Lifecycle:    s.lifecycle,
		Sessions:     s.tracker,
		Providers:    s.providers,
		Deps:         s.deps,
		SystemPrompt: s.systemPrompt,
	})
	s.mux.Handle("/v1/stats", handlers.StatsHandler{Tracker: s.tracker})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// Handler returns the full middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips the readiness probe and makes new websocket
// upgrades fail while existing sessions wind down.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// Sessions exposes the live session tracker.
func (s *Server) Sessions() *sessions.Tracker {
	return s.tracker
}

// WaitLiveSessions blocks until all live sessions end or ctx expires.
// Returns false on timeout.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// CancelLiveSessions force-closes every live session and reports how
// many were cancelled.
func (s *Server) CancelLiveSessions() int {
	return s.tracker.CancelAll()
}
