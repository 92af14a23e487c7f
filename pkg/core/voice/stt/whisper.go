package stt

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/vango-go/vocalis/pkg/core"
)

// WhisperConfig holds Whisper provider settings.
type WhisperConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Whisper transcribes audio with the OpenAI audio transcription API.
type Whisper struct {
	client *openai.Client
	model  openai.AudioModel
}

// NewWhisper creates a Whisper STT provider.
func NewWhisper(cfg WhisperConfig) *Whisper {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	model := openai.AudioModelWhisper1
	if cfg.Model != "" {
		model = openai.AudioModel(cfg.Model)
	}
	return &Whisper{client: &client, model: model}
}

// Name returns the provider identifier.
func (w *Whisper) Name() string { return "whisper" }

// Transcribe implements Provider. Audio that is too short or that the
// upstream cannot decode maps to non-retryable invalid request errors
// so the recovery policy fails fast instead of burning the budget.
func (w *Whisper) Transcribe(ctx context.Context, audio []byte, opts TranscribeOptions) (*Transcript, error) {
	if len(audio) == 0 {
		return nil, core.NewInvalidRequestError(core.CodeNoAudioData, "no audio data to transcribe")
	}

	format := opts.Format
	if format == "" {
		format = "webm"
	}
	model := w.model
	if opts.Model != "" {
		model = openai.AudioModel(opts.Model)
	}

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), "audio."+format, "audio/"+format),
		Model: model,
	}
	if opts.Language != "" {
		params.Language = openai.String(opts.Language)
	}

	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, classifyWhisperError(err)
	}

	text := strings.TrimSpace(resp.Text)
	return &Transcript{Text: text, Language: opts.Language}, nil
}

func classifyWhisperError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "too short") || strings.Contains(msg, "minimum"):
		return core.NewInvalidRequestError(core.CodeAudioTooShort, "audio is too short, record at least half a second of speech")
	case strings.Contains(msg, "could not be decoded") ||
		strings.Contains(msg, "format is not supported") ||
		strings.Contains(msg, "Unrecognized file format"):
		return core.NewInvalidRequestError(core.CodeAudioDecode, "audio could not be decoded")
	default:
		return core.NewProviderError("whisper", err)
	}
}
