// Package openai implements the streaming chat provider on the OpenAI
// Chat Completions API.
package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/vango-go/vocalis/pkg/core"
	"github.com/vango-go/vocalis/pkg/core/llm"
)

// Config holds provider settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Provider streams chat completions from OpenAI.
type Provider struct {
	client *openai.Client
	model  string
}

// New creates an OpenAI chat provider.
func New(cfg Config) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4o
	}
	return &Provider{client: &client, model: model}
}

// Name returns the provider name.
func (p *Provider) Name() string { return "openai" }

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req llm.Request, onDelta func(string) error) (*llm.Result, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.History {
		switch m.Role {
		case llm.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var full string
	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full += delta
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, core.NewProviderError("openai", err)
	}

	return &llm.Result{Text: llm.SanitizeForSpeech(full)}, nil
}
