// Package gemini implements the streaming chat provider on the Gemini
// API. It serves as the fallback model when the primary provider's
// retry budget is exhausted.
package gemini

import (
	"context"
	"errors"

	"google.golang.org/genai"

	"github.com/vango-go/vocalis/pkg/core"
	"github.com/vango-go/vocalis/pkg/core/llm"
)

// Config holds provider settings.
type Config struct {
	APIKey string
	Model  string
}

// Provider streams completions from Gemini.
type Provider struct {
	client *genai.Client
	model  string
}

// New creates a Gemini provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, core.NewProviderError("gemini", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &Provider{client: client, model: model}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string { return "gemini" }

// Stream implements llm.Provider.
func (p *Provider) Stream(ctx context.Context, req llm.Request, onDelta func(string) error) (*llm.Result, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		role := genai.RoleUser
		if m.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	contents = append(contents, &genai.Content{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: req.Prompt}},
	})

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	var full string
	for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, cfg) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, core.NewProviderError("gemini", err)
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		delta := resp.Text()
		if delta == "" {
			continue
		}
		full += delta
		if onDelta != nil {
			if derr := onDelta(delta); derr != nil {
				return nil, derr
			}
		}
	}

	return &llm.Result{Text: llm.SanitizeForSpeech(full)}, nil
}
