package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vocalis/pkg/core"
	"github.com/vango-go/vocalis/pkg/core/retry"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaWSURL   = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2025-04-16"
)

// Default voice ID used when no voice mapping applies.
const defaultVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"

// CartesiaProvider implements the TTS Provider interface using Cartesia's API.
type CartesiaProvider struct {
	apiKey     string
	modelID    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	wsURL      string

	// dialRetries bounds reconnect attempts when the websocket dial
	// fails. Synthesis itself is never retried mid-stream.
	dialRetries int
}

// CartesiaConfig holds Cartesia provider settings.
type CartesiaConfig struct {
	APIKey      string
	ModelID     string
	DialRetries int
	HTTPClient  *http.Client

	// WSBase overrides the streaming endpoint. Empty means the public API.
	WSBase string
}

// NewCartesia creates a new Cartesia TTS provider.
func NewCartesia(cfg CartesiaConfig) *CartesiaProvider {
	model := cfg.ModelID
	if model == "" {
		model = "sonic-3"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	wsURL := cfg.WSBase
	if wsURL == "" {
		wsURL = cartesiaWSURL
	}
	return &CartesiaProvider{
		apiKey:      cfg.APIKey,
		modelID:     model,
		httpClient:  hc,
		dialer:      websocket.DefaultDialer,
		wsURL:       wsURL,
		dialRetries: cfg.DialRetries,
	}
}

// Name returns the provider identifier.
func (c *CartesiaProvider) Name() string {
	return "cartesia"
}

// Synthesize converts text to audio using Cartesia's bytes endpoint.
func (c *CartesiaProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	reqBody := cartesiaTTSRequest{
		ModelID:      c.modelID,
		Transcript:   text,
		Voice:        cartesiaVoiceSpec{Mode: "id", ID: voiceOrDefault(opts.Voice)},
		OutputFormat: buildOutputFormat(opts),
	}
	reqBody.GenerationConfig = generationConfig(opts)
	if opts.Language != "" {
		reqBody.Language = &opts.Language
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", cartesiaBaseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.NewProviderError("cartesia", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return &Synthesis{Audio: []byte{}, Format: normalizeFormat(opts.Format)}, nil
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		perr := core.NewProviderError("cartesia", fmt.Errorf("status %d: %s", resp.StatusCode, string(errBody)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			perr.Type = core.ErrInvalidRequest
		}
		return nil, perr
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewProviderError("cartesia", err)
	}

	return &Synthesis{Audio: audio, Format: normalizeFormat(opts.Format)}, nil
}

// SynthesizeStream converts text to streaming audio over Cartesia's
// WebSocket API. Only the dial is retried; a stream that breaks after
// chunks were delivered fails outright.
func (c *CartesiaProvider) SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	conn, err := retry.Do(ctx, retry.Options{MaxRetries: c.dialRetries, BaseDelay: 500 * time.Millisecond},
		func(ctx context.Context) (*websocket.Conn, error) {
			conn, _, derr := c.dialer.DialContext(ctx, u.String(), nil)
			if derr != nil {
				return nil, core.NewProviderError("cartesia", derr)
			}
			return conn, nil
		})
	if err != nil {
		return nil, err
	}

	wsReq := cartesiaWSRequest{
		ModelID:      c.modelID,
		Transcript:   text,
		Voice:        cartesiaVoiceSpec{Mode: "id", ID: voiceOrDefault(opts.Voice)},
		OutputFormat: buildOutputFormat(opts),
		ContextID:    generateContextID(),
	}
	wsReq.GenerationConfig = generationConfig(opts)
	if opts.Language != "" {
		wsReq.Language = &opts.Language
	}

	if err := conn.WriteJSON(wsReq); err != nil {
		conn.Close()
		return nil, core.NewProviderError("cartesia", err)
	}

	stream := NewSynthesisStream()

	// A parked ReadJSON only returns once the connection dies, so a
	// watcher closes it when the context or the consumer gives up.
	readerDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stream.done:
		case <-readerDone:
		}
		conn.Close()
	}()

	go func() {
		defer close(readerDone)
		defer stream.FinishSending()

		for {
			var msg cartesiaWSResponse
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() != nil {
					stream.SetError(ctx.Err())
					return
				}
				select {
				case <-stream.done:
					return
				default:
				}
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return
				}
				stream.SetError(core.NewProviderError("cartesia", err))
				return
			}

			switch msg.Type {
			case "chunk":
				audioData, err := base64.StdEncoding.DecodeString(msg.Data)
				if err != nil {
					stream.SetError(fmt.Errorf("decode audio: %w", err))
					return
				}
				if !stream.Send(audioData) {
					return
				}

			case "done":
				return

			case "flush_done":
				continue

			case "error":
				stream.SetError(core.NewProviderError("cartesia", fmt.Errorf("%s", msg.Error)))
				return
			}
		}
	}()

	return stream, nil
}

func voiceOrDefault(voice string) string {
	if voice == "" {
		return defaultVoiceID
	}
	return voice
}

func generationConfig(opts SynthesizeOptions) *cartesiaGenerationConfig {
	if opts.Speed == 0 && opts.Volume == 0 && opts.Emotion == "" {
		return nil
	}
	return &cartesiaGenerationConfig{
		Speed:   opts.Speed,
		Volume:  opts.Volume,
		Emotion: opts.Emotion,
	}
}

func buildOutputFormat(opts SynthesizeOptions) cartesiaOutputFormat {
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 24000
	}

	switch opts.Format {
	case "mp3":
		return cartesiaOutputFormat{
			Container:  "mp3",
			SampleRate: sampleRate,
			BitRate:    128000,
		}
	case "pcm", "raw":
		return cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: sampleRate,
		}
	default:
		return cartesiaOutputFormat{
			Container:  "wav",
			Encoding:   "pcm_s16le",
			SampleRate: sampleRate,
		}
	}
}

func normalizeFormat(format string) string {
	switch format {
	case "mp3", "pcm", "raw", "wav":
		return format
	default:
		return "wav"
	}
}

type cartesiaTTSRequest struct {
	ModelID          string                    `json:"model_id"`
	Transcript       string                    `json:"transcript"`
	Voice            cartesiaVoiceSpec         `json:"voice"`
	OutputFormat     cartesiaOutputFormat      `json:"output_format"`
	Language         *string                   `json:"language,omitempty"`
	GenerationConfig *cartesiaGenerationConfig `json:"generation_config,omitempty"`
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	BitRate    int    `json:"bit_rate,omitempty"`
}

type cartesiaGenerationConfig struct {
	Speed   float64 `json:"speed,omitempty"`
	Volume  float64 `json:"volume,omitempty"`
	Emotion string  `json:"emotion,omitempty"`
}

type cartesiaWSRequest struct {
	ModelID          string                    `json:"model_id"`
	Transcript       string                    `json:"transcript"`
	Voice            cartesiaVoiceSpec         `json:"voice"`
	OutputFormat     cartesiaOutputFormat      `json:"output_format"`
	GenerationConfig *cartesiaGenerationConfig `json:"generation_config,omitempty"`
	Language         *string                   `json:"language,omitempty"`
	ContextID        string                    `json:"context_id,omitempty"`
}

type cartesiaWSResponse struct {
	Type       string `json:"type"` // "chunk", "done", "error"
	Data       string `json:"data,omitempty"`
	Done       bool   `json:"done,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

var contextCounter atomic.Uint64

func generateContextID() string {
	return fmt.Sprintf("ctx_%d", contextCounter.Add(1))
}
