package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vocalis/pkg/core"
)

const elevenLabsDefaultWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"

// ElevenLabsProvider is the fallback synthesis provider, used when the
// primary provider's retry budget is exhausted.
type ElevenLabsProvider struct {
	apiKey    string
	voiceID   string
	wsBaseURL string
}

// ElevenLabsConfig holds ElevenLabs provider settings.
type ElevenLabsConfig struct {
	APIKey  string
	VoiceID string
	WSBase  string
}

// NewElevenLabs creates an ElevenLabs TTS provider.
func NewElevenLabs(cfg ElevenLabsConfig) *ElevenLabsProvider {
	base := strings.TrimSpace(cfg.WSBase)
	if base == "" {
		base = elevenLabsDefaultWSBase
	}
	return &ElevenLabsProvider{
		apiKey:    strings.TrimSpace(cfg.APIKey),
		voiceID:   strings.TrimSpace(cfg.VoiceID),
		wsBaseURL: base,
	}
}

// Name returns the provider identifier.
func (e *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

// Synthesize collects the streaming output into one buffer.
func (e *ElevenLabsProvider) Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error) {
	stream, err := e.SynthesizeStream(ctx, text, opts)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var out []byte
	for chunk := range stream.Chunks() {
		out = append(out, chunk...)
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &Synthesis{Audio: out, Format: "pcm"}, nil
}

// SynthesizeStream sends the full transcript with a flush and streams
// back audio frames until the service marks the synthesis final.
func (e *ElevenLabsProvider) SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error) {
	if e.apiKey == "" {
		return nil, core.NewInvalidRequestError("", "elevenlabs api key is required")
	}
	// opts.Voice carries the primary vendor's voice ID, which means
	// nothing to ElevenLabs. The configured voice always wins.
	voiceID := e.voiceID
	if voiceID == "" {
		return nil, core.NewInvalidRequestError("", "voice id is required")
	}

	wsURL, err := buildElevenLabsWSURL(e.wsBaseURL, voiceID, opts.SampleRate)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("xi-api-key", e.apiKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, core.NewProviderError("elevenlabs", err)
	}

	// Opening frame primes the voice context, then the transcript and
	// flush go out in one shot.
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(map[string]any{"text": " ", "voice_id": voiceID}); err != nil {
		conn.Close()
		return nil, core.NewProviderError("elevenlabs", err)
	}
	body := strings.TrimSpace(text)
	if body != "" && !strings.HasSuffix(body, " ") {
		body += " "
	}
	if err := conn.WriteJSON(map[string]any{"text": body, "flush": true}); err != nil {
		conn.Close()
		return nil, core.NewProviderError("elevenlabs", err)
	}
	if err := conn.WriteJSON(map[string]any{"text": ""}); err != nil {
		conn.Close()
		return nil, core.NewProviderError("elevenlabs", err)
	}

	stream := NewSynthesisStream()

	// ReadMessage blocks until the connection dies, so a watcher closes
	// it when the context or the consumer gives up.
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
			_, data, err := conn.ReadMessage()
			if err != nil {
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
				stream.SetError(core.NewProviderError("elevenlabs", err))
				return
			}

			var msg map[string]json.RawMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if audioB64 := decodeStringRaw(msg["audio"]); audioB64 != "" {
				audio, err := base64.StdEncoding.DecodeString(audioB64)
				if err == nil && len(audio) > 0 {
					if !stream.Send(audio) {
						return
					}
				}
			}
			if decodeBoolRaw(msg["isFinal"]) || decodeBoolRaw(msg["is_final"]) {
				return
			}
		}
	}()

	return stream, nil
}

func buildElevenLabsWSURL(base, voiceID string, sampleRate int) (string, error) {
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(voiceID))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs ws url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input"
	}
	q := u.Query()
	if q.Get("model_id") == "" {
		q.Set("model_id", "eleven_flash_v2_5")
	}
	if q.Get("output_format") == "" {
		format := "pcm_24000"
		if sampleRate == 16000 {
			format = "pcm_16000"
		}
		q.Set("output_format", format)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func decodeStringRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func decodeBoolRaw(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var out bool
	if err := json.Unmarshal(raw, &out); err != nil {
		return false
	}
	return out
}
