package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/vango-go/vocalis/pkg/core"
)

func TestDecodeClientMessage_Connect(t *testing.T) {
	raw := []byte(`{
		"type":"connect",
		"data":{"userIdentity":"u-1","userName":"Mio","language":"zh"}
	}`)

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	connect, ok := msg.(ClientConnect)
	if !ok {
		t.Fatalf("decoded type = %T, want ClientConnect", msg)
	}
	if connect.UserIdentity != "u-1" || connect.Language != "zh" {
		t.Fatalf("connect=%+v", connect)
	}
}

func TestDecodeClientMessage_ConnectWithoutData(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"connect"}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if _, ok := msg.(ClientConnect); !ok {
		t.Fatalf("decoded type = %T, want ClientConnect", msg)
	}
}

func TestDecodeClientMessage_AudioChunk(t *testing.T) {
	audio := []byte{0x1a, 0x45, 0xdf, 0xa3}
	raw, _ := json.Marshal(map[string]any{
		"type": "audio_chunk",
		"data": map[string]any{
			"audio":      base64.StdEncoding.EncodeToString(audio),
			"sampleRate": 44100,
			"channels":   1,
		},
	})

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	chunk := msg.(ClientAudioChunk)
	if !bytes.Equal(chunk.Decoded, audio) {
		t.Fatalf("decoded audio=%v, want %v", chunk.Decoded, audio)
	}
	if chunk.Format != "webm" {
		t.Fatalf("format=%q, want webm default", chunk.Format)
	}
	if chunk.SampleRate != 44100 {
		t.Fatalf("sampleRate=%d", chunk.SampleRate)
	}
}

func TestDecodeClientMessage_AudioChunkMissingAudio(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"audio_chunk","data":{"format":"webm"}}`))
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T, want *DecodeError", err)
	}
	if decErr.Code != core.CodeMissingAudio {
		t.Fatalf("code=%q, want %q", decErr.Code, core.CodeMissingAudio)
	}
}

func TestDecodeClientMessage_AudioChunkBadBase64(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"audio_chunk","data":{"audio":"not base64!!"}}`))
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T, want *DecodeError", err)
	}
	if decErr.Code != core.CodeInvalidMessage {
		t.Fatalf("code=%q, want %q", decErr.Code, core.CodeInvalidMessage)
	}
}

func TestDecodeClientMessage_Text(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"text","data":{"text":"hello"}}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if text := msg.(ClientText); text.Text != "hello" {
		t.Fatalf("text=%q", text.Text)
	}

	if _, err := DecodeClientMessage([]byte(`{"type":"text","data":{"text":"  "}}`)); err == nil {
		t.Fatal("expected error for blank text")
	}
}

func TestDecodeClientMessage_InterruptDefaultsReason(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"interrupt"}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if intr := msg.(ClientInterrupt); intr.Reason != "user_interrupt" {
		t.Fatalf("reason=%q", intr.Reason)
	}
}

func TestDecodeClientMessage_ResetClearHistory(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"reset"}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if reset := msg.(ClientReset); !reset.WantClearHistory() {
		t.Fatal("clearHistory should default to true")
	}

	msg, err = DecodeClientMessage([]byte(`{"type":"reset","data":{"clearHistory":false}}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if reset := msg.(ClientReset); reset.WantClearHistory() {
		t.Fatal("clearHistory=false should be honored")
	}
}

func TestDecodeClientMessage_PingEnvelopeTimestamp(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"ping","timestamp":1730000000123}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if ping := msg.(ClientPing); ping.Timestamp != 1730000000123 {
		t.Fatalf("timestamp=%d", ping.Timestamp)
	}
}

func TestDecodeClientMessage_BadJSON(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{not json`))
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T, want *DecodeError", err)
	}
	if decErr.Code != core.CodeParseError {
		t.Fatalf("code=%q, want %q", decErr.Code, core.CodeParseError)
	}
}

func TestDecodeClientMessage_MissingType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"data":{}}`))
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T, want *DecodeError", err)
	}
	if decErr.Code != core.CodeInvalidMessage {
		t.Fatalf("code=%q", decErr.Code)
	}
}

func TestDecodeClientMessage_UnknownType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"warp"}`))
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T, want *DecodeError", err)
	}
	if decErr.Code != core.CodeUnknownType {
		t.Fatalf("code=%q, want %q", decErr.Code, core.CodeUnknownType)
	}
}

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(TypeStatus, StatusData{Stage: "transcribing"})
	if env.ID == "" {
		t.Fatal("envelope id not set")
	}
	if env.Timestamp <= 0 {
		t.Fatalf("timestamp=%d", env.Timestamp)
	}
	var data StatusData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Stage != "transcribing" {
		t.Fatalf("stage=%q", data.Stage)
	}

	empty := NewEnvelope(TypeTTSStreamEnd, nil)
	if len(empty.Data) != 0 {
		t.Fatalf("data=%s, want empty", empty.Data)
	}
}

func TestNewErrorEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"decode error", &DecodeError{Code: core.CodeMissingAudio, Message: "audio required"}, core.CodeMissingAudio},
		{"core error", core.NewInvalidRequestError(core.CodeSessionBusy, "busy"), core.CodeSessionBusy},
		{"plain error", json.Unmarshal([]byte("x"), &struct{}{}), core.CodeInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := NewErrorEnvelope(tc.err)
			if env.Type != TypeError {
				t.Fatalf("type=%q", env.Type)
			}
			var data ErrorData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if data.Code != tc.wantCode {
				t.Fatalf("code=%q, want %q", data.Code, tc.wantCode)
			}
		})
	}
}
