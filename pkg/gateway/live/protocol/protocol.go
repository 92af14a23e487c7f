package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vocalis/pkg/core"
)

// Client message types.
const (
	TypeConnect    = "connect"
	TypeAudioChunk = "audio_chunk"
	TypeAudioEnd   = "audio_end"
	TypeText       = "text"
	TypeInterrupt  = "interrupt"
	TypeReset      = "reset"
	TypePing       = "ping"
)

// Server message types.
const (
	TypeConnected          = "connected"
	TypeStatus             = "status"
	TypeTranscriptionFinal = "transcription_final"
	TypeLLMStreamChunk     = "llm_stream_chunk"
	TypeLLMStreamEnd       = "llm_stream_end"
	TypeTTSStreamChunk     = "tts_stream_chunk"
	TypeTTSStreamEnd       = "tts_stream_end"
	TypeInterrupted        = "interrupted"
	TypeResetComplete      = "reset_complete"
	TypePong               = "pong"
	TypeError              = "error"
)

// Envelope is the JSON frame exchanged over the voice socket. Payloads
// live under data; every server frame carries a generated id and a
// unix-millisecond timestamp.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func parseError(message string) *DecodeError {
	return &DecodeError{Code: core.CodeParseError, Message: message}
}

func invalid(message, param string) *DecodeError {
	return &DecodeError{Code: core.CodeInvalidMessage, Message: message, Param: param}
}

type ClientConnect struct {
	UserIdentity string `json:"userIdentity,omitempty"`
	UserName     string `json:"userName,omitempty"`
	Language     string `json:"language,omitempty"`
}

// ClientAudioChunk carries one buffered fragment. Audio arrives
// base64-encoded and is decoded during message validation.
type ClientAudioChunk struct {
	Audio      string `json:"audio"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`

	Decoded []byte `json:"-"`
}

type ClientAudioEnd struct{}

type ClientText struct {
	Text string `json:"text"`
}

type ClientInterrupt struct {
	Reason string `json:"reason,omitempty"`
}

type ClientReset struct {
	ClearHistory *bool `json:"clearHistory,omitempty"`
}

// WantClearHistory defaults to true when the flag is absent.
func (r ClientReset) WantClearHistory() bool {
	return r.ClearHistory == nil || *r.ClearHistory
}

type ClientPing struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// DecodeClientMessage parses one inbound frame and returns the typed
// payload for its message type. Errors are always *DecodeError carrying
// a wire error code.
func DecodeClientMessage(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, parseError("invalid json frame")
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return nil, invalid("missing type", "type")
	}

	switch typ {
	case TypeConnect:
		var msg ClientConnect
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, invalid("invalid connect payload", "data")
		}
		return msg, nil
	case TypeAudioChunk:
		var msg ClientAudioChunk
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, invalid("invalid audio_chunk payload", "data")
		}
		if strings.TrimSpace(msg.Audio) == "" {
			return nil, &DecodeError{Code: core.CodeMissingAudio, Message: "audio_chunk requires audio data", Param: "data.audio"}
		}
		decoded, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			return nil, invalid("audio must be base64 encoded", "data.audio")
		}
		msg.Decoded = decoded
		if msg.Format == "" {
			msg.Format = "webm"
		}
		return msg, nil
	case TypeAudioEnd:
		return ClientAudioEnd{}, nil
	case TypeText:
		var msg ClientText
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, invalid("invalid text payload", "data")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, invalid("text requires non-empty text", "data.text")
		}
		return msg, nil
	case TypeInterrupt:
		var msg ClientInterrupt
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, invalid("invalid interrupt payload", "data")
		}
		if strings.TrimSpace(msg.Reason) == "" {
			msg.Reason = "user_interrupt"
		}
		return msg, nil
	case TypeReset:
		var msg ClientReset
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, invalid("invalid reset payload", "data")
		}
		return msg, nil
	case TypePing:
		var msg ClientPing
		if err := unmarshalData(env.Data, &msg); err != nil {
			return nil, invalid("invalid ping payload", "data")
		}
		if msg.Timestamp == 0 {
			// Some clients put the timestamp on the envelope.
			msg.Timestamp = env.Timestamp
		}
		return msg, nil
	default:
		return nil, &DecodeError{Code: core.CodeUnknownType, Message: "unknown message type: " + typ, Param: "type"}
	}
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

type Capabilities struct {
	Streaming bool `json:"streaming"`
	Interrupt bool `json:"interrupt"`
	VAD       bool `json:"vad"`
}

type ConnectedData struct {
	SessionID    string       `json:"sessionId"`
	Status       string       `json:"status"`
	Capabilities Capabilities `json:"capabilities"`
}

type StatusData struct {
	Stage   string `json:"stage"`
	Message string `json:"message,omitempty"`
}

type TranscriptionFinalData struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Emotion    string  `json:"emotion,omitempty"`
}

type LLMStreamChunkData struct {
	Delta string   `json:"delta"`
	Text  string   `json:"text"`
	Tags  []string `json:"tags,omitempty"`
}

type LLMStreamEndData struct {
	Text string   `json:"text"`
	Tags []string `json:"tags,omitempty"`
}

type TTSStreamChunkData struct {
	Audio  string `json:"audio"`
	Seq    int    `json:"seq"`
	IsLast bool   `json:"isLast"`
	Format string `json:"format,omitempty"`
}

type TTSStreamEndData struct {
	ChunkCount int   `json:"chunkCount"`
	TotalBytes int64 `json:"totalBytes"`
}

type InterruptedData struct {
	Reason        string `json:"reason"`
	PreviousStage string `json:"previousStage"`
}

type ResetCompleteData struct {
	SessionID    string `json:"sessionId"`
	ClearHistory bool   `json:"clearHistory"`
}

type PongData struct {
	Timestamp int64 `json:"timestamp"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

// NewEnvelope wraps a server payload with a fresh message id and the
// current unix-millisecond timestamp. Marshal failures cannot happen
// for the payload types above, so the frame degrades to an empty data
// field rather than failing the send.
func NewEnvelope(typ string, payload any) Envelope {
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload == nil {
		return env
	}
	if data, err := json.Marshal(payload); err == nil {
		env.Data = data
	}
	return env
}

// NewErrorEnvelope builds the wire error frame for any error value,
// reusing the code and param carried by core and decode errors.
func NewErrorEnvelope(err error) Envelope {
	data := ErrorData{Code: core.CodeInternal, Message: "internal error"}
	switch e := err.(type) {
	case *DecodeError:
		data = ErrorData{Code: e.Code, Message: e.Message, Param: e.Param}
	case *core.Error:
		data = ErrorData{Code: e.Code, Message: e.Message, Param: e.Param}
	default:
		if err != nil {
			data.Message = err.Error()
		}
	}
	if data.Code == "" {
		data.Code = core.CodeInternal
	}
	return NewEnvelope(TypeError, data)
}
