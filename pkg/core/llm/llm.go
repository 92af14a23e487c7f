// Package llm defines the streaming language model interface used by
// the conversation pipeline, plus the speech-oriented text processing
// applied to model output before synthesis.
package llm

import "context"

// Role identifies a conversation participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a single streaming completion request.
type Request struct {
	System      string
	History     []Message
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Result is the outcome of a completed stream: the full sanitized
// reply and the expression tags chosen for synthesis.
type Result struct {
	Text string
	Tags []string
}

// Provider streams a completion, invoking onDelta for each text
// fragment as it arrives. onDelta returning an error aborts the
// stream. The returned Result carries the full sanitized text.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request, onDelta func(delta string) error) (*Result, error)
}
