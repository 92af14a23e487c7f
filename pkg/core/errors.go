// Package core defines the canonical error taxonomy shared by the
// pipeline, the providers, and the gateway. Internal collaborators
// return *Error values; the coordinator is the single place that maps
// them onto outbound error envelopes.
package core

import (
	"context"
	"errors"
	"fmt"
)

// Error represents a classified failure anywhere in the pipeline.
type Error struct {
	Type          ErrorType `json:"type"`
	Code          string    `json:"code,omitempty"`
	Message       string    `json:"message"`
	Param         string    `json:"param,omitempty"`
	ProviderError any       `json:"provider_error,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAPI            ErrorType = "api_error"
	ErrOverloaded     ErrorType = "overloaded_error"
	ErrProvider       ErrorType = "provider_error"
	ErrTimeout        ErrorType = "timeout_error"
	ErrCanceled       ErrorType = "canceled_error"
)

// Wire-level error codes carried on outbound error envelopes.
const (
	CodeParseError      = "PARSE_ERROR"
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeUnknownType     = "UNKNOWN_MESSAGE_TYPE"
	CodeMissingAudio    = "MISSING_AUDIO"
	CodeNoAudioData     = "NO_AUDIO_DATA"
	CodeSessionBusy     = "SESSION_BUSY"
	CodeAudioBufferFull = "AUDIO_BUFFER_FULL"
	CodeAudioTooShort   = "AUDIO_TOO_SHORT"
	CodeAudioDecode     = "AUDIO_DECODE_FAILED"
	CodeSTTTimeout      = "STT_TIMEOUT"
	CodeTTSTimeout      = "TTS_TIMEOUT"
	CodeSTTFailed       = "STT_FAILED"
	CodeLLMFailed       = "LLM_FAILED"
	CodeTTSFailed       = "TTS_FAILED"
	CodeInternal        = "INTERNAL_ERROR"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(code, message string) *Error {
	return &Error{Type: ErrInvalidRequest, Code: code, Message: message}
}

// NewRateLimitError creates a rate limit error.
func NewRateLimitError(message string) *Error {
	return &Error{Type: ErrRateLimit, Message: message}
}

// NewTimeoutError creates a hard-timeout error. Hard timeouts surface
// immediately and are never retried.
func NewTimeoutError(code, message string) *Error {
	return &Error{Type: ErrTimeout, Code: code, Message: message}
}

// NewProviderError wraps an upstream provider failure.
func NewProviderError(provider string, underlying error) *Error {
	return &Error{
		Type:          ErrProvider,
		Message:       fmt.Sprintf("%s: %v", provider, underlying),
		ProviderError: underlying,
	}
}

// NewAPIError creates a transient API-level error.
func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

// IsRetryable reports whether the error may be retried under the
// recovery policy: rate limits and server-side failures retry, client
// errors, hard timeouts, and cancellations do not.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrRateLimit, ErrOverloaded, ErrAPI, ErrProvider:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if ue, ok := e.ProviderError.(error); ok {
		return ue
	}
	return nil
}

// IsCancellation reports whether err stems from user interruption or
// context cancellation rather than a real failure. Cancellation is
// acknowledged, never surfaced as an error envelope.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var ce *Error
	return errors.As(err, &ce) && ce.Type == ErrCanceled
}

// IsHardTimeout reports whether err is a hard pipeline timeout.
func IsHardTimeout(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Type == ErrTimeout
}
