// Package session holds the per-connection conversation state and the
// pipeline coordinator that drives it through a voice turn.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vocalis/pkg/audio"
	"github.com/vango-go/vocalis/pkg/core"
	"github.com/vango-go/vocalis/pkg/core/llm"
	"github.com/vango-go/vocalis/pkg/gateway/live/sessions"
)

// Limits bounds the per-session buffers and lifecycle.
type Limits struct {
	MaxAudioBufferBytes int
	MaxAudioFragments   int
	HistoryMaxTurns     int
	IdleTimeout         time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxAudioBufferBytes <= 0 {
		l.MaxAudioBufferBytes = 16 << 20
	}
	if l.MaxAudioFragments <= 0 {
		l.MaxAudioFragments = 256
	}
	if l.HistoryMaxTurns <= 0 {
		l.HistoryMaxTurns = 20
	}
	if l.IdleTimeout <= 0 {
		l.IdleTimeout = 30 * time.Minute
	}
	return l
}

// Session is the per-connection state container. The coordinator and
// gateway are its only mutators; it never calls out to providers.
type Session struct {
	ID string

	limits Limits

	mu          sync.Mutex
	stage       Stage
	identity    string
	userName    string
	language    string
	history     []llm.Message
	audioBuf    []audio.Fragment
	audioBytes  int
	handle      *Handle
	interrupted bool
	closed      bool

	createdAt    time.Time
	lastActivity time.Time
	idleTimer    *time.Timer
	onIdle       func()
}

// New allocates an idle session and arms its idle timer. When the
// session sees no activity for the configured timeout it closes itself
// and then fires onIdle; the owner only has to drop the transport.
func New(limits Limits, onIdle func()) *Session {
	now := time.Now()
	s := &Session{
		ID:           "session-" + uuid.NewString(),
		limits:       limits.withDefaults(),
		stage:        StageIdle,
		language:     "zh",
		createdAt:    now,
		lastActivity: now,
		onIdle:       onIdle,
	}
	if onIdle != nil {
		s.idleTimer = time.AfterFunc(s.limits.IdleTimeout, func() {
			s.Close("idle_timeout")
			onIdle()
		})
	}
	return s
}

func (s *Session) touchLocked() {
	s.lastActivity = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.limits.IdleTimeout)
	}
}

// SetUserInfo records the remote party's identity tag and display name.
func (s *Session) SetUserInfo(identity, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = identity
	s.userName = name
	s.touchLocked()
}

func (s *Session) SetLanguage(language string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if language != "" {
		s.language = language
	}
	s.touchLocked()
}

func (s *Session) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// SetStage validates the transition against the state machine and
// returns the previous stage for logging.
func (s *Session) SetStage(next Stage) (Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.stage
	if !prev.CanTransition(next) {
		return prev, fmt.Errorf("invalid stage transition %s -> %s", prev, next)
	}
	s.stage = next
	s.touchLocked()
	return prev, nil
}

// forceIdleLocked resets the stage outside the transition table. Used
// only by interruption, reset and failure paths, all of which land on
// IDLE from any stage.
func (s *Session) forceIdleLocked() Stage {
	prev := s.stage
	s.stage = StageIdle
	s.audioBuf = nil
	s.audioBytes = 0
	s.touchLocked()
	return prev
}

// ForceIdle returns the session to IDLE from any stage, dropping
// buffered audio. Used by interruption, reset and failure paths.
func (s *Session) ForceIdle() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceIdleLocked()
}

// AppendAudio buffers one fragment. Only valid while LISTENING; the
// buffer is bounded by both byte size and fragment count.
func (s *Session) AppendAudio(frag audio.Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != StageListening {
		return core.NewInvalidRequestError(core.CodeSessionBusy, "session is not accepting audio")
	}
	if len(s.audioBuf) >= s.limits.MaxAudioFragments ||
		s.audioBytes+len(frag.Data) > s.limits.MaxAudioBufferBytes {
		return core.NewInvalidRequestError(core.CodeAudioBufferFull, "audio buffer limit exceeded")
	}
	s.audioBuf = append(s.audioBuf, frag)
	s.audioBytes += len(frag.Data)
	s.touchLocked()
	return nil
}

// FlushAudio returns the buffered fragments and clears the buffer.
func (s *Session) FlushAudio() []audio.Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.audioBuf
	s.audioBuf = nil
	s.audioBytes = 0
	s.touchLocked()
	return out
}

func (s *Session) AudioFragments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audioBuf)
}

// NewHandle atomically cancels any outstanding handle and installs a
// fresh one for the next pipeline invocation.
func (s *Session) NewHandle(parent context.Context) *Handle {
	s.mu.Lock()
	old := s.handle
	h := newHandle(parent)
	s.handle = h
	s.interrupted = false
	s.touchLocked()
	s.mu.Unlock()

	if old != nil {
		old.Cancel("superseded")
	}
	return h
}

// Live reports whether h is still the session's current handle and has
// not been canceled. Pipeline goroutines gate every state mutation and
// client delivery on this.
func (s *Session) Live(h *Handle) bool {
	if h == nil || h.Canceled() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle == h
}

// Cancel aborts the in-flight turn, if any, and marks the session
// interrupted. It does not change the stage; the coordinator does.
func (s *Session) Cancel(reason string) {
	s.mu.Lock()
	h := s.handle
	s.interrupted = true
	s.touchLocked()
	s.mu.Unlock()

	if h != nil {
		h.Cancel(reason)
	}
}

func (s *Session) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

// AppendTurn records one completed user/assistant exchange as a unit.
// The oldest turns are dropped once the cap is reached.
func (s *Session) AppendTurn(user, assistant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history,
		llm.Message{Role: llm.RoleUser, Content: user},
		llm.Message{Role: llm.RoleAssistant, Content: assistant},
	)
	if limit := s.limits.HistoryMaxTurns * 2; len(s.history) > limit {
		s.history = append(s.history[:0:0], s.history[len(s.history)-limit:]...)
	}
	s.touchLocked()
}

// History returns a copy of the conversation so far.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Reset cancels the in-flight turn, clears buffers, optionally clears
// history, and returns the session to IDLE.
func (s *Session) Reset(clearHistory bool) {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	if clearHistory {
		s.history = nil
	}
	s.interrupted = false
	s.forceIdleLocked()
	s.mu.Unlock()

	if h != nil {
		h.Cancel("reset")
	}
}

// Close tears the session down: cancels the outstanding handle and
// stops the idle timer. Safe to call more than once.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	h := s.handle
	s.handle = nil
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.forceIdleLocked()
	s.mu.Unlock()

	if h != nil {
		h.Cancel(reason)
	}
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Snapshot feeds the stats endpoint.
func (s *Session) Snapshot() sessions.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sessions.Info{
		SessionID: s.ID,
		Stage:     s.stage.String(),
		Turns:     len(s.history) / 2,
		StartedAt: s.createdAt,
	}
}
