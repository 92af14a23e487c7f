package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vocalis/pkg/gateway/live/protocol"
)

// Sender delivers outbound envelopes to the client. The coordinator
// serializes its own sends; implementations must additionally tolerate
// concurrent callers (reader loop and pipeline goroutine).
type Sender interface {
	Send(env protocol.Envelope) error
}

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// WSSender writes envelopes to a websocket connection under a write
// deadline, one frame at a time.
type WSSender struct {
	mu           sync.Mutex
	ws           wsWriter
	writeTimeout time.Duration
	closed       bool
}

func NewWSSender(ws wsWriter, writeTimeout time.Duration) *WSSender {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &WSSender{ws: ws, writeTimeout: writeTimeout}
}

func (s *WSSender) Send(env protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	if err := s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, payload)
}

// Ping emits a websocket-level ping control frame. The reader loop's
// pong handler extends the read deadline.
func (s *WSSender) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return websocket.ErrCloseSent
	}
	return s.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.writeTimeout))
}

// Close sends a normal-closure frame and closes the connection. Later
// Send calls fail fast.
func (s *WSSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	deadline := time.Now().Add(s.writeTimeout)
	_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.ws.Close()
}
