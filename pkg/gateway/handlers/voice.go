package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vocalis/pkg/core"
	"github.com/vango-go/vocalis/pkg/gateway/config"
	"github.com/vango-go/vocalis/pkg/gateway/lifecycle"
	"github.com/vango-go/vocalis/pkg/gateway/live/protocol"
	"github.com/vango-go/vocalis/pkg/gateway/live/session"
	"github.com/vango-go/vocalis/pkg/gateway/live/sessions"
	"github.com/vango-go/vocalis/pkg/gateway/mw"
	"github.com/vango-go/vocalis/pkg/telemetry"
)

// VoiceHandler handles /v1/voice websocket sessions. Each connection
// gets its own session and coordinator; the handler owns the read loop
// and keepalive, the coordinator owns the pipeline.
type VoiceHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	Lifecycle    *lifecycle.Lifecycle
	Sessions     *sessions.Tracker
	Providers    session.Providers
	Deps         session.Deps
	SystemPrompt string
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "invalid_request_error", "message": "method not allowed"},
		})
		return
	}
	if h.Lifecycle.IsDraining() {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "overloaded_error", "message": "gateway is draining"},
		})
		return
	}
	if !mw.OriginAllowed(h.Config, r) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "permission_error", "message": "origin is not allowed"},
		})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}

	sess := session.New(session.Limits{
		MaxAudioBufferBytes: h.Config.MaxAudioBufferBytes,
		MaxAudioFragments:   h.Config.MaxAudioFragments,
		HistoryMaxTurns:     h.Config.HistoryMaxTurns,
		IdleTimeout:         h.Config.SessionIdleTimeout,
	}, func() {
		conn.Close()
	})

	sender := session.NewWSSender(conn, h.Config.WSWriteTimeout)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	coord := session.NewCoordinator(ctx, session.Config{
		SystemPrompt:   h.SystemPrompt,
		Language:       h.Config.Language,
		STTModel:       h.Config.WhisperModel,
		STTTimeout:     h.Config.STTTimeout,
		TTSTimeout:     h.Config.TTSTimeout,
		MaxRetries:     h.Config.MaxRetries,
		RetryBaseDelay: h.Config.RetryBaseDelay,
		TTSChunkBytes:  h.Config.TTSChunkBytes,
		SampleRate:     h.Config.SampleRate,
		AudioFormat:    h.Config.AudioFormat,
	}, sess, sender, h.Providers, h.Deps)

	unregister := func() {}
	if h.Sessions != nil {
		unregister = h.Sessions.Register(sess.ID, sessions.Handle{
			Cancel: func() {
				cancel()
				conn.Close()
			},
			Snapshot: sess.Snapshot,
		})
	}
	defer unregister()

	startAt := time.Now()
	if h.Deps.Metrics != nil {
		h.Deps.Metrics.RecordSessionStart()
	}
	status := "closed"
	defer func() {
		if h.Deps.Metrics != nil {
			h.Deps.Metrics.RecordSessionEnd(status, time.Since(startAt))
		}
	}()

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", sess.ID)
	logger.Info("voice session opened", "remote", r.RemoteAddr)

	readWait := 3 * h.Config.WSPingInterval
	if readWait <= 0 {
		readWait = time.Minute
	}
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	if h.Config.WSPingInterval > 0 {
		go func() {
			ticker := time.NewTicker(h.Config.WSPingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := sender.Ping(); err != nil {
						return
					}
				case <-pingDone:
					return
				}
			}
		}()
	}

	defer coord.Wait()
	defer sess.Close("client_disconnect")

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !sess.Closed() {
				logger.Warn("voice session read failed", "error", err)
				status = "error"
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if messageType != websocket.TextMessage {
			_ = sender.Send(protocol.NewErrorEnvelope(&protocol.DecodeError{
				Code:    core.CodeInvalidMessage,
				Message: "expected a text frame",
			}))
			continue
		}
		recordInbound(h.Deps.Metrics, frame)
		msg, err := protocol.DecodeClientMessage(frame)
		if err != nil {
			var decodeErr *protocol.DecodeError
			if h.Deps.Metrics != nil && errors.As(err, &decodeErr) {
				h.Deps.Metrics.RecordError(decodeErr.Code)
			}
			if sendErr := sender.Send(protocol.NewErrorEnvelope(err)); sendErr != nil {
				return
			}
			continue
		}
		coord.HandleMessage(msg)
	}
}

// recordInbound labels the envelope metric by its declared type without
// running the full decoder.
func recordInbound(m *telemetry.Metrics, frame []byte) {
	if m == nil {
		return
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &env); err != nil || env.Type == "" {
		m.RecordEnvelope("in", "malformed")
		return
	}
	m.RecordEnvelope("in", env.Type)
}
