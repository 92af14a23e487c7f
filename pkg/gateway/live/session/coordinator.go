package session

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vocalis/pkg/audio"
	"github.com/vango-go/vocalis/pkg/core"
	"github.com/vango-go/vocalis/pkg/core/llm"
	"github.com/vango-go/vocalis/pkg/core/retry"
	"github.com/vango-go/vocalis/pkg/core/voice/stt"
	"github.com/vango-go/vocalis/pkg/core/voice/tts"
	"github.com/vango-go/vocalis/pkg/core/voice/voicemap"
	"github.com/vango-go/vocalis/pkg/gateway/live/protocol"
	"github.com/vango-go/vocalis/pkg/telemetry"
)

// errStaleResult aborts a provider stream whose handle is no longer
// the session's current one.
var errStaleResult = errors.New("stale pipeline result")

// Config bounds one coordinator's pipeline behavior.
type Config struct {
	SystemPrompt string
	Language     string

	STTModel   string
	STTTimeout time.Duration
	TTSTimeout time.Duration

	MaxRetries     int
	RetryBaseDelay time.Duration

	TTSChunkBytes int
	SampleRate    int
	AudioFormat   string
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "zh"
	}
	if c.STTTimeout <= 0 {
		c.STTTimeout = 30 * time.Second
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = 45 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.TTSChunkBytes <= 0 {
		c.TTSChunkBytes = 32 << 10
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 44100
	}
	if c.AudioFormat == "" {
		c.AudioFormat = "wav"
	}
	return c
}

// Providers are the remote collaborators one coordinator drives. The
// fallbacks are optional and consulted only after the primary's retry
// budget is exhausted (STT) or before any output was forwarded
// (LLM/TTS).
type Providers struct {
	STT         stt.Provider
	STTFallback stt.Provider
	LLM         llm.Provider
	LLMFallback llm.Provider
	TTS         tts.Provider
	TTSFallback tts.Provider
}

// Deps are the local collaborators.
type Deps struct {
	Aggregator *audio.Aggregator
	Voices     *voicemap.Map
	Metrics    *telemetry.Metrics
	Logger     *slog.Logger
}

// Coordinator drives one session through voice turns. Inbound messages
// arrive serially from the connection's read loop; each turn runs in
// its own goroutine bound to a cancellation handle. Every client
// delivery and every session mutation from a turn goroutine is gated
// on the handle still being the session's current one, under turnMu,
// so an interruption acknowledged to the client is never followed by
// frames from the interrupted turn.
type Coordinator struct {
	cfg       Config
	providers Providers
	deps      Deps

	sess    *Session
	sender  Sender
	baseCtx context.Context

	turnMu sync.Mutex
	wg     sync.WaitGroup
}

func NewCoordinator(ctx context.Context, cfg Config, sess *Session, sender Sender, providers Providers, deps Deps) *Coordinator {
	if ctx == nil {
		ctx = context.Background()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Voices == nil {
		deps.Voices = voicemap.Default()
	}
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		providers: providers,
		deps:      deps,
		sess:      sess,
		sender:    sender,
		baseCtx:   ctx,
	}
}

// Session exposes the coordinated session for registry snapshots.
func (c *Coordinator) Session() *Session { return c.sess }

// Wait blocks until any in-flight turn goroutine has finished.
func (c *Coordinator) Wait() { c.wg.Wait() }

// HandleMessage dispatches one decoded client message. Called serially
// by the connection's read loop.
func (c *Coordinator) HandleMessage(msg any) {
	switch m := msg.(type) {
	case protocol.ClientConnect:
		c.handleConnect(m)
	case protocol.ClientAudioChunk:
		c.handleAudioChunk(m)
	case protocol.ClientAudioEnd:
		c.handleAudioEnd()
	case protocol.ClientText:
		c.handleText(m)
	case protocol.ClientInterrupt:
		c.handleInterrupt(m.Reason)
	case protocol.ClientReset:
		c.handleReset(m.WantClearHistory())
	case protocol.ClientPing:
		c.handlePing(m)
	default:
		c.sendError(core.NewInvalidRequestError(core.CodeUnknownType, "unhandled message"))
	}
}

func (c *Coordinator) handleConnect(msg protocol.ClientConnect) {
	if msg.UserIdentity != "" || msg.UserName != "" {
		c.sess.SetUserInfo(msg.UserIdentity, msg.UserName)
	}
	if msg.Language != "" {
		c.sess.SetLanguage(msg.Language)
	}
	c.send(protocol.NewEnvelope(protocol.TypeConnected, protocol.ConnectedData{
		SessionID: c.sess.ID,
		Status:    "ready",
		Capabilities: protocol.Capabilities{
			Streaming: true,
			Interrupt: true,
			VAD:       false,
		},
	}))
}

func (c *Coordinator) handleAudioChunk(msg protocol.ClientAudioChunk) {
	if c.sess.Stage().Busy() {
		c.sendError(core.NewInvalidRequestError(core.CodeSessionBusy, "a turn is already in progress"))
		return
	}
	if c.sess.Stage() == StageIdle {
		if _, err := c.sess.SetStage(StageListening); err != nil {
			c.sendError(err)
			return
		}
	}
	frag := audio.Fragment{Data: msg.Decoded, Format: msg.Format}
	if err := c.sess.AppendAudio(frag); err != nil {
		c.sendError(err)
		return
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordAudioBytes("in", len(msg.Decoded))
	}
}

func (c *Coordinator) handleAudioEnd() {
	if c.sess.Stage().Busy() {
		c.sendError(core.NewInvalidRequestError(core.CodeSessionBusy, "a turn is already in progress"))
		return
	}
	frags := c.sess.FlushAudio()
	if len(frags) == 0 {
		if c.sess.Stage() == StageListening {
			c.sess.ForceIdle()
		}
		c.sendError(core.NewInvalidRequestError(core.CodeNoAudioData, "no audio buffered"))
		return
	}
	if _, err := c.sess.SetStage(StageTranscribing); err != nil {
		c.sendError(err)
		return
	}
	c.sendStatus("transcribing", "recognizing speech")

	h := c.sess.NewHandle(c.baseCtx)
	c.wg.Add(1)
	go c.runAudioTurn(h, frags)
}

func (c *Coordinator) handleText(msg protocol.ClientText) {
	if c.sess.Stage().Busy() {
		c.sendError(core.NewInvalidRequestError(core.CodeSessionBusy, "a turn is already in progress"))
		return
	}
	// Text input supersedes any partially buffered audio.
	if c.sess.Stage() == StageListening {
		c.sess.FlushAudio()
		c.sess.ForceIdle()
	}
	if _, err := c.sess.SetStage(StageThinking); err != nil {
		c.sendError(err)
		return
	}
	c.sendStatus("thinking", "generating reply")

	h := c.sess.NewHandle(c.baseCtx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		text := strings.TrimSpace(msg.Text)
		c.runConversation(h, text, llm.AnalyzeEmotion(text))
	}()
}

func (c *Coordinator) handleInterrupt(reason string) {
	if reason == "" {
		reason = "user_interrupt"
	}

	c.turnMu.Lock()
	prev := c.sess.Stage()
	c.sess.Cancel(reason)
	c.sess.ForceIdle()
	c.turnMu.Unlock()

	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordInterruption(reason)
	}
	c.deps.Logger.Debug("session interrupted",
		"session_id", c.sess.ID, "reason", reason, "previous_stage", prev.String())
	c.send(protocol.NewEnvelope(protocol.TypeInterrupted, protocol.InterruptedData{
		Reason:        reason,
		PreviousStage: prev.String(),
	}))
}

func (c *Coordinator) handleReset(clearHistory bool) {
	c.turnMu.Lock()
	c.sess.Reset(clearHistory)
	c.turnMu.Unlock()

	c.send(protocol.NewEnvelope(protocol.TypeResetComplete, protocol.ResetCompleteData{
		SessionID:    c.sess.ID,
		ClearHistory: clearHistory,
	}))
}

func (c *Coordinator) handlePing(msg protocol.ClientPing) {
	ts := msg.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	c.send(protocol.NewEnvelope(protocol.TypePong, protocol.PongData{Timestamp: ts}))
}

// runAudioTurn merges the buffered fragments, transcribes them, then
// continues into the shared LLM/TTS leg.
func (c *Coordinator) runAudioTurn(h *Handle, frags []audio.Fragment) {
	defer c.wg.Done()

	merged, err := c.deps.Aggregator.Merge(h.Context(), frags)
	if err != nil {
		c.failTurn(h, "stt", err)
		return
	}

	text, err := c.transcribe(h, merged, frags[0].Format)
	if err != nil {
		c.failTurn(h, "stt", err)
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		c.apply(h, func() {
			c.sess.ForceIdle()
			c.send(protocol.NewEnvelope(protocol.TypeStatus, protocol.StatusData{
				Stage:   strings.ToLower(StageIdle.String()),
				Message: "no speech detected",
			}))
		})
		return
	}

	emotion := llm.AnalyzeEmotion(text)
	if !c.deliver(h, protocol.NewEnvelope(protocol.TypeTranscriptionFinal, protocol.TranscriptionFinalData{
		Text:    text,
		Emotion: string(emotion),
	})) {
		return
	}
	if !c.apply(h, func() {
		if _, err := c.sess.SetStage(StageThinking); err != nil {
			c.deps.Logger.Warn("stage transition rejected", "session_id", c.sess.ID, "error", err)
		}
	}) {
		return
	}
	c.sendStatus("thinking", "generating reply")

	c.runConversation(h, text, emotion)
}

// transcribe runs STT under the retry policy inside the hard timeout.
// The timeout is a distinct failure mode: once it fires, the error
// surfaces immediately as STT_TIMEOUT instead of being retried.
func (c *Coordinator) transcribe(h *Handle, merged []byte, format string) (string, error) {
	sttCtx, cancel := context.WithTimeout(h.Context(), c.cfg.STTTimeout)
	defer cancel()

	opts := stt.TranscribeOptions{
		Model:    c.cfg.STTModel,
		Language: c.sess.Language(),
		Format:   format,
	}
	retryOpts := retry.Options{MaxRetries: c.cfg.MaxRetries, BaseDelay: c.cfg.RetryBaseDelay}

	attempts := 0
	op := func(ctx context.Context) (*stt.Transcript, error) {
		if attempts > 0 && c.deps.Metrics != nil {
			c.deps.Metrics.RecordRetry("stt")
		}
		attempts++
		return c.providers.STT.Transcribe(ctx, merged, opts)
	}

	start := time.Now()
	var transcript *stt.Transcript
	var err error
	if c.providers.STTFallback != nil {
		transcript, err = retry.DoWithFallback(sttCtx, retryOpts, op, func(ctx context.Context) (*stt.Transcript, error) {
			return c.providers.STTFallback.Transcribe(ctx, merged, opts)
		})
	} else {
		transcript, err = retry.Do(sttCtx, retryOpts, op)
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordStage("stt", outcomeOf(err), time.Since(start))
	}
	if err != nil {
		if sttCtx.Err() == context.DeadlineExceeded && h.Context().Err() == nil {
			return "", core.NewTimeoutError(core.CodeSTTTimeout, "speech recognition timed out")
		}
		return "", err
	}
	return transcript.Text, nil
}

// runConversation is the THINKING and SPEAKING leg shared by audio and
// text turns. History is appended only after the full LLM stream
// succeeded for a still-live handle.
func (c *Coordinator) runConversation(h *Handle, prompt string, emotion llm.Emotion) {
	tags := c.deps.Voices.ValidTags(llm.TagsForEmotion(emotion))

	req := llm.Request{
		System:      c.cfg.SystemPrompt,
		History:     c.sess.History(),
		Prompt:      prompt,
		Temperature: llm.TemperatureForEmotion(emotion),
	}

	var acc strings.Builder
	deltas := 0
	onDelta := func(delta string) error {
		acc.WriteString(delta)
		if !c.deliver(h, protocol.NewEnvelope(protocol.TypeLLMStreamChunk, protocol.LLMStreamChunkData{
			Delta: delta,
			Text:  acc.String(),
			Tags:  tags,
		})) {
			return errStaleResult
		}
		deltas++
		return nil
	}

	start := time.Now()
	result, err := c.providers.LLM.Stream(h.Context(), req, onDelta)
	if err != nil && deltas == 0 && c.providers.LLMFallback != nil &&
		!core.IsCancellation(err) && !errors.Is(err, errStaleResult) && h.Context().Err() == nil {
		c.deps.Logger.Warn("llm primary failed, trying fallback",
			"session_id", c.sess.ID, "provider", c.providers.LLM.Name(), "error", err)
		result, err = c.providers.LLMFallback.Stream(h.Context(), req, onDelta)
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordStage("llm", outcomeOf(err), time.Since(start))
	}
	if err != nil {
		if errors.Is(err, errStaleResult) {
			return
		}
		c.failTurn(h, "llm", err)
		return
	}

	reply := result.Text
	if len(result.Tags) > 0 {
		tags = c.deps.Voices.ValidTags(result.Tags)
	}

	if !c.deliver(h, protocol.NewEnvelope(protocol.TypeLLMStreamEnd, protocol.LLMStreamEndData{
		Text: reply,
		Tags: tags,
	})) {
		return
	}
	if !c.apply(h, func() {
		c.sess.AppendTurn(prompt, reply)
		if _, err := c.sess.SetStage(StageSpeaking); err != nil {
			c.deps.Logger.Warn("stage transition rejected", "session_id", c.sess.ID, "error", err)
		}
	}) {
		return
	}
	c.sendStatus("speaking", "synthesizing speech")

	c.speak(h, reply, tags, emotion)
}

// speak streams TTS audio to the client, numbering chunks and tagging
// the final one. A one-chunk lookahead marks isLast without needing
// the total in advance.
func (c *Coordinator) speak(h *Handle, text string, tags []string, emotion llm.Emotion) {
	params := c.deps.Voices.Params(tags)
	opts := tts.SynthesizeOptions{
		Voice:      c.deps.Voices.Voice(tags),
		Speed:      params.Speed,
		Volume:     params.Volume,
		Emotion:    string(emotion),
		Language:   c.sess.Language(),
		Format:     c.cfg.AudioFormat,
		SampleRate: c.cfg.SampleRate,
	}

	ttsCtx, cancel := context.WithTimeout(h.Context(), c.cfg.TTSTimeout)
	defer cancel()

	start := time.Now()
	stream, err := c.providers.TTS.SynthesizeStream(ttsCtx, text, opts)
	if err != nil && c.providers.TTSFallback != nil &&
		!core.IsCancellation(err) && ttsCtx.Err() == nil {
		c.deps.Logger.Warn("tts primary failed, trying fallback",
			"session_id", c.sess.ID, "provider", c.providers.TTS.Name(), "error", err)
		stream, err = c.providers.TTSFallback.SynthesizeStream(ttsCtx, text, opts)
	}
	if err != nil {
		if c.deps.Metrics != nil {
			c.deps.Metrics.RecordStage("tts", outcomeOf(err), time.Since(start))
		}
		c.failTurn(h, "tts", c.mapTTSTimeout(h, ttsCtx, err))
		return
	}
	defer stream.Close()

	seq := 0
	totalBytes := int64(0)
	var pending []byte
	emit := func(chunk []byte, last bool) bool {
		ok := c.deliver(h, protocol.NewEnvelope(protocol.TypeTTSStreamChunk, protocol.TTSStreamChunkData{
			Audio:  base64.StdEncoding.EncodeToString(chunk),
			Seq:    seq,
			IsLast: last,
			Format: c.cfg.AudioFormat,
		}))
		if ok {
			seq++
			totalBytes += int64(len(chunk))
			if c.deps.Metrics != nil {
				c.deps.Metrics.RecordAudioBytes("out", len(chunk))
			}
		}
		return ok
	}
	forward := func(piece []byte) bool {
		if pending != nil && !emit(pending, false) {
			return false
		}
		pending = piece
		return true
	}

	for chunk := range stream.Chunks() {
		for len(chunk) > c.cfg.TTSChunkBytes {
			piece := chunk[:c.cfg.TTSChunkBytes]
			chunk = chunk[c.cfg.TTSChunkBytes:]
			if !forward(piece) {
				return
			}
		}
		if len(chunk) > 0 && !forward(chunk) {
			return
		}
	}

	streamErr := stream.Err()
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordStage("tts", outcomeOf(streamErr), time.Since(start))
	}
	if streamErr != nil {
		c.failTurn(h, "tts", c.mapTTSTimeout(h, ttsCtx, streamErr))
		return
	}

	if pending != nil && !emit(pending, true) {
		return
	}
	if !c.deliver(h, protocol.NewEnvelope(protocol.TypeTTSStreamEnd, protocol.TTSStreamEndData{
		ChunkCount: seq,
		TotalBytes: totalBytes,
	})) {
		return
	}
	c.apply(h, func() {
		if _, err := c.sess.SetStage(StageIdle); err != nil {
			c.deps.Logger.Warn("stage transition rejected", "session_id", c.sess.ID, "error", err)
		}
		c.send(protocol.NewEnvelope(protocol.TypeStatus, protocol.StatusData{Stage: "idle"}))
	})
}

// mapTTSTimeout converts the hard-timeout race into its distinct error
// kind while leaving genuine cancellations alone.
func (c *Coordinator) mapTTSTimeout(h *Handle, ttsCtx context.Context, err error) error {
	if ttsCtx.Err() == context.DeadlineExceeded && h.Context().Err() == nil {
		return core.NewTimeoutError(core.CodeTTSTimeout, "speech synthesis timed out")
	}
	return err
}

// failTurn resets the session to IDLE and emits one structured error
// envelope. Cancellations are not errors and emit nothing; stale
// failures are counted but invisible to the client.
func (c *Coordinator) failTurn(h *Handle, stage string, err error) {
	if core.IsCancellation(err) || h.Canceled() {
		return
	}

	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if !c.sess.Live(h) {
		if c.deps.Metrics != nil {
			c.deps.Metrics.RecordStaleResult(stage)
		}
		c.deps.Logger.Debug("discarding stale failure",
			"session_id", c.sess.ID, "stage", stage, "error", err)
		return
	}
	c.sess.ForceIdle()

	mapped := c.mapStageError(stage, err)
	c.deps.Logger.Error("turn failed",
		"session_id", c.sess.ID, "stage", stage, "error", err)
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordError(mapped.Code)
	}
	c.send(protocol.NewErrorEnvelope(mapped))
}

func (c *Coordinator) mapStageError(stage string, err error) *core.Error {
	var ce *core.Error
	if errors.As(err, &ce) && ce.Code != "" {
		return ce
	}
	code := core.CodeInternal
	message := "internal error"
	switch stage {
	case "stt":
		code, message = core.CodeSTTFailed, "speech recognition failed"
	case "llm":
		code, message = core.CodeLLMFailed, "reply generation failed"
	case "tts":
		code, message = core.CodeTTSFailed, "speech synthesis failed"
	}
	return &core.Error{Type: core.ErrAPI, Code: code, Message: message}
}

// deliver sends an envelope on behalf of a turn goroutine, gated on
// the handle still being live. Holding turnMu across the send keeps
// turn frames strictly ordered against interruption acks.
func (c *Coordinator) deliver(h *Handle, env protocol.Envelope) bool {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if !c.sess.Live(h) {
		if c.deps.Metrics != nil {
			c.deps.Metrics.RecordStaleResult(env.Type)
		}
		return false
	}
	c.send(env)
	return true
}

// apply runs a session mutation for a live handle.
func (c *Coordinator) apply(h *Handle, fn func()) bool {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if !c.sess.Live(h) {
		return false
	}
	fn()
	return true
}

func (c *Coordinator) sendStatus(stage, message string) {
	c.send(protocol.NewEnvelope(protocol.TypeStatus, protocol.StatusData{Stage: stage, Message: message}))
}

func (c *Coordinator) sendError(err error) {
	if c.deps.Metrics != nil {
		code := core.CodeInternal
		var ce *core.Error
		if errors.As(err, &ce) && ce.Code != "" {
			code = ce.Code
		}
		c.deps.Metrics.RecordError(code)
	}
	c.send(protocol.NewErrorEnvelope(err))
}

func (c *Coordinator) send(env protocol.Envelope) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordEnvelope("out", env.Type)
	}
	if err := c.sender.Send(env); err != nil {
		c.deps.Logger.Debug("send failed",
			"session_id", c.sess.ID, "type", env.Type, "error", err)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case core.IsCancellation(err):
		return "canceled"
	default:
		return "error"
	}
}
