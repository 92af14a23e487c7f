package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vocalis/pkg/audio"
	"github.com/vango-go/vocalis/pkg/core"
	"github.com/vango-go/vocalis/pkg/core/llm"
	"github.com/vango-go/vocalis/pkg/core/voice/stt"
	"github.com/vango-go/vocalis/pkg/core/voice/tts"
	"github.com/vango-go/vocalis/pkg/gateway/live/protocol"
)

type memSender struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (m *memSender) Send(env protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs = append(m.envs, env)
	return nil
}

func (m *memSender) all() []protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Envelope, len(m.envs))
	copy(out, m.envs)
	return out
}

func (m *memSender) ofType(typ string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range m.all() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// waitFor polls until at least one envelope of the given type arrived.
func (m *memSender) waitFor(t *testing.T, typ string, timeout time.Duration) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if envs := m.ofType(typ); len(envs) > 0 {
			return envs[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %q envelope within %v; saw %v", typ, timeout, typeNames(m.all()))
	return protocol.Envelope{}
}

func typeNames(envs []protocol.Envelope) []string {
	names := make([]string, len(envs))
	for i, env := range envs {
		names[i] = env.Type
	}
	return names
}

func decodeData[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var data T
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode %s data: %v", env.Type, err)
	}
	return data
}

type mockSTT struct {
	transcribe func(ctx context.Context, audio []byte, opts stt.TranscribeOptions) (*stt.Transcript, error)
}

func (m *mockSTT) Name() string { return "mock-stt" }

func (m *mockSTT) Transcribe(ctx context.Context, audio []byte, opts stt.TranscribeOptions) (*stt.Transcript, error) {
	return m.transcribe(ctx, audio, opts)
}

type mockLLM struct {
	stream func(ctx context.Context, req llm.Request, onDelta func(string) error) (*llm.Result, error)
}

func (m *mockLLM) Name() string { return "mock-llm" }

func (m *mockLLM) Stream(ctx context.Context, req llm.Request, onDelta func(string) error) (*llm.Result, error) {
	return m.stream(ctx, req, onDelta)
}

type mockTTS struct {
	chunks [][]byte
	err    error
}

func (m *mockTTS) Name() string { return "mock-tts" }

func (m *mockTTS) Synthesize(ctx context.Context, text string, opts tts.SynthesizeOptions) (*tts.Synthesis, error) {
	var buf []byte
	for _, c := range m.chunks {
		buf = append(buf, c...)
	}
	return &tts.Synthesis{Audio: buf, Format: opts.Format}, m.err
}

func (m *mockTTS) SynthesizeStream(ctx context.Context, text string, opts tts.SynthesizeOptions) (*tts.SynthesisStream, error) {
	stream := tts.NewSynthesisStream()
	go func() {
		for _, c := range m.chunks {
			if !stream.Send(c) {
				return
			}
		}
		if m.err != nil {
			stream.SetError(m.err)
		}
		stream.FinishSending()
	}()
	return stream, nil
}

func streamingLLM(deltas []string, text string) *mockLLM {
	return &mockLLM{stream: func(ctx context.Context, req llm.Request, onDelta func(string) error) (*llm.Result, error) {
		for _, d := range deltas {
			if err := onDelta(d); err != nil {
				return nil, err
			}
		}
		return &llm.Result{Text: text}, nil
	}}
}

func newTestCoordinator(t *testing.T, cfg Config, providers Providers) (*Coordinator, *Session, *memSender) {
	t.Helper()
	sess := New(Limits{HistoryMaxTurns: 10}, nil)
	t.Cleanup(func() { sess.Close("test") })

	sender := &memSender{}
	deps := Deps{
		Aggregator: audio.NewAggregator(audio.Config{FFmpegPath: "/nonexistent/ffmpeg"}, slog.New(slog.DiscardHandler)),
		Logger:     slog.New(slog.DiscardHandler),
	}
	c := NewCoordinator(context.Background(), cfg, sess, sender, providers, deps)
	t.Cleanup(c.Wait)
	return c, sess, sender
}

func sendAudioChunk(c *Coordinator, data []byte) {
	c.HandleMessage(protocol.ClientAudioChunk{Audio: "ignored", Format: "webm", Decoded: data})
}

func TestCoordinator_FullVoiceTurn(t *testing.T) {
	providers := Providers{
		STT: &mockSTT{transcribe: func(ctx context.Context, audio []byte, opts stt.TranscribeOptions) (*stt.Transcript, error) {
			return &stt.Transcript{Text: "hello"}, nil
		}},
		LLM: streamingLLM([]string{"hi", " there"}, "hi there"),
		TTS: &mockTTS{chunks: [][]byte{{1, 2}, {3, 4}}},
	}
	c, sess, sender := newTestCoordinator(t, Config{}, providers)

	c.HandleMessage(protocol.ClientConnect{Language: "en"})
	sendAudioChunk(c, []byte{1})
	sendAudioChunk(c, []byte{2})
	sendAudioChunk(c, []byte{3})
	c.HandleMessage(protocol.ClientAudioEnd{})
	c.Wait()

	if got := decodeData[protocol.TranscriptionFinalData](t, sender.waitFor(t, protocol.TypeTranscriptionFinal, time.Second)); got.Text != "hello" {
		t.Fatalf("transcription=%q, want hello", got.Text)
	}

	chunks := sender.ofType(protocol.TypeLLMStreamChunk)
	if len(chunks) != 2 {
		t.Fatalf("llm_stream_chunk count=%d, want 2", len(chunks))
	}
	first := decodeData[protocol.LLMStreamChunkData](t, chunks[0])
	second := decodeData[protocol.LLMStreamChunkData](t, chunks[1])
	if first.Delta != "hi" || second.Delta != " there" {
		t.Fatalf("deltas=[%q %q], want [hi, \" there\"]", first.Delta, second.Delta)
	}
	if second.Text != "hi there" {
		t.Fatalf("accumulated=%q, want \"hi there\"", second.Text)
	}

	end := decodeData[protocol.LLMStreamEndData](t, sender.waitFor(t, protocol.TypeLLMStreamEnd, time.Second))
	if end.Text != "hi there" {
		t.Fatalf("final text=%q, want \"hi there\"", end.Text)
	}

	ttsChunks := sender.ofType(protocol.TypeTTSStreamChunk)
	if len(ttsChunks) != 2 {
		t.Fatalf("tts chunk count=%d, want 2", len(ttsChunks))
	}
	for i, env := range ttsChunks {
		data := decodeData[protocol.TTSStreamChunkData](t, env)
		if data.Seq != i {
			t.Fatalf("chunk %d seq=%d", i, data.Seq)
		}
		if wantLast := i == len(ttsChunks)-1; data.IsLast != wantLast {
			t.Fatalf("chunk %d isLast=%v, want %v", i, data.IsLast, wantLast)
		}
	}
	ttsEnd := decodeData[protocol.TTSStreamEndData](t, sender.waitFor(t, protocol.TypeTTSStreamEnd, time.Second))
	if ttsEnd.ChunkCount != 2 || ttsEnd.TotalBytes != 4 {
		t.Fatalf("tts end=%+v", ttsEnd)
	}

	if sess.Stage() != StageIdle {
		t.Fatalf("stage=%s, want IDLE", sess.Stage())
	}
	if sess.HistoryLen() != 2 {
		t.Fatalf("history len=%d, want 2", sess.HistoryLen())
	}

	// llm_stream_end arrives after every llm_stream_chunk.
	var sawEnd bool
	for _, env := range sender.all() {
		switch env.Type {
		case protocol.TypeLLMStreamEnd:
			sawEnd = true
		case protocol.TypeLLMStreamChunk:
			if sawEnd {
				t.Fatal("llm_stream_chunk after llm_stream_end")
			}
		}
	}
}

func TestCoordinator_AudioEndWithEmptyBuffer(t *testing.T) {
	c, sess, sender := newTestCoordinator(t, Config{}, Providers{})

	c.HandleMessage(protocol.ClientConnect{})
	c.HandleMessage(protocol.ClientAudioEnd{})

	errEnv := sender.waitFor(t, protocol.TypeError, time.Second)
	if data := decodeData[protocol.ErrorData](t, errEnv); data.Code != core.CodeNoAudioData {
		t.Fatalf("code=%q, want %s", data.Code, core.CodeNoAudioData)
	}
	if sess.Stage() != StageIdle {
		t.Fatalf("stage=%s, want IDLE", sess.Stage())
	}
}

func TestCoordinator_InterruptWhileThinking(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	providers := Providers{
		LLM: &mockLLM{stream: func(ctx context.Context, req llm.Request, onDelta func(string) error) (*llm.Result, error) {
			close(started)
			<-release
			// Late success: the handle is already canceled.
			return &llm.Result{Text: "too late"}, nil
		}},
		TTS: &mockTTS{chunks: [][]byte{{1}}},
	}
	c, sess, sender := newTestCoordinator(t, Config{}, providers)

	c.HandleMessage(protocol.ClientConnect{})
	c.HandleMessage(protocol.ClientText{Text: "hi"})
	<-started

	c.HandleMessage(protocol.ClientInterrupt{Reason: "user_interrupt"})
	close(release)
	c.Wait()

	intr := decodeData[protocol.InterruptedData](t, sender.waitFor(t, protocol.TypeInterrupted, time.Second))
	if intr.PreviousStage != StageThinking.String() {
		t.Fatalf("previousStage=%q, want THINKING", intr.PreviousStage)
	}
	if envs := sender.ofType(protocol.TypeLLMStreamEnd); len(envs) != 0 {
		t.Fatal("llm_stream_end must not be sent after interruption")
	}
	if envs := sender.ofType(protocol.TypeTTSStreamChunk); len(envs) != 0 {
		t.Fatal("no audio may follow an interrupted turn")
	}
	if sess.Stage() != StageIdle {
		t.Fatalf("stage=%s, want IDLE", sess.Stage())
	}
	if sess.HistoryLen() != 0 {
		t.Fatalf("history len=%d, want 0 (late result discarded)", sess.HistoryLen())
	}
}

func TestCoordinator_STTHardTimeoutNotRetried(t *testing.T) {
	attempts := 0
	providers := Providers{
		STT: &mockSTT{transcribe: func(ctx context.Context, audio []byte, opts stt.TranscribeOptions) (*stt.Transcript, error) {
			attempts++
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	}
	cfg := Config{STTTimeout: 50 * time.Millisecond, MaxRetries: 3, RetryBaseDelay: 10 * time.Millisecond}
	c, sess, sender := newTestCoordinator(t, cfg, providers)

	c.HandleMessage(protocol.ClientConnect{})
	sendAudioChunk(c, []byte{1})
	c.HandleMessage(protocol.ClientAudioEnd{})
	c.Wait()

	errEnv := sender.waitFor(t, protocol.TypeError, time.Second)
	if data := decodeData[protocol.ErrorData](t, errEnv); data.Code != core.CodeSTTTimeout {
		t.Fatalf("code=%q, want %s", data.Code, core.CodeSTTTimeout)
	}
	if attempts != 1 {
		t.Fatalf("attempts=%d, want 1 (timeout is not retryable)", attempts)
	}
	if sess.Stage() != StageIdle {
		t.Fatalf("stage=%s, want IDLE", sess.Stage())
	}
}

func TestCoordinator_BusySessionRejectsInput(t *testing.T) {
	// P1: a second turn cannot start while one is in flight, and only
	// the first turn's result reaches history.
	started := make(chan struct{})
	release := make(chan struct{})
	providers := Providers{
		LLM: &mockLLM{stream: func(ctx context.Context, req llm.Request, onDelta func(string) error) (*llm.Result, error) {
			close(started)
			<-release
			return &llm.Result{Text: "first answer"}, nil
		}},
		TTS: &mockTTS{},
	}
	c, sess, sender := newTestCoordinator(t, Config{}, providers)

	c.HandleMessage(protocol.ClientConnect{})
	c.HandleMessage(protocol.ClientText{Text: "first"})
	<-started

	c.HandleMessage(protocol.ClientText{Text: "second"})
	c.HandleMessage(protocol.ClientAudioChunk{Audio: "x", Decoded: []byte{1}})
	c.HandleMessage(protocol.ClientAudioEnd{})

	busy := sender.ofType(protocol.TypeError)
	if len(busy) != 3 {
		t.Fatalf("error envelopes=%d, want 3 busy rejections", len(busy))
	}
	for _, env := range busy {
		if data := decodeData[protocol.ErrorData](t, env); data.Code != core.CodeSessionBusy {
			t.Fatalf("code=%q, want %s", data.Code, core.CodeSessionBusy)
		}
	}

	close(release)
	c.Wait()

	history := sess.History()
	if len(history) != 2 {
		t.Fatalf("history len=%d, want 2", len(history))
	}
	if history[0].Content != "first" || history[1].Content != "first answer" {
		t.Fatalf("history=%+v", history)
	}
}

func TestCoordinator_STTFailureEmitsErrorAndResets(t *testing.T) {
	providers := Providers{
		STT: &mockSTT{transcribe: func(ctx context.Context, audio []byte, opts stt.TranscribeOptions) (*stt.Transcript, error) {
			return nil, core.NewInvalidRequestError(core.CodeAudioDecode, "bad container")
		}},
	}
	c, sess, sender := newTestCoordinator(t, Config{}, providers)

	c.HandleMessage(protocol.ClientConnect{})
	sendAudioChunk(c, []byte{1})
	c.HandleMessage(protocol.ClientAudioEnd{})
	c.Wait()

	errEnv := sender.waitFor(t, protocol.TypeError, time.Second)
	if data := decodeData[protocol.ErrorData](t, errEnv); data.Code != core.CodeAudioDecode {
		t.Fatalf("code=%q, want %s", data.Code, core.CodeAudioDecode)
	}
	if sess.Stage() != StageIdle {
		t.Fatalf("stage=%s, want IDLE", sess.Stage())
	}
}

func TestCoordinator_STTRetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	providers := Providers{
		STT: &mockSTT{transcribe: func(ctx context.Context, audio []byte, opts stt.TranscribeOptions) (*stt.Transcript, error) {
			attempts++
			if attempts < 3 {
				return nil, core.NewProviderError("mock", errors.New("blip"))
			}
			return &stt.Transcript{Text: "recovered"}, nil
		}},
		LLM: streamingLLM([]string{"ok"}, "ok"),
		TTS: &mockTTS{chunks: [][]byte{{9}}},
	}
	cfg := Config{MaxRetries: 3, RetryBaseDelay: time.Millisecond}
	c, _, sender := newTestCoordinator(t, cfg, providers)

	c.HandleMessage(protocol.ClientConnect{})
	sendAudioChunk(c, []byte{1})
	c.HandleMessage(protocol.ClientAudioEnd{})
	c.Wait()

	if attempts != 3 {
		t.Fatalf("attempts=%d, want 3", attempts)
	}
	if got := decodeData[protocol.TranscriptionFinalData](t, sender.waitFor(t, protocol.TypeTranscriptionFinal, time.Second)); got.Text != "recovered" {
		t.Fatalf("transcription=%q", got.Text)
	}
}

func TestCoordinator_STTFallbackAfterExhaustion(t *testing.T) {
	providers := Providers{
		STT: &mockSTT{transcribe: func(ctx context.Context, audio []byte, opts stt.TranscribeOptions) (*stt.Transcript, error) {
			return nil, core.NewProviderError("primary", errors.New("down"))
		}},
		STTFallback: &mockSTT{transcribe: func(ctx context.Context, audio []byte, opts stt.TranscribeOptions) (*stt.Transcript, error) {
			return &stt.Transcript{Text: "from fallback"}, nil
		}},
		LLM: streamingLLM([]string{"ok"}, "ok"),
		TTS: &mockTTS{chunks: [][]byte{{9}}},
	}
	cfg := Config{MaxRetries: 1, RetryBaseDelay: time.Millisecond}
	c, _, sender := newTestCoordinator(t, cfg, providers)

	c.HandleMessage(protocol.ClientConnect{})
	sendAudioChunk(c, []byte{1})
	c.HandleMessage(protocol.ClientAudioEnd{})
	c.Wait()

	if got := decodeData[protocol.TranscriptionFinalData](t, sender.waitFor(t, protocol.TypeTranscriptionFinal, time.Second)); got.Text != "from fallback" {
		t.Fatalf("transcription=%q, want fallback result", got.Text)
	}
}

func TestCoordinator_EmptyTranscriptReturnsToIdle(t *testing.T) {
	providers := Providers{
		STT: &mockSTT{transcribe: func(ctx context.Context, audio []byte, opts stt.TranscribeOptions) (*stt.Transcript, error) {
			return &stt.Transcript{Text: "   "}, nil
		}},
	}
	c, sess, sender := newTestCoordinator(t, Config{}, providers)

	c.HandleMessage(protocol.ClientConnect{})
	sendAudioChunk(c, []byte{1})
	c.HandleMessage(protocol.ClientAudioEnd{})
	c.Wait()

	if envs := sender.ofType(protocol.TypeError); len(envs) != 0 {
		t.Fatal("no speech detected is a status, not an error")
	}
	var sawIdleStatus bool
	for _, env := range sender.ofType(protocol.TypeStatus) {
		if data := decodeData[protocol.StatusData](t, env); data.Stage == "idle" {
			sawIdleStatus = true
		}
	}
	if !sawIdleStatus {
		t.Fatal("expected idle status after empty transcript")
	}
	if sess.Stage() != StageIdle {
		t.Fatalf("stage=%s, want IDLE", sess.Stage())
	}
	if sess.HistoryLen() != 0 {
		t.Fatal("empty transcript must not touch history")
	}
}

func TestCoordinator_LLMFallbackBeforeFirstDelta(t *testing.T) {
	providers := Providers{
		LLM: &mockLLM{stream: func(ctx context.Context, req llm.Request, onDelta func(string) error) (*llm.Result, error) {
			return nil, core.NewProviderError("primary", errors.New("down"))
		}},
		LLMFallback: streamingLLM([]string{"backup"}, "backup"),
		TTS:         &mockTTS{chunks: [][]byte{{1}}},
	}
	c, sess, sender := newTestCoordinator(t, Config{}, providers)

	c.HandleMessage(protocol.ClientConnect{})
	c.HandleMessage(protocol.ClientText{Text: "hi"})
	c.Wait()

	end := decodeData[protocol.LLMStreamEndData](t, sender.waitFor(t, protocol.TypeLLMStreamEnd, time.Second))
	if end.Text != "backup" {
		t.Fatalf("text=%q, want backup", end.Text)
	}
	if sess.HistoryLen() != 2 {
		t.Fatalf("history len=%d, want 2", sess.HistoryLen())
	}
}

func TestCoordinator_TTSFailureEmitsError(t *testing.T) {
	providers := Providers{
		LLM: streamingLLM([]string{"ok"}, "ok"),
		TTS: &mockTTS{err: core.NewProviderError("tts", errors.New("stream broke"))},
	}
	c, sess, sender := newTestCoordinator(t, Config{}, providers)

	c.HandleMessage(protocol.ClientConnect{})
	c.HandleMessage(protocol.ClientText{Text: "hi"})
	c.Wait()

	errEnv := sender.waitFor(t, protocol.TypeError, time.Second)
	if data := decodeData[protocol.ErrorData](t, errEnv); data.Code != core.CodeTTSFailed {
		t.Fatalf("code=%q, want %s", data.Code, core.CodeTTSFailed)
	}
	if sess.Stage() != StageIdle {
		t.Fatalf("stage=%s, want IDLE", sess.Stage())
	}
	// The turn itself completed; history keeps the exchange.
	if sess.HistoryLen() != 2 {
		t.Fatalf("history len=%d, want 2", sess.HistoryLen())
	}
}

func TestCoordinator_TTSChunkSplitting(t *testing.T) {
	providers := Providers{
		LLM: streamingLLM([]string{"ok"}, "ok"),
		TTS: &mockTTS{chunks: [][]byte{make([]byte, 10)}},
	}
	cfg := Config{TTSChunkBytes: 4}
	c, _, sender := newTestCoordinator(t, cfg, providers)

	c.HandleMessage(protocol.ClientConnect{})
	c.HandleMessage(protocol.ClientText{Text: "hi"})
	c.Wait()

	chunks := sender.ofType(protocol.TypeTTSStreamChunk)
	if len(chunks) != 3 {
		t.Fatalf("chunks=%d, want 3 (4+4+2 bytes)", len(chunks))
	}
	last := decodeData[protocol.TTSStreamChunkData](t, chunks[2])
	if !last.IsLast {
		t.Fatal("final split piece must carry isLast")
	}
	end := decodeData[protocol.TTSStreamEndData](t, sender.waitFor(t, protocol.TypeTTSStreamEnd, time.Second))
	if end.TotalBytes != 10 || end.ChunkCount != 3 {
		t.Fatalf("end=%+v", end)
	}
}

func TestCoordinator_ResetMidTurn(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	providers := Providers{
		LLM: &mockLLM{stream: func(ctx context.Context, req llm.Request, onDelta func(string) error) (*llm.Result, error) {
			close(started)
			<-release
			return &llm.Result{Text: "late"}, nil
		}},
		TTS: &mockTTS{},
	}
	c, sess, sender := newTestCoordinator(t, Config{}, providers)

	c.HandleMessage(protocol.ClientConnect{})
	sess.AppendTurn("old", "turn")
	c.HandleMessage(protocol.ClientText{Text: "hi"})
	<-started

	c.HandleMessage(protocol.ClientReset{})
	close(release)
	c.Wait()

	sender.waitFor(t, protocol.TypeResetComplete, time.Second)
	if sess.Stage() != StageIdle {
		t.Fatalf("stage=%s, want IDLE", sess.Stage())
	}
	if sess.HistoryLen() != 0 {
		t.Fatal("reset should clear history by default")
	}
	if envs := sender.ofType(protocol.TypeLLMStreamEnd); len(envs) != 0 {
		t.Fatal("late result must not reach the client after reset")
	}
}

func TestCoordinator_PingPong(t *testing.T) {
	c, _, sender := newTestCoordinator(t, Config{}, Providers{})

	c.HandleMessage(protocol.ClientPing{Timestamp: 42})
	pong := decodeData[protocol.PongData](t, sender.waitFor(t, protocol.TypePong, time.Second))
	if pong.Timestamp != 42 {
		t.Fatalf("timestamp=%d, want echo 42", pong.Timestamp)
	}
}

func TestCoordinator_ConnectAck(t *testing.T) {
	c, sess, sender := newTestCoordinator(t, Config{}, Providers{})

	c.HandleMessage(protocol.ClientConnect{UserIdentity: "u-1", Language: "en"})
	ack := decodeData[protocol.ConnectedData](t, sender.waitFor(t, protocol.TypeConnected, time.Second))
	if ack.SessionID != sess.ID {
		t.Fatalf("sessionId=%q, want %q", ack.SessionID, sess.ID)
	}
	if !ack.Capabilities.Streaming || !ack.Capabilities.Interrupt {
		t.Fatalf("capabilities=%+v", ack.Capabilities)
	}
	if sess.Language() != "en" {
		t.Fatalf("language=%q", sess.Language())
	}
}
