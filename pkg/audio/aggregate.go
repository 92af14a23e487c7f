// Package audio merges buffered microphone fragments into a single
// recording for transcription. When ffmpeg is available the fragments
// are joined through its concat demuxer, which produces a valid
// container even when each fragment carries its own header; otherwise
// the bytes are concatenated naively.
package audio

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Fragment is one buffered audio chunk.
type Fragment struct {
	Data   []byte
	Format string // container hint, e.g. "webm"
}

// Config controls aggregation output.
type Config struct {
	OutputFormat string // default "webm"
	SampleRate   int    // default 16000
	Channels     int    // default 1
	FFmpegPath   string // default "ffmpeg"
}

// Aggregator merges audio fragments.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger

	checkOnce sync.Once
	available bool
}

// NewAggregator creates an aggregator. A nil logger defaults to the
// global one.
func NewAggregator(cfg Config, logger *slog.Logger) *Aggregator {
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "webm"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{cfg: cfg, logger: logger}
}

// Merge joins fragments into one recording. A single fragment passes
// through untouched. When ffmpeg is missing or fails, merging falls
// back to byte concatenation.
func (a *Aggregator) Merge(ctx context.Context, fragments []Fragment) ([]byte, error) {
	switch len(fragments) {
	case 0:
		return nil, fmt.Errorf("no audio fragments to merge")
	case 1:
		return fragments[0].Data, nil
	}

	if !a.ffmpegAvailable(ctx) {
		a.logger.Warn("ffmpeg unavailable, merging audio by concatenation")
		return Concat(fragments), nil
	}

	merged, err := a.mergeWithFFmpeg(ctx, fragments)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.logger.Warn("ffmpeg merge failed, falling back to concatenation", "error", err)
		return Concat(fragments), nil
	}
	return merged, nil
}

// Concat joins fragment bytes in order. Works for raw formats and for
// players tolerant of repeated container headers.
func Concat(fragments []Fragment) []byte {
	var total int
	for _, f := range fragments {
		total += len(f.Data)
	}
	out := make([]byte, 0, total)
	for _, f := range fragments {
		out = append(out, f.Data...)
	}
	return out
}

func (a *Aggregator) ffmpegAvailable(ctx context.Context) bool {
	a.checkOnce.Do(func() {
		err := exec.CommandContext(ctx, a.cfg.FFmpegPath, "-version").Run()
		a.available = err == nil
	})
	return a.available
}

func (a *Aggregator) mergeWithFFmpeg(ctx context.Context, fragments []Fragment) ([]byte, error) {
	tempDir, err := os.MkdirTemp("", "vocalis-audio-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	var listEntries []string
	for i, f := range fragments {
		format := f.Format
		if format == "" {
			format = a.cfg.OutputFormat
		}
		chunkPath := filepath.Join(tempDir, fmt.Sprintf("chunk-%d.%s", i, format))
		if err := os.WriteFile(chunkPath, f.Data, 0o600); err != nil {
			return nil, fmt.Errorf("write fragment %d: %w", i, err)
		}
		listEntries = append(listEntries, "file '"+filepath.ToSlash(chunkPath)+"'")
	}

	concatPath := filepath.Join(tempDir, "concat.txt")
	if err := os.WriteFile(concatPath, []byte(strings.Join(listEntries, "\n")), 0o600); err != nil {
		return nil, fmt.Errorf("write concat list: %w", err)
	}

	outPath := filepath.Join(tempDir, "merged."+a.cfg.OutputFormat)
	cmd := exec.CommandContext(ctx, a.cfg.FFmpegPath,
		"-f", "concat",
		"-safe", "0",
		"-i", concatPath,
		"-ar", strconv.Itoa(a.cfg.SampleRate),
		"-ac", strconv.Itoa(a.cfg.Channels),
		"-y",
		outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg merge: %w: %s", err, stderr.String())
	}

	merged, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read merged audio: %w", err)
	}
	return merged, nil
}
