package stt

import (
	"context"
	"errors"
	"testing"

	"github.com/vango-go/vocalis/pkg/core"
)

func TestCartesiaName(t *testing.T) {
	p := NewCartesia("api-key")
	if p.Name() != "cartesia" {
		t.Fatalf("name = %q, want cartesia", p.Name())
	}
	if p.httpClient == nil {
		t.Fatal("provider should initialize http client")
	}
}

func TestCartesiaTranscribeRejectsEmptyAudio(t *testing.T) {
	p := NewCartesia("api-key")
	_, err := p.Transcribe(context.Background(), nil, TranscribeOptions{})
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Code != core.CodeNoAudioData {
		t.Fatalf("Transcribe(nil) error = %v, want %s", err, core.CodeNoAudioData)
	}
}

func TestAudioExtension(t *testing.T) {
	cases := []struct {
		format string
		want   string
	}{
		{"webm", "webm"},
		{"mp3", "mp3"},
		{"", "wav"},
		{"pcm_s16le", "wav"},
	}
	for _, tc := range cases {
		if got := audioExtension(tc.format); got != tc.want {
			t.Errorf("audioExtension(%q) = %q, want %q", tc.format, got, tc.want)
		}
	}
}
