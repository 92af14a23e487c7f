// Package voicemap translates expression tags into synthesis
// parameters and voice selection. The mapping ships with built-in
// defaults and can be replaced wholesale from a YAML file.
package voicemap

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// TagParams is the parameter adjustment contributed by one tag.
type TagParams struct {
	Pitch  float64 `yaml:"pitch"`
	Rate   float64 `yaml:"rate"`
	Volume float64 `yaml:"volume"`
}

// Params is the fused synthesis parameter set for a tag list.
type Params struct {
	Pitch  float64
	Speed  float64
	Volume float64
	// Applied lists the tags that contributed, after alias resolution.
	Applied []string
}

// Map resolves tags to voice parameters and voice IDs.
type Map struct {
	DefaultVoice string               `yaml:"default_voice"`
	Tags         map[string]TagParams `yaml:"tags"`
	Voices       map[string]string    `yaml:"voices"`
	Aliases      map[string]string    `yaml:"aliases"`
}

var pauseTagRE = regexp.MustCompile(`^pause-\d{2,4}$`)

// Load reads a voice map from a YAML file. An empty path returns the
// built-in defaults.
func Load(path string) (*Map, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read voice map: %w", err)
	}
	var m Map
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse voice map: %w", err)
	}
	base := Default()
	if m.Tags == nil {
		m.Tags = base.Tags
	}
	if m.Aliases == nil {
		m.Aliases = base.Aliases
	}
	if m.DefaultVoice == "" {
		m.DefaultVoice = base.DefaultVoice
	}
	return &m, nil
}

// resolve maps a raw tag to its canonical name, or "" if the tag is
// unknown or a pause marker.
func (m *Map) resolve(raw string) string {
	t := strings.ToLower(strings.TrimSpace(raw))
	if t == "" || pauseTagRE.MatchString(t) {
		return ""
	}
	if alias, ok := m.Aliases[t]; ok {
		t = alias
	}
	if _, ok := m.Tags[t]; !ok {
		return ""
	}
	return t
}

// Params fuses the tag list into one parameter set. Pitch adjustments
// accumulate with dampening, speed and volume multiply, and the result
// is clamped to the safe synthesis range.
func (m *Map) Params(tags []string) Params {
	p := Params{Speed: 1.0, Volume: 1.0}
	for _, raw := range tags {
		t := m.resolve(raw)
		if t == "" {
			continue
		}
		tp := m.Tags[t]
		p.Pitch += tp.Pitch * 0.3
		if tp.Rate != 0 {
			p.Speed *= tp.Rate
		}
		if tp.Volume != 0 {
			p.Volume *= tp.Volume
		}
		p.Applied = append(p.Applied, t)
	}
	p.Pitch = clamp(p.Pitch, -4, 4)
	p.Speed = clamp(p.Speed, 0.7, 1.4)
	p.Volume = clamp(p.Volume, 0.4, 1.2)
	return p
}

// Voice returns the voice ID for the tag list: the first tag with a
// dedicated voice wins, otherwise the default voice.
func (m *Map) Voice(tags []string) string {
	for _, raw := range tags {
		t := m.resolve(raw)
		if t == "" {
			continue
		}
		if id, ok := m.Voices[t]; ok && id != "" {
			return id
		}
	}
	return m.DefaultVoice
}

// ValidTags filters the list down to tags the map knows, preserving
// pause markers.
func (m *Map) ValidTags(tags []string) []string {
	var out []string
	for _, raw := range tags {
		t := strings.ToLower(strings.TrimSpace(raw))
		if pauseTagRE.MatchString(t) {
			out = append(out, t)
			continue
		}
		if resolved := m.resolve(raw); resolved != "" {
			out = append(out, resolved)
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Default returns the built-in tag mapping.
func Default() *Map {
	return &Map{
		Tags: map[string]TagParams{
			"warm":       {Pitch: -1, Rate: 0.9, Volume: 0.8},
			"flirty":     {Pitch: 2, Rate: 1.1, Volume: 0.8},
			"angry":      {Pitch: 3, Rate: 1.3, Volume: 1.0},
			"tender":     {Pitch: -2, Rate: 0.85, Volume: 0.6},
			"excited":    {Pitch: 2, Rate: 1.2, Volume: 0.9},
			"whisper":    {Pitch: 0, Rate: 0.8, Volume: 0.4},
			"playful":    {Pitch: 1, Rate: 1.15, Volume: 0.85},
			"thoughtful": {Pitch: -1, Rate: 0.95, Volume: 0.7},
			"emotional":  {Pitch: 1, Rate: 1.0, Volume: 0.9},
			"breathy":    {Pitch: -0.5, Rate: 0.9, Volume: 0.75},
			"softer":     {Pitch: -1.5, Rate: 0.88, Volume: 0.65},
			"smile":      {Pitch: 1.5, Rate: 1.05, Volume: 0.85},
			"fast":       {Pitch: 0, Rate: 1.3, Volume: 1.0},
			"slow":       {Pitch: 0, Rate: 0.7, Volume: 1.0},
			"louder":     {Pitch: 0, Rate: 1.0, Volume: 1.2},
			"quieter":    {Pitch: 0, Rate: 1.0, Volume: 0.5},
			"neutral":    {Pitch: 0, Rate: 1.0, Volume: 1.0},
		},
		Aliases: map[string]string{
			"calm": "thoughtful",
			"soft": "softer",
		},
	}
}
