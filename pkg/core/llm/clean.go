package llm

import (
	"regexp"
	"strings"
)

var (
	stageDirectionRE = regexp.MustCompile(`\*\s*[\s\S]*?\s*\*`)
	halfParenRE      = regexp.MustCompile(`\([^()]*\)`)
	fullParenRE      = regexp.MustCompile(`（[^（）]*）`)
	multiSpaceRE     = regexp.MustCompile(`\s{2,}`)
)

// speechPunctuation is the whitelist of punctuation kept in synthesized
// text. Everything outside it, CJK ideographs, Latin letters, and
// digits is stripped.
var speechPunctuation = map[rune]bool{
	'，': true, '。': true, '！': true, '？': true, '～': true, '、': true, '：': true, '；': true,
	',': true, '.': true, '!': true, '?': true, ':': true, ';': true,
	'“': true, '”': true, '‘': true, '’': true,
	'"': true, '\'': true,
	'（': true, '）': true, '(': true, ')': true,
	'《': true, '》': true,
	' ': true, '\n': true, '\r': true, '\t': true,
}

// SanitizeForSpeech turns raw model output into text safe to hand to a
// TTS voice: stage directions in asterisks and parenthetical asides are
// dropped, and characters outside the speech-friendly set are removed.
func SanitizeForSpeech(text string) string {
	s := strings.TrimSpace(text)
	s = stageDirectionRE.ReplaceAllString(s, "")

	// Parentheses may nest, so strip innermost pairs repeatedly.
	for i := 0; i < 10; i++ {
		next := halfParenRE.ReplaceAllString(s, "")
		next = fullParenRE.ReplaceAllString(next, "")
		next = strings.TrimSpace(next)
		if next == s {
			break
		}
		s = next
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 0x4e00 && r <= 0x9fff:
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case speechPunctuation[r]:
			b.WriteRune(r)
		}
	}
	s = b.String()

	s = multiSpaceRE.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
