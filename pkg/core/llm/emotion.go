package llm

import "strings"

// Emotion is a coarse mood classification of user input, used to bias
// sampling temperature and to pick default expression tags when the
// model supplies none.
type Emotion string

const (
	EmotionHappy   Emotion = "happy"
	EmotionSad     Emotion = "sad"
	EmotionAngry   Emotion = "angry"
	EmotionNeutral Emotion = "neutral"
)

// emotionKeywords maps each emotion to the substrings that signal it.
// Ordered so stronger signals win over the neutral fillers.
var emotionKeywords = []struct {
	emotion  Emotion
	keywords []string
}{
	{EmotionHappy, []string{"開心", "高興", "快樂", "哈哈", "😊", "好", "棒", "讚", "太好了", "happy", "great", "awesome"}},
	{EmotionSad, []string{"難過", "傷心", "悲傷", "哭", "😢", "不舒服", "糟糕", "sad", "terrible"}},
	{EmotionAngry, []string{"生氣", "憤怒", "討厭", "氣死", "😠", "煩", "angry", "annoying"}},
	{EmotionNeutral, []string{"還好", "普通", "一般", "嗯"}},
}

// emotionTags maps an emotion to the default expression tags applied
// when the model did not choose any.
var emotionTags = map[Emotion][]string{
	EmotionHappy:   {"excited", "smile", "playful"},
	EmotionSad:     {"warm", "tender", "whisper"},
	EmotionAngry:   {"thoughtful"},
	EmotionNeutral: {"flirty", "breathy"},
}

// AnalyzeEmotion classifies text by keyword matching. Unrecognized
// input is neutral.
func AnalyzeEmotion(text string) Emotion {
	lower := strings.ToLower(text)
	for _, e := range emotionKeywords {
		for _, kw := range e.keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return e.emotion
			}
		}
	}
	return EmotionNeutral
}

// TagsForEmotion returns the default expression tags for an emotion.
// The returned slice is a copy.
func TagsForEmotion(e Emotion) []string {
	tags := emotionTags[e]
	if tags == nil {
		tags = emotionTags[EmotionNeutral]
	}
	out := make([]string, len(tags))
	copy(out, tags)
	return out
}

// TemperatureForEmotion biases sampling toward livelier output for
// happy input and steadier output for sad input.
func TemperatureForEmotion(e Emotion) float64 {
	switch e {
	case EmotionHappy:
		return 0.9
	case EmotionSad:
		return 0.7
	default:
		return 0.8
	}
}
