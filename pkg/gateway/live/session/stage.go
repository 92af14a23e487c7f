package session

// Stage is the session's current pipeline phase. Exactly one stage is
// active at a time; only the transitions listed below are valid.
type Stage string

const (
	StageIdle         Stage = "IDLE"
	StageListening    Stage = "LISTENING"
	StageTranscribing Stage = "TRANSCRIBING"
	StageThinking     Stage = "THINKING"
	StageSpeaking     Stage = "SPEAKING"
)

// transitions is the turn state machine. Every stage can fall back to
// IDLE (interruption, reset, failure). IDLE reaches THINKING directly
// for text input that bypasses transcription.
var transitions = map[Stage][]Stage{
	StageIdle:         {StageListening, StageThinking},
	StageListening:    {StageListening, StageTranscribing, StageIdle},
	StageTranscribing: {StageThinking, StageIdle},
	StageThinking:     {StageSpeaking, StageIdle},
	StageSpeaking:     {StageIdle},
}

func (s Stage) String() string { return string(s) }

// CanTransition reports whether moving from s to next is a valid step
// of the turn state machine.
func (s Stage) CanTransition(next Stage) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Busy reports whether the session is past the point of accepting new
// input for the current turn.
func (s Stage) Busy() bool {
	switch s {
	case StageTranscribing, StageThinking, StageSpeaking:
		return true
	default:
		return false
	}
}
