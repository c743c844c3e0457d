package types

import "time"

// TurnState is the lifecycle state of a single user-utterance → response cycle.
type TurnState string

const (
	StateIdle             TurnState = "IDLE"
	StateTranscribing     TurnState = "TRANSCRIBING"
	StateClassifying      TurnState = "CLASSIFYING"
	StateDirectResponding TurnState = "DIRECT_RESPONDING"
	StateRetrieving       TurnState = "RETRIEVING"
	StateGenerating       TurnState = "GENERATING"
	StateSynthesizing     TurnState = "SYNTHESIZING"
	StateSpeaking         TurnState = "SPEAKING"
	StateCompleted        TurnState = "COMPLETED"
	StateCancelled        TurnState = "CANCELLED"
	StateError            TurnState = "ERROR"
)

// Terminal reports whether no further transitions are allowed from s.
func (s TurnState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// Intent is the classification of a user utterance.
type Intent string

const (
	IntentGreeting Intent = "greeting"
	IntentThanks   Intent = "thanks"
	IntentGoodbye  Intent = "goodbye"
	IntentQuery    Intent = "query"
)

// Utterance is one contiguous span of detected user speech. Created by the
// VAD segmenter, consumed once by the turn controller.
type Utterance struct {
	SessionID string
	PCM       []byte // PCM16 mono
	StartedAt time.Time
	EndedAt   time.Time
}

// Passage is one retrieved knowledge-base entry with its similarity score.
type Passage struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// ChatMessage is one entry of the prompt sent to the generator.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Exchange is one completed turn kept in a session's bounded history.
type Exchange struct {
	TurnID    string
	User      string
	Assistant string
	At        time.Time
}

// Event is one entry of a session's ordered event log.
type Event struct {
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Ts        time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}
