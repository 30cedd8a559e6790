// Package models defines the data structures shared across the service.
package models

import "time"

// Sentence is a finalized chunk of recognized speech.
type Sentence struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// HistoryEntry is one completed recording, all sentences joined by newlines.
type HistoryEntry struct {
	Text        string    `json:"text"`
	RecordedAt  time.Time `json:"recordedAt"`
	LanguageTag string    `json:"languageTag"`
}

// FinalizeReason records why a sentence was cut.
type FinalizeReason string

const (
	FinalizeSilence     FinalizeReason = "silence"
	FinalizeStop        FinalizeReason = "stop"
	FinalizeInvoluntary FinalizeReason = "involuntary"
)

// SentenceEvent is published for every finalized sentence.
type SentenceEvent struct {
	EventType   string         `json:"eventType"`
	SessionID   string         `json:"sessionId"`
	SentenceID  string         `json:"sentenceId"`
	LanguageTag string         `json:"languageTag"`
	Text        string         `json:"text"`
	RefinedText string         `json:"refinedText,omitempty"`
	Reason      FinalizeReason `json:"reason"`
	Timestamp   int64          `json:"timestamp"`
}

// SessionEvent is published on recording lifecycle transitions.
type SessionEvent struct {
	EventType   string `json:"eventType"`
	SessionID   string `json:"sessionId"`
	LanguageTag string `json:"languageTag"`
	State       string `json:"state"`
	Restarts    int    `json:"restarts,omitempty"`
	Error       string `json:"error,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

const (
	EventSentenceFinal    = "recording.sentence.final"
	EventSentenceRefined  = "recording.sentence.refined"
	EventSessionStarted   = "recording.session.started"
	EventSessionRestarted = "recording.session.restarted"
	EventSessionStopped   = "recording.session.stopped"
	EventSessionFailed    = "recording.session.failed"
)
