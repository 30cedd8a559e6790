// Package schema checks outgoing events before they are published.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"ai-speech-sentence-service/internal/models"
)

// ErrInvalidEvent wraps every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

var sentenceTypes = map[string]bool{
	models.EventSentenceFinal:   true,
	models.EventSentenceRefined: true,
}

var sessionTypes = map[string]bool{
	models.EventSessionStarted:   true,
	models.EventSessionRestarted: true,
	models.EventSessionStopped:   true,
	models.EventSessionFailed:    true,
}

var reasons = map[models.FinalizeReason]bool{
	models.FinalizeSilence:     true,
	models.FinalizeStop:        true,
	models.FinalizeInvoluntary: true,
}

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate accepts models.SentenceEvent and models.SessionEvent, by value
// or pointer.
func (v *Validator) Validate(event any) error {
	switch e := event.(type) {
	case models.SentenceEvent:
		return validateSentence(&e)
	case *models.SentenceEvent:
		return validateSentence(e)
	case models.SessionEvent:
		return validateSession(&e)
	case *models.SessionEvent:
		return validateSession(e)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalidEvent, event)
	}
}

func validateSentence(e *models.SentenceEvent) error {
	var missing []string
	if !sentenceTypes[e.EventType] {
		missing = append(missing, "eventType")
	}
	if e.SessionID == "" {
		missing = append(missing, "sessionId")
	}
	if e.SentenceID == "" {
		missing = append(missing, "sentenceId")
	}
	if e.LanguageTag == "" {
		missing = append(missing, "languageTag")
	}
	if strings.TrimSpace(e.Text) == "" {
		missing = append(missing, "text")
	}
	if !reasons[e.Reason] {
		missing = append(missing, "reason")
	}
	if e.EventType == models.EventSentenceRefined && strings.TrimSpace(e.RefinedText) == "" {
		missing = append(missing, "refinedText")
	}
	if e.Timestamp <= 0 {
		missing = append(missing, "timestamp")
	}
	return report("sentence", missing)
}

func validateSession(e *models.SessionEvent) error {
	var missing []string
	if !sessionTypes[e.EventType] {
		missing = append(missing, "eventType")
	}
	if e.SessionID == "" {
		missing = append(missing, "sessionId")
	}
	if e.State == "" {
		missing = append(missing, "state")
	}
	if e.EventType == models.EventSessionFailed && e.Error == "" {
		missing = append(missing, "error")
	}
	if e.Timestamp <= 0 {
		missing = append(missing, "timestamp")
	}
	return report("session", missing)
}

func report(kind string, fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s event has bad fields: %s", ErrInvalidEvent, kind, strings.Join(fields, ", "))
}
