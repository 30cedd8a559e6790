package segment

import (
	"strings"
	"sync"
	"time"

	"ai-speech-sentence-service/internal/models"
)

// Engine converts cumulative partial hypotheses into finalized sentences.
// Thread-safe for concurrent access.
//
// The transport delivers the whole hypothesis since its session began on every
// callback, so the engine tracks how much of it has already been committed to
// earlier sentences and exposes only the uncommitted suffix as pending text.
// Lengths are counted in runes.
//
//	hypothesis:  "xin chào các bạn"
//	             |<- committed ->|<- pending ->|
//
// A hypothesis shorter than the committed length means the transport restarted
// its buffer; the committed length drops back to zero.
type Engine struct {
	mu  sync.Mutex
	ids *Generator

	sessionId       string
	committedLength int
	lastHypothesis  []rune
	lastActivity    time.Time
	pending         string
}

// NewEngine creates an engine that names sentences with ids.
func NewEngine(ids *Generator) *Engine {
	if ids == nil {
		ids = New()
	}
	return &Engine{ids: ids}
}

// Reset clears all state and binds the engine to a new recording session.
func (e *Engine) Reset(sessionId string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionId = sessionId
	e.committedLength = 0
	e.lastHypothesis = nil
	e.lastActivity = time.Time{}
	e.pending = ""
}

// OnPartialResult ingests a cumulative hypothesis and returns the live pending text.
func (e *Engine) OnPartialResult(hypothesis string, now time.Time) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := []rune(hypothesis)
	if len(h) < e.committedLength {
		e.committedLength = 0
	}
	e.pending = string(h[e.committedLength:])
	e.lastHypothesis = h
	e.lastActivity = now
	return e.pending
}

// CheckSilence finalizes the pending text when nothing arrived for longer than
// threshold. Whitespace-only pending text is never finalized.
func (e *Engine) CheckSilence(now time.Time, threshold time.Duration) (models.Sentence, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if now.Sub(e.lastActivity) <= threshold {
		return models.Sentence{}, false
	}
	if strings.TrimSpace(e.pending) == "" {
		return models.Sentence{}, false
	}
	return e.finalize(now), true
}

// FinalizeOnStop finalizes whatever is pending regardless of the silence
// threshold. Text in the last hypothesis beyond the committed length is
// recovered even if no callback refreshed the pending text after the last
// silence check.
func (e *Engine) FinalizeOnStop(now time.Time) (models.Sentence, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.lastHypothesis) > e.committedLength {
		e.pending = string(e.lastHypothesis[e.committedLength:])
	}
	if strings.TrimSpace(e.pending) == "" {
		e.pending = ""
		return models.Sentence{}, false
	}
	return e.finalize(now), true
}

// MarkTransportReset tells the engine the transport is about to start a fresh
// session, so the next hypothesis is taken whole even if it is longer than
// what was committed before.
func (e *Engine) MarkTransportReset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.committedLength = 0
	e.lastHypothesis = nil
	e.pending = ""
}

// Pending returns the in-progress sentence text.
func (e *Engine) Pending() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// CommittedLength returns how many runes of the last hypothesis are finalized.
func (e *Engine) CommittedLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.committedLength
}

// LastActivity returns the time of the last partial result or finalize.
func (e *Engine) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivity
}

// finalize must be called with mu held.
func (e *Engine) finalize(now time.Time) models.Sentence {
	s := models.Sentence{
		ID:        e.ids.Next(e.sessionId),
		Text:      e.pending,
		CreatedAt: now,
	}
	e.committedLength = len(e.lastHypothesis)
	e.pending = ""
	e.lastActivity = now
	return s
}
