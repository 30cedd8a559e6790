package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-speech-sentence-service/internal/language"
	"ai-speech-sentence-service/internal/models"
	"ai-speech-sentence-service/internal/observability/logging"
	"ai-speech-sentence-service/internal/observability/metrics"
	"ai-speech-sentence-service/internal/service/segment"
	"ai-speech-sentence-service/internal/service/transport"
)

// Config holds supervisor timing and limits.
type Config struct {
	PollInterval     time.Duration // silence check cadence
	SilenceThreshold time.Duration // quiet time that ends a sentence
	MaxResults       int           // alternatives requested from the transport

	MaxConsecutiveRestarts int           // 0 disables the cap
	RestartBackoff         time.Duration // delay before the second consecutive restart
	RestartBackoffMax      time.Duration

	MaxDuration  time.Duration // 0 = unlimited
	MaxSentences int           // 0 = unlimited
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		PollInterval:           300 * time.Millisecond,
		SilenceThreshold:       2000 * time.Millisecond,
		MaxResults:             2,
		MaxConsecutiveRestarts: 5,
		RestartBackoff:         250 * time.Millisecond,
		RestartBackoffMax:      5 * time.Second,
	}
}

// HistoryAppender persists a completed recording.
type HistoryAppender interface {
	Append(ctx context.Context, entry models.HistoryEntry) error
}

// Event describes the recording an observer callback belongs to.
type Event struct {
	SessionID   string
	LanguageTag string
	State       State
	Restarts    int
	Err         error
}

// Observer is notified of supervisor output. Callbacks run without the
// supervisor lock held, on whichever goroutine produced the event. OnSentence
// may run on the poll loop, so slow work must be handed off.
type Observer interface {
	OnSentence(ev Event, s models.Sentence, reason models.FinalizeReason)
	OnLiveText(ev Event, text string)
	OnStateChange(ev Event)
}

type nopObserver struct{}

func (nopObserver) OnSentence(Event, models.Sentence, models.FinalizeReason) {}
func (nopObserver) OnLiveText(Event, string)                                 {}
func (nopObserver) OnStateChange(Event)                                      {}

// Info is a point-in-time view of the recording.
type Info struct {
	SessionID   string            `json:"sessionId"`
	LanguageTag string            `json:"languageTag"`
	State       State             `json:"state"`
	Pending     string            `json:"pending"`
	Sentences   []models.Sentence `json:"sentences"`
	Restarts    int               `json:"restarts"`
	StartedAt   time.Time         `json:"startedAt"`
	LastError   string            `json:"lastError,omitempty"`
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithObserver registers the sentence and state observer.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) { s.observer = o }
}

// WithHistory sets where completed recordings are flushed.
func WithHistory(h HistoryAppender) Option {
	return func(s *Supervisor) { s.history = h }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithIDs shares a sentence ID generator.
func WithIDs(g *segment.Generator) Option {
	return func(s *Supervisor) { s.engine = segment.NewEngine(g) }
}

// Supervisor keeps one logical recording alive across transport session
// stops and turns the transport's hypotheses into sentences.
// It implements transport.Listener.
type Supervisor struct {
	cfg       Config
	transport transport.Transport
	engine    *segment.Engine
	history   HistoryAppender
	observer  Observer
	clock     Clock
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu                sync.Mutex
	state             State
	sessionId         string
	language          string
	userRequestedStop bool
	rearming          bool // a restart is arming the transport; its partials count
	sentences         []models.Sentence
	restarts          int
	consecutiveStops  int
	limitHit          bool
	startedAt         time.Time
	lastErr           error
	sessionLog        zerolog.Logger

	// Scope of the current recording. Cancelling runCtx ends the poll loop,
	// aborts restart backoff and tears down the transport session.
	runCtx   context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	restartWG sync.WaitGroup
}

var _ transport.Listener = (*Supervisor)(nil)

// New creates a Supervisor over t.
func New(t transport.Transport, cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		transport: t,
		observer:  nopObserver{},
		clock:     SystemClock{},
		logger:    logging.WithComponent("supervisor"),
		metrics:   metrics.DefaultMetrics,
		state:     StateIdle,
	}
	for _, o := range opts {
		o(s)
	}
	if s.engine == nil {
		s.engine = segment.NewEngine(segment.New())
	}
	if s.cfg.PollInterval <= 0 {
		s.cfg.PollInterval = DefaultConfig().PollInterval
	}
	s.sessionLog = s.logger
	return s
}

// EnsurePermission runs the availability and permission flow: a granted
// permission passes, anything else triggers one request.
func (s *Supervisor) EnsurePermission(ctx context.Context) error {
	ok, err := s.transport.Available(ctx)
	if err != nil {
		return fmt.Errorf("check availability: %w", err)
	}
	if !ok {
		return transport.ErrTransportUnavailable
	}

	st, err := s.transport.CheckPermission(ctx)
	if err != nil {
		return fmt.Errorf("check permission: %w", err)
	}
	if st == transport.PermissionGranted {
		return nil
	}

	st, err = s.transport.RequestPermission(ctx)
	if err != nil {
		return fmt.Errorf("request permission: %w", err)
	}
	if st != transport.PermissionGranted {
		return transport.ErrPermissionDenied
	}
	return nil
}

// SupportedLanguages returns the transport's language list.
func (s *Supervisor) SupportedLanguages(ctx context.Context) ([]string, error) {
	return s.transport.SupportedLanguages(ctx)
}

// Start begins a new recording in languageTag. Starting while a recording is
// active returns ErrAlreadyActive.
func (s *Supervisor) Start(ctx context.Context, languageTag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if languageTag == "" {
		languageTag = language.DefaultTag
	}
	if !language.IsSupported(languageTag) {
		return fmt.Errorf("%w: %s", ErrUnsupportedLanguage, languageTag)
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyActive
	}

	sessionId := uuid.NewString()
	s.engine.Reset(sessionId)
	s.sessionId = sessionId
	s.language = languageTag
	s.userRequestedStop = false
	s.rearming = false
	s.sentences = nil
	s.restarts = 0
	s.consecutiveStops = 0
	s.limitHit = false
	s.lastErr = nil
	s.startedAt = s.clock.Now()
	s.sessionLog = s.logger.With().
		Str("sessionId", sessionId).
		Str("languageTag", languageTag).
		Str("transport", s.transport.Name()).
		Logger()
	s.transition(StateListening)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.runCtx, s.cancel, s.loopDone = runCtx, cancel, done
	logger := s.sessionLog
	s.mu.Unlock()

	go s.pollLoop(runCtx, done)
	s.metrics.RecordRecordingStart()

	if err := s.transport.Start(runCtx, s.options(languageTag), s); err != nil {
		s.mu.Lock()
		owned := s.runCtx == runCtx && s.state == StateListening
		if owned {
			s.transition(StateIdle)
			s.lastErr = err
		}
		s.mu.Unlock()
		cancel()
		<-done
		if owned {
			s.metrics.RecordRecordingEnd("start_failed", 0, 0)
		}
		logger.Error().Err(err).Msg("Failed to arm transport")
		return fmt.Errorf("start transport: %w", err)
	}

	logger.Info().Msg("Recording started")
	s.observer.OnStateChange(s.event())
	return nil
}

// Stop ends the recording: pending text is finalized, the transport is
// stopped and the sentences are flushed to history as one entry.
// The returned sentences are valid even when an error is returned.
func (s *Supervisor) Stop(ctx context.Context) ([]models.Sentence, error) {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateStopped {
		s.mu.Unlock()
		return nil, ErrNotActive
	}
	s.userRequestedStop = true
	s.transition(StateStopped)
	cancel, done := s.cancel, s.loopDone
	logger := s.sessionLog
	s.mu.Unlock()

	cancel()
	<-done
	s.restartWG.Wait()

	now := s.clock.Now()
	s.mu.Lock()
	sentence, ok := s.engine.FinalizeOnStop(now)
	if ok {
		s.sentences = append(s.sentences, sentence)
	}
	ev := s.eventLocked()
	s.mu.Unlock()
	if ok {
		s.emitSentence(ev, sentence, models.FinalizeStop)
	}

	stopErr := s.transport.Stop(ctx)
	if stopErr != nil {
		logger.Error().Err(stopErr).Msg("Failed to stop transport")
	}

	s.mu.Lock()
	s.transition(StateIdle)
	sentences := append([]models.Sentence(nil), s.sentences...)
	lang, startedAt := s.language, s.startedAt
	ev = s.eventLocked()
	s.mu.Unlock()

	s.metrics.RecordRecordingEnd("", now.Sub(startedAt).Seconds(), len(sentences))
	histErr := s.flush(ctx, lang, sentences, now)
	logger.Info().Int("sentences", len(sentences)).Msg("Recording stopped")
	s.observer.OnStateChange(ev)

	if stopErr != nil {
		return sentences, fmt.Errorf("stop transport: %w", stopErr)
	}
	return sentences, histErr
}

// Close stops any active recording.
func (s *Supervisor) Close(ctx context.Context) error {
	_, err := s.Stop(ctx)
	if errors.Is(err, ErrNotActive) {
		return nil
	}
	return err
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the last recording, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Snapshot returns the current recording view.
func (s *Supervisor) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		SessionID:   s.sessionId,
		LanguageTag: s.language,
		State:       s.state,
		Pending:     s.engine.Pending(),
		Sentences:   append([]models.Sentence(nil), s.sentences...),
		Restarts:    s.restarts,
		StartedAt:   s.startedAt,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// RemoveSentence drops a sentence from the current list.
func (s *Supervisor) RemoveSentence(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, st := range s.sentences {
		if st.ID == id {
			s.sentences = append(s.sentences[:i], s.sentences[i+1:]...)
			return true
		}
	}
	return false
}

// --- transport.Listener implementation ---

// OnPartialResults feeds the best match into the segmentation engine.
// Results arriving while not listening (stop in progress, idle, or before a
// restart has begun arming the transport) are discarded. Results from a
// transport session that is still being armed are kept.
func (s *Supervisor) OnPartialResults(matches []string) {
	if len(matches) == 0 {
		return
	}

	s.mu.Lock()
	accepting := s.state == StateListening || (s.state == StateRestarting && s.rearming)
	if s.userRequestedStop || !accepting {
		state := s.state
		s.mu.Unlock()
		s.metrics.RecordPartialDiscarded(state.String())
		return
	}
	live := s.engine.OnPartialResult(matches[0], s.clock.Now())
	s.consecutiveStops = 0
	ev := s.eventLocked()
	s.mu.Unlock()

	s.metrics.RecordPartial()
	s.observer.OnLiveText(ev, live)
}

// OnListeningState handles transport lifecycle events. A stop that the user
// did not request finalizes pending text and re-arms the transport once.
func (s *Supervisor) OnListeningState(status transport.Status) {
	if status != transport.StatusStopped {
		s.mu.Lock()
		logger := s.sessionLog
		s.mu.Unlock()
		logger.Debug().Str("status", string(status)).Msg("Transport listening")
		return
	}

	now := s.clock.Now()
	s.mu.Lock()
	if s.userRequestedStop || s.state != StateListening {
		s.mu.Unlock()
		return
	}
	s.transition(StateRestarting)
	s.consecutiveStops++
	attempt := s.consecutiveStops
	sentence, ok := s.engine.FinalizeOnStop(now)
	if ok {
		s.sentences = append(s.sentences, sentence)
	}
	s.engine.MarkTransportReset()
	runCtx, lang := s.runCtx, s.language
	ev := s.eventLocked()
	s.restartWG.Add(1)
	s.mu.Unlock()

	if ok {
		s.emitSentence(ev, sentence, models.FinalizeInvoluntary)
	}
	s.observer.OnStateChange(ev)

	// Re-arm off the callback goroutine; transports may deliver events from
	// the same loop that must read the start acknowledgement.
	go s.restart(runCtx, lang, attempt)
}

func (s *Supervisor) restart(runCtx context.Context, lang string, attempt int) {
	defer s.restartWG.Done()

	s.mu.Lock()
	logger := s.sessionLog.With().Int("attempt", attempt).Logger()
	s.mu.Unlock()
	logger.Warn().Err(ErrInvoluntaryStop).Msg("Transport stopped on its own, restarting")

	if s.cfg.MaxConsecutiveRestarts > 0 && attempt > s.cfg.MaxConsecutiveRestarts {
		s.metrics.RecordRestart(s.transport.Name(), "limit")
		s.fail(runCtx, ErrRestartLimit, "restart_limit")
		return
	}

	if d := s.backoff(attempt); d > 0 {
		logger.Debug().Dur("backoff", d).Msg("Waiting before restart")
		select {
		case <-runCtx.Done():
			return
		case <-s.clock.After(d):
		}
	}

	s.mu.Lock()
	if s.runCtx != runCtx || s.userRequestedStop || s.state != StateRestarting {
		s.mu.Unlock()
		return
	}
	s.rearming = true
	s.mu.Unlock()

	if err := s.transport.Start(runCtx, s.options(lang), s); err != nil {
		s.metrics.RecordRestart(s.transport.Name(), "error")
		s.fail(runCtx, fmt.Errorf("%w: %w", ErrRestartFailed, err), "restart_failed")
		return
	}

	s.mu.Lock()
	if s.runCtx != runCtx || s.userRequestedStop || s.state != StateRestarting {
		s.mu.Unlock()
		return
	}
	s.rearming = false
	s.transition(StateListening)
	s.restarts++
	ev := s.eventLocked()
	s.mu.Unlock()

	s.metrics.RecordRestart(s.transport.Name(), "ok")
	logger.Info().Int("restarts", ev.Restarts).Msg("Transport restarted")
	s.observer.OnStateChange(ev)
}

// fail ends a recording that could not be restarted. Text the transport
// delivered while it was being armed is finalized before going idle. A user
// stop racing with the restart owns teardown instead.
func (s *Supervisor) fail(runCtx context.Context, err error, reason string) {
	now := s.clock.Now()
	s.mu.Lock()
	if s.runCtx != runCtx || s.userRequestedStop || s.state != StateRestarting {
		s.mu.Unlock()
		return
	}
	s.rearming = false
	sentence, ok := s.engine.FinalizeOnStop(now)
	if ok {
		s.sentences = append(s.sentences, sentence)
	}
	pre := s.eventLocked()
	s.transition(StateIdle)
	s.lastErr = err
	s.cancel()
	sentences := append([]models.Sentence(nil), s.sentences...)
	lang, startedAt := s.language, s.startedAt
	logger := s.sessionLog
	ev := s.eventLocked()
	s.mu.Unlock()

	if ok {
		s.emitSentence(pre, sentence, models.FinalizeInvoluntary)
	}
	logger.Error().Err(err).Msg("Recording ended after involuntary stop")
	s.metrics.RecordRecordingEnd(reason, now.Sub(startedAt).Seconds(), len(sentences))
	_ = s.flush(context.Background(), lang, sentences, now)
	s.observer.OnStateChange(ev)
}

func (s *Supervisor) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			s.tick(now)
		}
	}
}

func (s *Supervisor) tick(now time.Time) {
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return
	}
	sentence, ok := s.engine.CheckSilence(now, s.cfg.SilenceThreshold)
	if ok {
		s.sentences = append(s.sentences, sentence)
	}
	overTime := s.cfg.MaxDuration > 0 && now.Sub(s.startedAt) >= s.cfg.MaxDuration
	overCount := s.cfg.MaxSentences > 0 && len(s.sentences) >= s.cfg.MaxSentences
	limit := (overTime || overCount) && !s.limitHit
	if limit {
		s.limitHit = true
	}
	logger := s.sessionLog
	ev := s.eventLocked()
	s.mu.Unlock()

	if ok {
		s.emitSentence(ev, sentence, models.FinalizeSilence)
	}
	if limit {
		logger.Info().
			Bool("maxDuration", overTime).
			Bool("maxSentences", overCount).
			Msg("Recording limit reached, stopping")
		// Stop waits for this loop to exit, so it cannot run inline.
		go func() {
			if _, err := s.Stop(context.Background()); err != nil && !errors.Is(err, ErrNotActive) {
				logger.Error().Err(err).Msg("Stop after limit failed")
			}
		}()
	}
}

func (s *Supervisor) backoff(attempt int) time.Duration {
	if attempt <= 1 || s.cfg.RestartBackoff <= 0 {
		return 0
	}
	d := s.cfg.RestartBackoff
	for i := 2; i < attempt; i++ {
		d *= 2
		if s.cfg.RestartBackoffMax > 0 && d >= s.cfg.RestartBackoffMax {
			return s.cfg.RestartBackoffMax
		}
	}
	if s.cfg.RestartBackoffMax > 0 && d > s.cfg.RestartBackoffMax {
		return s.cfg.RestartBackoffMax
	}
	return d
}

func (s *Supervisor) flush(ctx context.Context, lang string, sentences []models.Sentence, now time.Time) error {
	if s.history == nil || len(sentences) == 0 {
		return nil
	}
	lines := make([]string, 0, len(sentences))
	for _, st := range sentences {
		if t := strings.TrimSpace(st.Text); t != "" {
			lines = append(lines, t)
		}
	}
	entry := models.HistoryEntry{
		Text:        strings.Join(lines, "\n"),
		RecordedAt:  now,
		LanguageTag: lang,
	}
	if err := s.history.Append(ctx, entry); err != nil {
		s.logger.Error().Err(err).Msg("Failed to append history")
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *Supervisor) emitSentence(ev Event, st models.Sentence, reason models.FinalizeReason) {
	s.metrics.RecordSentence(string(reason))
	s.observer.OnSentence(ev, st, reason)
}

func (s *Supervisor) options(lang string) transport.Options {
	return transport.Options{
		Language:       lang,
		PartialResults: true,
		MaxResults:     s.cfg.MaxResults,
	}
}

func (s *Supervisor) event() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventLocked()
}

// eventLocked must be called with mu held.
func (s *Supervisor) eventLocked() Event {
	return Event{
		SessionID:   s.sessionId,
		LanguageTag: s.language,
		State:       s.state,
		Restarts:    s.restarts,
		Err:         s.lastErr,
	}
}

// transition must be called with mu held.
func (s *Supervisor) transition(next State) {
	if !s.state.CanTransition(next) {
		s.sessionLog.Error().
			Err(ErrInvalidTransition).
			Str("from", s.state.String()).
			Str("to", next.String()).
			Msg("Refusing state change")
		return
	}
	s.state = next
}
