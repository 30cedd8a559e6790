// Package recording connects supervisor output to the event publisher, text
// enhancement and playback.
package recording

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ai-speech-sentence-service/internal/models"
	"ai-speech-sentence-service/internal/observability/logging"
	"ai-speech-sentence-service/internal/service/session"
)

// Publisher sends events downstream.
type Publisher interface {
	PublishSentence(ctx context.Context, ev models.SentenceEvent) error
	PublishSession(ctx context.Context, ev models.SessionEvent) error
}

// Enhancer cleans up recognized text. Refine returns its input on failure.
type Enhancer interface {
	Enabled() bool
	Refine(ctx context.Context, text, languageTag string) string
}

// Speaker plays text aloud.
type Speaker interface {
	Speak(ctx context.Context, text, languageTag string) bool
}

// Validator rejects malformed events.
type Validator interface {
	Validate(event any) error
}

// Config controls the optional follow-up work per sentence.
type Config struct {
	AutoRefine     bool
	AutoSpeak      bool
	MaxInFlight    int           // concurrent refine/speak jobs
	PublishTimeout time.Duration // per event
	JobTimeout     time.Duration // per refine/speak job
	QueueSize      int           // events buffered ahead of the publisher
}

// DefaultConfig returns conservative limits with follow-up work off.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:    4,
		PublishTimeout: 5 * time.Second,
		JobTimeout:     30 * time.Second,
		QueueSize:      256,
	}
}

// Coordinator implements session.Observer. Callbacks only enqueue; a single
// goroutine publishes in callback order, so a slow broker never stalls the
// supervisor. Enqueueing blocks only once QueueSize events are waiting.
type Coordinator struct {
	cfg       Config
	publisher Publisher
	validator Validator
	enhancer  Enhancer
	speaker   Speaker
	logger    zerolog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	jobs   *errgroup.Group

	outbox    chan func()
	quit      chan struct{}
	drained   chan struct{}
	closeOnce sync.Once
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEnhancer enables refinement when cfg.AutoRefine is set.
func WithEnhancer(e Enhancer) Option {
	return func(c *Coordinator) { c.enhancer = e }
}

// WithSpeaker enables playback when cfg.AutoSpeak is set.
func WithSpeaker(s Speaker) Option {
	return func(c *Coordinator) { c.speaker = s }
}

// WithValidator checks every event before publishing.
func WithValidator(v Validator) Option {
	return func(c *Coordinator) { c.validator = v }
}

// New creates a Coordinator.
func New(p Publisher, cfg Config, opts ...Option) *Coordinator {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultConfig().PublishTimeout
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	jobs := &errgroup.Group{}
	jobs.SetLimit(cfg.MaxInFlight)

	c := &Coordinator{
		cfg:       cfg,
		publisher: p,
		logger:    logging.WithComponent("coordinator"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      jobs,
		outbox:    make(chan func(), cfg.QueueSize),
		quit:      make(chan struct{}),
		drained:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.run()
	return c
}

// run publishes queued events in order until Close, then drains the rest.
func (c *Coordinator) run() {
	defer close(c.drained)
	for {
		select {
		case f := <-c.outbox:
			f()
		case <-c.quit:
			for {
				select {
				case f := <-c.outbox:
					f()
				default:
					return
				}
			}
		}
	}
}

func (c *Coordinator) enqueue(f func()) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.outbox <- f:
		return true
	case <-c.quit:
		return false
	}
}

// OnSentence publishes the final sentence and schedules follow-up work.
func (c *Coordinator) OnSentence(ev session.Event, s models.Sentence, reason models.FinalizeReason) {
	logger := logging.WithSentence(ev.SessionID, s.ID)

	final := models.SentenceEvent{
		EventType:   models.EventSentenceFinal,
		SessionID:   ev.SessionID,
		SentenceID:  s.ID,
		LanguageTag: ev.LanguageTag,
		Text:        s.Text,
		Reason:      reason,
		Timestamp:   s.CreatedAt.UnixMilli(),
	}
	if !c.enqueue(func() { c.finalize(logger, ev, s, final) }) {
		logger.Warn().Msg("Coordinator closed, dropping sentence event")
	}
}

// finalize publishes the final event and then schedules refine and speak, so
// a refined event always follows its final event.
func (c *Coordinator) finalize(logger zerolog.Logger, ev session.Event, s models.Sentence, final models.SentenceEvent) {
	c.publishSentence(logger, final)

	refine := c.cfg.AutoRefine && c.enhancer != nil && c.enhancer.Enabled()
	speak := c.cfg.AutoSpeak && c.speaker != nil
	if !refine && !speak {
		return
	}

	started := c.jobs.TryGo(func() error {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.JobTimeout)
		defer cancel()

		text := s.Text
		if refine {
			text = c.enhancer.Refine(ctx, s.Text, ev.LanguageTag)
			if text != s.Text {
				refined := final
				refined.EventType = models.EventSentenceRefined
				refined.RefinedText = text
				refined.Timestamp = c.now().UnixMilli()
				c.publishSentence(logger, refined)
			}
		}
		if speak && !c.speaker.Speak(ctx, text, ev.LanguageTag) {
			logger.Debug().Msg("Sentence playback unavailable")
		}
		return nil
	})
	if !started {
		logger.Warn().Int("maxInFlight", c.cfg.MaxInFlight).Msg("Follow-up queue full, skipping refine and playback")
	}
}

// OnLiveText logs the in-progress text.
func (c *Coordinator) OnLiveText(ev session.Event, text string) {
	c.logger.Trace().Str("sessionId", ev.SessionID).Str("live", text).Msg("Live text")
}

// OnStateChange publishes lifecycle events. The restarting state is
// internal and produces no event.
func (c *Coordinator) OnStateChange(ev session.Event) {
	out := models.SessionEvent{
		SessionID:   ev.SessionID,
		LanguageTag: ev.LanguageTag,
		State:       ev.State.String(),
		Restarts:    ev.Restarts,
		Timestamp:   c.now().UnixMilli(),
	}
	switch {
	case ev.State == session.StateListening && ev.Restarts == 0:
		out.EventType = models.EventSessionStarted
	case ev.State == session.StateListening:
		out.EventType = models.EventSessionRestarted
	case ev.State == session.StateIdle && ev.Err != nil:
		out.EventType = models.EventSessionFailed
		out.Error = ev.Err.Error()
	case ev.State == session.StateIdle:
		out.EventType = models.EventSessionStopped
	default:
		return
	}

	logger := logging.WithSession(ev.SessionID, ev.LanguageTag)
	if !c.enqueue(func() { c.publishSession(logger, out) }) {
		logger.Warn().Str("eventType", out.EventType).Msg("Coordinator closed, dropping session event")
	}
}

func (c *Coordinator) publishSession(logger zerolog.Logger, ev models.SessionEvent) {
	if !c.valid(logger, ev) {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PublishTimeout)
	defer cancel()
	if err := c.publisher.PublishSession(ctx, ev); err != nil {
		logger.Error().Err(err).Str("eventType", ev.EventType).Msg("Failed to publish session event")
	}
}

// Close publishes queued events, then cancels outstanding jobs and waits for
// them, all bounded by ctx. Events arriving after Close are dropped.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.quit) })
	select {
	case <-c.drained:
	case <-ctx.Done():
		c.cancel()
		return ctx.Err()
	}

	c.cancel()
	done := make(chan struct{})
	go func() {
		c.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every event queued so far is published and all
// scheduled jobs finish.
func (c *Coordinator) Wait() {
	done := make(chan struct{})
	if c.enqueue(func() { close(done) }) {
		select {
		case <-done:
		case <-c.drained:
		}
	} else {
		<-c.drained
	}
	c.jobs.Wait()
}

func (c *Coordinator) publishSentence(logger zerolog.Logger, ev models.SentenceEvent) {
	if !c.valid(logger, ev) {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PublishTimeout)
	defer cancel()
	if err := c.publisher.PublishSentence(ctx, ev); err != nil {
		logger.Error().Err(err).Str("eventType", ev.EventType).Msg("Failed to publish sentence event")
	}
}

func (c *Coordinator) valid(logger zerolog.Logger, ev any) bool {
	if c.validator == nil {
		return true
	}
	if err := c.validator.Validate(ev); err != nil {
		logger.Error().Err(err).Msg("Dropping invalid event")
		return false
	}
	return true
}
