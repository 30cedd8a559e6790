// Package mock provides a scripted recognizer for running without a device or
// cloud credentials. It replays cumulative hypotheses the way a real engine
// reports them, including engine-initiated stops.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ai-speech-sentence-service/internal/language"
	"ai-speech-sentence-service/internal/service/transport"
)

// Utterance is one scripted stretch of speech.
type Utterance struct {
	Hypotheses []string // growing hypotheses for this utterance
	EngineStop bool     // engine ends the session after the last hypothesis
}

// DefaultUtterances is the script used by the local mock transport.
var DefaultUtterances = []Utterance{
	{Hypotheses: []string{"xin", "xin chào", "xin chào các bạn"}},
	{Hypotheses: []string{"hôm nay", "hôm nay trời", "hôm nay trời đẹp quá"}, EngineStop: true},
	{Hypotheses: []string{"I want", "I want to", "I want to book a table"}},
	{Hypotheses: []string{"Thank you", "Thank you very much"}},
	{Hypotheses: []string{"tạm", "tạm biệt"}},
}

// Config controls the replay.
type Config struct {
	Interval    time.Duration // delay between hypotheses
	Pause       time.Duration // quiet time after each utterance
	Utterances  []Utterance
	Loop        bool
	Languages   []string // defaults to the language catalog
	Permission  transport.PermissionState
	Unavailable bool
}

// DefaultConfig replays DefaultUtterances with pauses long enough to trip
// the default silence threshold.
func DefaultConfig() Config {
	return Config{
		Interval:   400 * time.Millisecond,
		Pause:      2500 * time.Millisecond,
		Utterances: DefaultUtterances,
		Loop:       true,
		Permission: transport.PermissionGranted,
	}
}

type run struct {
	cancel   context.CancelFunc
	done     chan struct{}
	listener transport.Listener

	mu     sync.Mutex
	prefix string // text already recognized in this session
}

// Adapter implements transport.Transport with scripted hypotheses.
type Adapter struct {
	cfg Config

	mu         sync.Mutex
	run        *run
	cursor     int
	sessions   int
	permission transport.PermissionState
	lastOpts   transport.Options
}

var _ transport.Transport = (*Adapter)(nil)

// New creates a mock adapter.
func New(cfg Config) *Adapter {
	if cfg.Permission == "" {
		cfg.Permission = transport.PermissionGranted
	}
	return &Adapter{cfg: cfg, permission: cfg.Permission}
}

func (a *Adapter) Name() string { return "mock" }

func (a *Adapter) Available(ctx context.Context) (bool, error) {
	return !a.cfg.Unavailable, nil
}

func (a *Adapter) CheckPermission(ctx context.Context) (transport.PermissionState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.permission, nil
}

// RequestPermission grants a pending prompt. A denial sticks.
func (a *Adapter) RequestPermission(ctx context.Context) (transport.PermissionState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.permission == transport.PermissionPrompt {
		a.permission = transport.PermissionGranted
	}
	return a.permission, nil
}

func (a *Adapter) SupportedLanguages(ctx context.Context) ([]string, error) {
	if len(a.cfg.Languages) > 0 {
		return append([]string(nil), a.cfg.Languages...), nil
	}
	all := language.All()
	tags := make([]string, len(all))
	for i, l := range all {
		tags[i] = l.Tag
	}
	return tags, nil
}

// Start arms a session and begins replaying the script from where the
// previous session left off.
func (a *Adapter) Start(ctx context.Context, opts transport.Options, l transport.Listener) error {
	tags, _ := a.SupportedLanguages(ctx)
	if !contains(tags, opts.Language) {
		return fmt.Errorf("mock: language %q not supported", opts.Language)
	}

	a.mu.Lock()
	if a.run != nil {
		a.mu.Unlock()
		return transport.ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{}), listener: l}
	a.run = r
	a.sessions++
	a.lastOpts = opts
	a.mu.Unlock()

	l.OnListeningState(transport.StatusStarted)
	go a.play(runCtx, r)
	return nil
}

// Stop ends the current session and reports it stopped.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	r := a.run
	a.run = nil
	a.mu.Unlock()
	if r == nil {
		return nil
	}

	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.listener.OnListeningState(transport.StatusStopped)
	return nil
}

// Emit delivers a cumulative hypothesis to the running session as-is.
func (a *Adapter) Emit(hypothesis string) error {
	r := a.current()
	if r == nil {
		return transport.ErrNotStarted
	}
	r.listener.OnPartialResults([]string{r.set(hypothesis)})
	return nil
}

// SimulateEngineStop ends the running session as if the engine gave up.
func (a *Adapter) SimulateEngineStop() error {
	r := a.current()
	if r == nil {
		return transport.ErrNotStarted
	}
	a.engineStop(r)
	r.cancel()
	return nil
}

// Sessions returns how many sessions were started.
func (a *Adapter) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions
}

// LastOptions returns the options of the most recent Start.
func (a *Adapter) LastOptions() transport.Options {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastOpts
}

func (a *Adapter) current() *run {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run
}

func (a *Adapter) next() (Utterance, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.cfg.Utterances)
	if n == 0 || (!a.cfg.Loop && a.cursor >= n) {
		return Utterance{}, false
	}
	u := a.cfg.Utterances[a.cursor%n]
	a.cursor++
	return u, true
}

func (a *Adapter) play(ctx context.Context, r *run) {
	defer close(r.done)

	for {
		utt, ok := a.next()
		if !ok {
			<-ctx.Done()
			return
		}

		base := r.text()
		for _, h := range utt.Hypotheses {
			if !sleep(ctx, a.cfg.Interval) {
				return
			}
			r.listener.OnPartialResults([]string{r.set(join(base, h))})
		}

		if utt.EngineStop {
			if !sleep(ctx, a.cfg.Interval) {
				return
			}
			a.engineStop(r)
			return
		}
		if !sleep(ctx, a.cfg.Pause) {
			return
		}
	}
}

// engineStop detaches r before reporting, so the listener can re-arm from
// its callback.
func (a *Adapter) engineStop(r *run) {
	a.mu.Lock()
	owned := a.run == r
	if owned {
		a.run = nil
	}
	a.mu.Unlock()
	if owned {
		r.listener.OnListeningState(transport.StatusStopped)
	}
}

func (r *run) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prefix
}

func (r *run) set(s string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefix = s
	return s
}

func join(prefix, s string) string {
	if prefix == "" {
		return s
	}
	return prefix + " " + s
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
