package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ai-speech-sentence-service/internal/models"
	"ai-speech-sentence-service/internal/service/transport"
)

// fakeTransport implements transport.Transport for testing
type fakeTransport struct {
	mu        sync.Mutex
	starts    []transport.Options
	stops     int
	startErrs []error
	listener  transport.Listener
	// duringStart runs inside the nth Start, as a recognizer that reports
	// speech before acknowledging the start would.
	duringStart map[int]func(l transport.Listener)

	available    bool
	permission   transport.PermissionState
	requested    transport.PermissionState
	permRequests int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{available: true, permission: transport.PermissionGranted}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Available(ctx context.Context) (bool, error) { return f.available, nil }

func (f *fakeTransport) CheckPermission(ctx context.Context) (transport.PermissionState, error) {
	return f.permission, nil
}

func (f *fakeTransport) RequestPermission(ctx context.Context) (transport.PermissionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permRequests++
	return f.requested, nil
}

func (f *fakeTransport) SupportedLanguages(ctx context.Context) ([]string, error) {
	return []string{"vi-VN", "en-US"}, nil
}

func (f *fakeTransport) Start(ctx context.Context, opts transport.Options, l transport.Listener) error {
	f.mu.Lock()
	n := len(f.starts)
	f.starts = append(f.starts, opts)
	f.listener = l
	var err error
	if n < len(f.startErrs) {
		err = f.startErrs[n]
	}
	hook := f.duringStart[n]
	f.mu.Unlock()
	if hook != nil {
		hook(l)
	}
	if err == nil {
		l.OnListeningState(transport.StatusStarted)
	}
	return err
}

func (f *fakeTransport) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stops++
	l := f.listener
	f.mu.Unlock()
	// Real recognizers report the stop they were asked for.
	if l != nil {
		l.OnListeningState(transport.StatusStopped)
	}
	return nil
}

func (f *fakeTransport) partial(text string) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	l.OnPartialResults([]string{text, "alternative"})
}

func (f *fakeTransport) engineStop() {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	l.OnListeningState(transport.StatusStopped)
}

func (f *fakeTransport) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeTransport) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// fakeClock drives the poll loop by hand
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	ticks  chan time.Time
	afters []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: t0, ticks: make(chan time.Time)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker { return fakeTicker{c.ticks} }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.afters = append(c.afters, d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now.Add(d)
	return ch
}

func (c *fakeClock) backoffs() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.afters...)
}

type fakeTicker struct{ c chan time.Time }

func (f fakeTicker) C() <-chan time.Time { return f.c }
func (f fakeTicker) Stop()               {}

// recObserver records supervisor output
type recObserver struct {
	mu        sync.Mutex
	sentences []models.Sentence
	reasons   []models.FinalizeReason
	order     []string
	sentCh    chan models.Sentence
	stateCh   chan Event
}

func newRecObserver() *recObserver {
	return &recObserver{sentCh: make(chan models.Sentence, 32), stateCh: make(chan Event, 32)}
}

func (o *recObserver) OnSentence(ev Event, s models.Sentence, reason models.FinalizeReason) {
	o.mu.Lock()
	o.sentences = append(o.sentences, s)
	o.reasons = append(o.reasons, reason)
	o.order = append(o.order, "sentence:"+s.Text)
	o.mu.Unlock()
	o.sentCh <- s
}

func (o *recObserver) OnLiveText(ev Event, text string) {}

func (o *recObserver) OnStateChange(ev Event) {
	o.mu.Lock()
	o.order = append(o.order, "state:"+ev.State.String())
	o.mu.Unlock()
	o.stateCh <- ev
}

func (o *recObserver) finalized() ([]models.Sentence, []models.FinalizeReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Sentence(nil), o.sentences...), append([]models.FinalizeReason(nil), o.reasons...)
}

// memHistory implements HistoryAppender for testing
type memHistory struct {
	mu      sync.Mutex
	entries []models.HistoryEntry
}

func (h *memHistory) Append(ctx context.Context, e models.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *memHistory) all() []models.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.HistoryEntry(nil), h.entries...)
}

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	tr   *fakeTransport
	clk  *fakeClock
	obs  *recObserver
	hist *memHistory
	sup  *Supervisor
}

func newHarness(cfg Config) *harness {
	h := &harness{
		tr:   newFakeTransport(),
		clk:  newFakeClock(),
		obs:  newRecObserver(),
		hist: &memHistory{},
	}
	h.sup = New(h.tr, cfg, WithClock(h.clk), WithObserver(h.obs), WithHistory(h.hist))
	return h
}

func waitState(t *testing.T, ch <-chan Event, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for state change")
			return Event{}
		}
	}
}

func waitSentence(t *testing.T, ch <-chan models.Sentence) models.Sentence {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sentence")
		return models.Sentence{}
	}
}

func TestSupervisor_StartArmsTransport(t *testing.T) {
	h := newHarness(DefaultConfig())

	if err := h.sup.Start(context.Background(), "vi-VN"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.sup.Close(context.Background())

	if h.sup.State() != StateListening {
		t.Errorf("expected listening, got %v", h.sup.State())
	}
	want := transport.Options{Language: "vi-VN", PartialResults: true, MaxResults: 2}
	if h.tr.starts[0] != want {
		t.Errorf("expected %+v, got %+v", want, h.tr.starts[0])
	}
}

func TestSupervisor_DefaultLanguage(t *testing.T) {
	h := newHarness(DefaultConfig())

	if err := h.sup.Start(context.Background(), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.sup.Close(context.Background())

	if h.tr.starts[0].Language != "vi-VN" {
		t.Errorf("expected default vi-VN, got %s", h.tr.starts[0].Language)
	}
}

func TestSupervisor_UnsupportedLanguage(t *testing.T) {
	h := newHarness(DefaultConfig())

	err := h.sup.Start(context.Background(), "tlh-KL")
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("expected ErrUnsupportedLanguage, got %v", err)
	}
	if h.tr.startCount() != 0 {
		t.Error("transport must not be armed for unsupported language")
	}
}

func TestSupervisor_SecondStartRejected(t *testing.T) {
	h := newHarness(DefaultConfig())

	if err := h.sup.Start(context.Background(), "en-US"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.sup.Close(context.Background())

	if err := h.sup.Start(context.Background(), "en-US"); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("expected ErrAlreadyActive, got %v", err)
	}
	if h.tr.startCount() != 1 {
		t.Errorf("expected transport armed once, got %d", h.tr.startCount())
	}
}

func TestSupervisor_SilenceTickFinalizes(t *testing.T) {
	h := newHarness(DefaultConfig())
	if err := h.sup.Start(context.Background(), "vi-VN"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.sup.Close(context.Background())

	h.clk.set(t0)
	h.tr.partial("xin")
	h.clk.set(t0.Add(500 * time.Millisecond))
	h.tr.partial("xin chào")

	// Below threshold: nothing.
	h.clk.ticks <- t0.Add(2 * time.Second)
	// 2.1s after the last partial.
	h.clk.ticks <- t0.Add(2600 * time.Millisecond)

	s := waitSentence(t, h.obs.sentCh)
	if s.Text != "xin chào" {
		t.Errorf("expected 'xin chào', got %q", s.Text)
	}
	_, reasons := h.obs.finalized()
	if len(reasons) != 1 || reasons[0] != models.FinalizeSilence {
		t.Errorf("expected one silence sentence, got %v", reasons)
	}
	if got := h.sup.Snapshot(); got.Pending != "" || len(got.Sentences) != 1 {
		t.Errorf("unexpected snapshot %+v", got)
	}
}

func TestSupervisor_StopFinalizesPending(t *testing.T) {
	h := newHarness(DefaultConfig())
	if err := h.sup.Start(context.Background(), "vi-VN"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.tr.partial("tạm biệt")

	sentences, err := h.sup.Stop(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sentences) != 1 || sentences[0].Text != "tạm biệt" {
		t.Fatalf("expected one sentence 'tạm biệt', got %+v", sentences)
	}
	if h.sup.State() != StateIdle {
		t.Errorf("expected idle, got %v", h.sup.State())
	}
	if h.tr.stopCount() != 1 {
		t.Errorf("expected transport stopped once, got %d", h.tr.stopCount())
	}
	// The stop event the transport echoes back must not trigger a restart.
	if h.tr.startCount() != 1 {
		t.Errorf("expected no restart on user stop, got %d starts", h.tr.startCount())
	}

	h.obs.mu.Lock()
	order := append([]string(nil), h.obs.order...)
	h.obs.mu.Unlock()
	if len(order) < 2 || order[len(order)-2] != "sentence:tạm biệt" || order[len(order)-1] != "state:idle" {
		t.Errorf("expected sentence before idle, got %v", order)
	}

	entries := h.hist.all()
	if len(entries) != 1 {
		t.Fatalf("expected one history entry, got %d", len(entries))
	}
	if entries[0].Text != "tạm biệt" || entries[0].LanguageTag != "vi-VN" {
		t.Errorf("unexpected history entry %+v", entries[0])
	}
}

func TestSupervisor_StopJoinsSentencesWithNewlines(t *testing.T) {
	h := newHarness(DefaultConfig())
	if err := h.sup.Start(context.Background(), "en-US"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.clk.set(t0)
	h.tr.partial("hello there")
	h.clk.ticks <- t0.Add(3 * time.Second)
	waitSentence(t, h.obs.sentCh)

	h.clk.set(t0.Add(4 * time.Second))
	h.tr.partial("hello there general kenobi")

	if _, err := h.sup.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries := h.hist.all()
	if len(entries) != 1 || entries[0].Text != "hello there\ngeneral kenobi" {
		t.Errorf("unexpected history %+v", entries)
	}
}

func TestSupervisor_StopWithoutSentencesSkipsHistory(t *testing.T) {
	h := newHarness(DefaultConfig())
	if err := h.sup.Start(context.Background(), "en-US"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.tr.partial("   ")

	sentences, err := h.sup.Stop(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sentences) != 0 {
		t.Errorf("expected no sentences, got %+v", sentences)
	}
	if len(h.hist.all()) != 0 {
		t.Error("expected no history entry for an empty recording")
	}
}

func TestSupervisor_StopWhenIdle(t *testing.T) {
	h := newHarness(DefaultConfig())

	if _, err := h.sup.Stop(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive, got %v", err)
	}
	if err := h.sup.Close(context.Background()); err != nil {
		t.Errorf("expected Close on idle supervisor to succeed, got %v", err)
	}
}

func TestSupervisor_InvoluntaryStopRestartsOnce(t *testing.T) {
	h := newHarness(DefaultConfig())
	if err := h.sup.Start(context.Background(), "vi-VN"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.tr.partial("hello")
	h.tr.engineStop()

	ev := waitState(t, h.obs.stateCh, func(ev Event) bool {
		return ev.State == StateListening && ev.Restarts == 1
	})
	if ev.Err != nil {
		t.Errorf("restart must not surface an error, got %v", ev.Err)
	}

	sentences, reasons := h.obs.finalized()
	if len(sentences) != 1 || sentences[0].Text != "hello" || reasons[0] != models.FinalizeInvoluntary {
		t.Fatalf("expected exactly one involuntary finalize of 'hello', got %+v %v", sentences, reasons)
	}
	if h.tr.startCount() != 2 {
		t.Errorf("expected exactly one restart, got %d starts", h.tr.startCount())
	}
	if h.tr.starts[1].Language != "vi-VN" {
		t.Errorf("expected restart with same language, got %s", h.tr.starts[1].Language)
	}

	// The new transport session starts its hypothesis from scratch.
	h.tr.partial("world")
	all, err := h.sup.Stop(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 || all[1].Text != "world" {
		t.Errorf("expected [hello world], got %+v", all)
	}
	if got := h.hist.all(); len(got) != 1 || got[0].Text != "hello\nworld" {
		t.Errorf("unexpected history %+v", got)
	}
}

func TestSupervisor_RestartFailureGoesIdle(t *testing.T) {
	boom := errors.New("microphone busy")
	h := newHarness(DefaultConfig())
	h.tr.startErrs = []error{nil, boom}

	if err := h.sup.Start(context.Background(), "en-US"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.tr.partial("unfinished thought")
	h.tr.engineStop()

	ev := waitState(t, h.obs.stateCh, func(ev Event) bool { return ev.State == StateIdle })
	if !errors.Is(ev.Err, ErrRestartFailed) || !errors.Is(ev.Err, boom) {
		t.Errorf("expected ErrRestartFailed wrapping cause, got %v", ev.Err)
	}
	if !errors.Is(h.sup.Err(), ErrRestartFailed) {
		t.Errorf("expected Err() to report restart failure, got %v", h.sup.Err())
	}
	if h.tr.startCount() != 2 {
		t.Errorf("expected a single restart attempt, got %d starts", h.tr.startCount())
	}
	if got := h.hist.all(); len(got) != 1 || got[0].Text != "unfinished thought" {
		t.Errorf("expected pending text flushed to history, got %+v", got)
	}

	// Poll loop is gone.
	select {
	case h.clk.ticks <- t0.Add(time.Hour):
		t.Error("poll loop still running after failed restart")
	case <-time.After(50 * time.Millisecond):
	}

	// A fresh recording can start.
	if err := h.sup.Start(context.Background(), "en-US"); err != nil {
		t.Errorf("expected restart after failure to be allowed, got %v", err)
	}
	h.sup.Close(context.Background())
}

func TestSupervisor_LateEventsAfterStopDiscarded(t *testing.T) {
	h := newHarness(DefaultConfig())
	if err := h.sup.Start(context.Background(), "en-US"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.tr.partial("done")
	if _, err := h.sup.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.tr.partial("done and a straggler")
	h.tr.engineStop()

	if p := h.sup.Snapshot().Pending; p != "" {
		t.Errorf("late partial leaked into pending text: %q", p)
	}
	sentences, _ := h.obs.finalized()
	if len(sentences) != 1 {
		t.Errorf("expected no sentence after stop, got %+v", sentences)
	}
	if h.tr.startCount() != 1 {
		t.Errorf("late stop event must not restart, got %d starts", h.tr.startCount())
	}
}

func TestSupervisor_StopCancelsPollLoop(t *testing.T) {
	h := newHarness(DefaultConfig())
	if err := h.sup.Start(context.Background(), "en-US"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := h.sup.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case h.clk.ticks <- t0.Add(time.Hour):
		t.Error("poll loop still receiving ticks after stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSupervisor_StartFailure(t *testing.T) {
	boom := errors.New("permission revoked")
	h := newHarness(DefaultConfig())
	h.tr.startErrs = []error{boom}

	err := h.sup.Start(context.Background(), "en-US")
	if !errors.Is(err, boom) {
		t.Fatalf("expected start error wrapping cause, got %v", err)
	}
	if h.sup.State() != StateIdle {
		t.Errorf("expected idle after failed start, got %v", h.sup.State())
	}

	select {
	case h.clk.ticks <- t0:
		t.Error("poll loop leaked after failed start")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSupervisor_RestartLimitWithBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveRestarts = 2
	cfg.RestartBackoff = 100 * time.Millisecond
	h := newHarness(cfg)

	if err := h.sup.Start(context.Background(), "en-US"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 1; i <= 2; i++ {
		h.tr.engineStop()
		waitState(t, h.obs.stateCh, func(ev Event) bool {
			return ev.State == StateListening && ev.Restarts == i
		})
	}

	h.tr.engineStop()
	ev := waitState(t, h.obs.stateCh, func(ev Event) bool { return ev.State == StateIdle })
	if !errors.Is(ev.Err, ErrRestartLimit) {
		t.Errorf("expected ErrRestartLimit, got %v", ev.Err)
	}
	if h.tr.startCount() != 3 {
		t.Errorf("expected 3 starts (initial + 2 restarts), got %d", h.tr.startCount())
	}
	backoffs := h.clk.backoffs()
	if len(backoffs) != 1 || backoffs[0] != 100*time.Millisecond {
		t.Errorf("expected one 100ms backoff before the second restart, got %v", backoffs)
	}
}

func TestSupervisor_PartialResetsConsecutiveStops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RestartBackoff = 100 * time.Millisecond
	h := newHarness(cfg)

	if err := h.sup.Start(context.Background(), "en-US"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.sup.Close(context.Background())

	h.tr.engineStop()
	waitState(t, h.obs.stateCh, func(ev Event) bool { return ev.State == StateListening && ev.Restarts == 1 })

	h.tr.partial("speech resumed")
	h.tr.engineStop()
	waitState(t, h.obs.stateCh, func(ev Event) bool { return ev.State == StateListening && ev.Restarts == 2 })

	if len(h.clk.backoffs()) != 0 {
		t.Errorf("expected no backoff once speech resumed, got %v", h.clk.backoffs())
	}
}

func TestSupervisor_MaxSentencesStops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSentences = 1
	h := newHarness(cfg)

	if err := h.sup.Start(context.Background(), "en-US"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.clk.set(t0)
	h.tr.partial("only one")
	h.clk.ticks <- t0.Add(3 * time.Second)

	waitState(t, h.obs.stateCh, func(ev Event) bool { return ev.State == StateIdle })
	if got := h.hist.all(); len(got) != 1 || got[0].Text != "only one" {
		t.Errorf("unexpected history %+v", got)
	}
}

func TestSupervisor_MaxDurationStops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDuration = 30 * time.Second
	h := newHarness(cfg)

	if err := h.sup.Start(context.Background(), "en-US"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.clk.set(t0.Add(29 * time.Second))
	h.tr.partial("still talking")
	h.clk.ticks <- t0.Add(30 * time.Second)

	waitState(t, h.obs.stateCh, func(ev Event) bool { return ev.State == StateIdle })
	sentences, reasons := h.obs.finalized()
	if len(sentences) != 1 || reasons[0] != models.FinalizeStop {
		t.Errorf("expected the limit to finalize as a stop, got %+v %v", sentences, reasons)
	}
}

func TestSupervisor_RemoveSentence(t *testing.T) {
	h := newHarness(DefaultConfig())
	if err := h.sup.Start(context.Background(), "en-US"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.sup.Close(context.Background())

	h.clk.set(t0)
	h.tr.partial("remove me")
	h.clk.ticks <- t0.Add(3 * time.Second)
	s := waitSentence(t, h.obs.sentCh)

	if !h.sup.RemoveSentence(s.ID) {
		t.Fatal("expected sentence to be removed")
	}
	if h.sup.RemoveSentence(s.ID) {
		t.Error("expected second removal to report false")
	}
	if n := len(h.sup.Snapshot().Sentences); n != 0 {
		t.Errorf("expected empty sentence list, got %d", n)
	}
}

func TestSupervisor_EnsurePermission(t *testing.T) {
	tests := []struct {
		name      string
		available bool
		current   transport.PermissionState
		requested transport.PermissionState
		wantErr   error
		requests  int
	}{
		{"granted", true, transport.PermissionGranted, "", nil, 0},
		{"prompt then granted", true, transport.PermissionPrompt, transport.PermissionGranted, nil, 1},
		{"denied then granted", true, transport.PermissionDenied, transport.PermissionGranted, nil, 1},
		{"denied twice", true, transport.PermissionDenied, transport.PermissionDenied, transport.ErrPermissionDenied, 1},
		{"unavailable", false, transport.PermissionGranted, "", transport.ErrTransportUnavailable, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			tr.available = tt.available
			tr.permission = tt.current
			tr.requested = tt.requested
			sup := New(tr, DefaultConfig())

			err := sup.EnsurePermission(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if tr.permRequests != tt.requests {
				t.Errorf("expected %d permission requests, got %d", tt.requests, tr.permRequests)
			}
		})
	}
}

func TestSupervisor_Backoff(t *testing.T) {
	sup := New(newFakeTransport(), Config{
		PollInterval:      time.Second,
		RestartBackoff:    250 * time.Millisecond,
		RestartBackoffMax: time.Second,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 0},
		{2, 250 * time.Millisecond},
		{3, 500 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := sup.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSupervisor_PartialsWhileRearming(t *testing.T) {
	boom := errors.New("microphone busy")
	tests := []struct {
		name        string
		restartErr  error
		wantTexts   []string
		wantHistory string
	}{
		{
			name:        "restart succeeds",
			wantTexts:   []string{"xin chào", "vâng"},
			wantHistory: "xin chào\nvâng",
		},
		{
			name:        "restart fails",
			restartErr:  boom,
			wantTexts:   []string{"xin chào", "vâng"},
			wantHistory: "xin chào\nvâng",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(DefaultConfig())
			h.tr.startErrs = []error{nil, tt.restartErr}
			h.tr.duringStart = map[int]func(transport.Listener){
				1: func(l transport.Listener) { l.OnPartialResults([]string{"vâng"}) },
			}

			if err := h.sup.Start(context.Background(), "vi-VN"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			h.tr.partial("xin chào")
			h.tr.engineStop()

			var got []models.Sentence
			if tt.restartErr == nil {
				waitState(t, h.obs.stateCh, func(ev Event) bool {
					return ev.State == StateListening && ev.Restarts == 1
				})
				all, err := h.sup.Stop(context.Background())
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				got = all
			} else {
				ev := waitState(t, h.obs.stateCh, func(ev Event) bool { return ev.State == StateIdle })
				if !errors.Is(ev.Err, ErrRestartFailed) {
					t.Errorf("expected ErrRestartFailed, got %v", ev.Err)
				}
				var reasons []models.FinalizeReason
				got, reasons = h.obs.finalized()
				for i, r := range reasons {
					if r != models.FinalizeInvoluntary {
						t.Errorf("sentence %d: expected involuntary finalize, got %v", i, r)
					}
				}
			}

			var texts []string
			for _, s := range got {
				texts = append(texts, s.Text)
			}
			if strings.Join(texts, "|") != strings.Join(tt.wantTexts, "|") {
				t.Errorf("expected sentences %q, got %q", tt.wantTexts, texts)
			}
			if hist := h.hist.all(); len(hist) != 1 || hist[0].Text != tt.wantHistory {
				t.Errorf("expected history %q, got %+v", tt.wantHistory, hist)
			}
		})
	}
}
