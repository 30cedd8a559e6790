package mock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ai-speech-sentence-service/internal/service/transport"
)

// testListener implements transport.Listener for testing
type testListener struct {
	mu       sync.Mutex
	partials []string
	statuses []transport.Status
	stopped  chan struct{}
}

func newTestListener() *testListener {
	return &testListener{stopped: make(chan struct{}, 8)}
}

func (l *testListener) OnPartialResults(matches []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.partials = append(l.partials, matches[0])
}

func (l *testListener) OnListeningState(status transport.Status) {
	l.mu.Lock()
	l.statuses = append(l.statuses, status)
	l.mu.Unlock()
	if status == transport.StatusStopped {
		l.stopped <- struct{}{}
	}
}

func (l *testListener) getPartials() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.partials...)
}

func (l *testListener) getStatuses() []transport.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transport.Status{}, l.statuses...)
}

func quickConfig(utts ...Utterance) Config {
	return Config{
		Interval:   time.Millisecond,
		Pause:      time.Millisecond,
		Utterances: utts,
	}
}

var en = transport.Options{Language: "en-US", PartialResults: true, MaxResults: 2}

func TestAdapter_Start(t *testing.T) {
	a := New(Config{})
	l := newTestListener()

	if err := a.Start(context.Background(), en, l); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer a.Stop(context.Background())

	if got := l.getStatuses(); len(got) != 1 || got[0] != transport.StatusStarted {
		t.Errorf("expected started status, got %v", got)
	}
	if a.Sessions() != 1 {
		t.Errorf("expected 1 session, got %d", a.Sessions())
	}
	if a.LastOptions() != en {
		t.Errorf("expected options %+v, got %+v", en, a.LastOptions())
	}
}

func TestAdapter_Start_Twice(t *testing.T) {
	a := New(Config{})
	l := newTestListener()
	a.Start(context.Background(), en, l)
	defer a.Stop(context.Background())

	if err := a.Start(context.Background(), en, l); !errors.Is(err, transport.ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestAdapter_Start_UnsupportedLanguage(t *testing.T) {
	a := New(Config{Languages: []string{"vi-VN"}})

	err := a.Start(context.Background(), en, newTestListener())
	if err == nil {
		t.Fatal("expected error for unsupported language")
	}
}

func TestAdapter_ReplaysCumulativeHypotheses(t *testing.T) {
	a := New(quickConfig(
		Utterance{Hypotheses: []string{"xin", "xin chào"}},
		Utterance{Hypotheses: []string{"các", "các bạn"}, EngineStop: true},
	))
	l := newTestListener()

	if err := a.Start(context.Background(), en, l); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-l.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for engine stop")
	}

	want := []string{"xin", "xin chào", "xin chào các", "xin chào các bạn"}
	got := l.getPartials()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("partial %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestAdapter_EngineStopAllowsRestart(t *testing.T) {
	a := New(quickConfig(
		Utterance{Hypotheses: []string{"one"}, EngineStop: true},
		Utterance{Hypotheses: []string{"two"}},
	))
	l := newTestListener()
	a.Start(context.Background(), en, l)
	<-l.stopped

	if err := a.Start(context.Background(), en, l); err != nil {
		t.Fatalf("expected restart after engine stop, got %v", err)
	}
	defer a.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p := l.getPartials()
		if len(p) == 2 {
			// A new session starts its hypothesis from scratch.
			if p[1] != "two" {
				t.Errorf("expected fresh hypothesis 'two', got %q", p[1])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected second session to continue the script, got %v", l.getPartials())
}

func TestAdapter_Stop(t *testing.T) {
	a := New(Config{})
	l := newTestListener()
	a.Start(context.Background(), en, l)

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	statuses := l.getStatuses()
	if len(statuses) != 2 || statuses[1] != transport.StatusStopped {
		t.Errorf("expected started then stopped, got %v", statuses)
	}
}

func TestAdapter_Stop_Idempotent(t *testing.T) {
	a := New(Config{})
	l := newTestListener()
	a.Start(context.Background(), en, l)

	a.Stop(context.Background())
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error on second stop: %v", err)
	}
	if n := len(l.getStatuses()); n != 2 {
		t.Errorf("expected no extra status on second stop, got %d statuses", n)
	}
}

func TestAdapter_Emit(t *testing.T) {
	a := New(Config{})
	l := newTestListener()

	if err := a.Emit("too early"); !errors.Is(err, transport.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}

	a.Start(context.Background(), en, l)
	defer a.Stop(context.Background())

	a.Emit("hello")
	a.Emit("hello world")
	if got := l.getPartials(); len(got) != 2 || got[1] != "hello world" {
		t.Errorf("expected hypotheses delivered verbatim, got %v", got)
	}
}

func TestAdapter_SimulateEngineStop(t *testing.T) {
	a := New(Config{})
	l := newTestListener()
	a.Start(context.Background(), en, l)

	if err := a.SimulateEngineStop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-l.stopped:
	default:
		t.Fatal("expected stopped status")
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Errorf("stop after engine stop should be a no-op, got %v", err)
	}
}

func TestAdapter_Permission(t *testing.T) {
	tests := []struct {
		name    string
		initial transport.PermissionState
		want    transport.PermissionState
	}{
		{"default granted", "", transport.PermissionGranted},
		{"prompt granted on request", transport.PermissionPrompt, transport.PermissionGranted},
		{"denied sticks", transport.PermissionDenied, transport.PermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(Config{Permission: tt.initial})
			got, err := a.RequestPermission(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestAdapter_SupportedLanguages(t *testing.T) {
	a := New(Config{})
	tags, _ := a.SupportedLanguages(context.Background())
	if len(tags) == 0 || !contains(tags, "vi-VN") {
		t.Errorf("expected catalog languages, got %v", tags)
	}

	a = New(Config{Languages: []string{"ja-JP"}})
	tags, _ = a.SupportedLanguages(context.Background())
	if len(tags) != 1 || tags[0] != "ja-JP" {
		t.Errorf("expected configured languages, got %v", tags)
	}
}

func TestDefaultUtterances(t *testing.T) {
	stops := 0
	for i, utt := range DefaultUtterances {
		if len(utt.Hypotheses) == 0 {
			t.Errorf("utterance %d has no hypotheses", i)
		}
		if utt.EngineStop {
			stops++
		}
	}
	if stops == 0 {
		t.Error("expected at least one scripted engine stop")
	}
}
