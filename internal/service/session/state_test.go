package session

import "testing"

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "idle"},
		{StateListening, "listening"},
		{StateRestarting, "restarting"},
		{StateStopped, "stopped"},
		{State(99), "unknown(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.expected)
		}
	}
}

func TestState_IsActive(t *testing.T) {
	if StateIdle.IsActive() {
		t.Error("idle must not be active")
	}
	for _, s := range []State{StateListening, StateRestarting, StateStopped} {
		if !s.IsActive() {
			t.Errorf("%s should be active", s)
		}
	}
}

func TestState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		allowed  bool
	}{
		{StateIdle, StateListening, true},
		{StateIdle, StateStopped, false},
		{StateIdle, StateRestarting, false},
		{StateListening, StateRestarting, true},
		{StateListening, StateStopped, true},
		{StateListening, StateIdle, true},
		{StateRestarting, StateListening, true},
		{StateRestarting, StateStopped, true},
		{StateRestarting, StateIdle, true},
		{StateStopped, StateIdle, true},
		{StateStopped, StateListening, false},
		{StateStopped, StateRestarting, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestState_MarshalText(t *testing.T) {
	b, err := StateRestarting.MarshalText()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(b) != "restarting" {
		t.Errorf("expected restarting, got %s", b)
	}
}
