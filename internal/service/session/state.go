// Package session supervises a recording: it owns the session state, drives
// the silence poll loop and restarts the transport after involuntary stops.
package session

import (
	"errors"
	"fmt"
)

// State represents the lifecycle state of a recording.
type State int

const (
	// StateIdle - No recording. Start is allowed.
	StateIdle State = iota
	// StateListening - Transport armed, partial results are segmented.
	StateListening
	// StateRestarting - Transport stopped on its own, re-arm in progress.
	// Partial results are discarded.
	StateRestarting
	// StateStopped - User stop in progress. Partial results are discarded.
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// IsActive returns true while a recording exists (anything but idle).
func (s State) IsActive() bool {
	return s != StateIdle
}

// MarshalText renders the state by name in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Errors returned by the supervisor.
var (
	ErrAlreadyActive       = errors.New("recording already active")
	ErrNotActive           = errors.New("no active recording")
	ErrUnsupportedLanguage = errors.New("unsupported language tag")
	ErrInvoluntaryStop     = errors.New("recognition stopped by engine")
	ErrRestartFailed       = errors.New("restart after involuntary stop failed")
	ErrRestartLimit        = errors.New("too many consecutive involuntary stops")
	ErrInvalidTransition   = errors.New("invalid state transition")
)

// transitions lists the allowed state changes.
//
//	idle ──Start──▶ listening ──engine stop──▶ restarting ──re-armed──▶ listening
//	                    │                          │
//	                    │                          └──failed / limit──▶ idle
//	                    └──Stop──▶ stopped ──▶ idle
//
// A user Stop may also interrupt restarting.
var transitions = map[State][]State{
	StateIdle:       {StateListening},
	StateListening:  {StateRestarting, StateStopped, StateIdle},
	StateRestarting: {StateListening, StateStopped, StateIdle},
	StateStopped:    {StateIdle},
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
