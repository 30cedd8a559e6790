// Package transport defines the recognition transport that feeds cumulative
// hypotheses and listening-state events into a recording session.
package transport

import (
	"context"
	"errors"
)

// Status is a listening-state transition reported by the recognizer.
type Status string

const (
	StatusStarted Status = "started"
	StatusStopped Status = "stopped"
)

// PermissionState is the microphone permission as seen by the recognizer.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionPrompt  PermissionState = "prompt"
	PermissionDenied  PermissionState = "denied"
)

// Errors shared by all transports.
var (
	ErrPermissionDenied     = errors.New("speech recognition permission denied")
	ErrTransportUnavailable = errors.New("speech recognition not available")
	ErrAlreadyStarted       = errors.New("recognition session already started")
	ErrNotStarted           = errors.New("recognition session not started")
)

// Options configures one recognition session.
type Options struct {
	Language       string
	PartialResults bool
	MaxResults     int
}

// Listener receives recognizer events. Callbacks may arrive on any goroutine.
type Listener interface {
	// OnPartialResults delivers the recognizer's current matches for the whole
	// utterance since the session started. The first match is the best one.
	OnPartialResults(matches []string)

	// OnListeningState reports that the recognizer started or stopped listening.
	OnListeningState(status Status)
}

// Transport is a speech recognizer with a possibly unreliable session lifetime.
type Transport interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	Available(ctx context.Context) (bool, error)
	CheckPermission(ctx context.Context) (PermissionState, error)
	RequestPermission(ctx context.Context) (PermissionState, error)
	SupportedLanguages(ctx context.Context) ([]string, error)

	// Start arms a session. ctx bounds the session lifetime, not just the call.
	Start(ctx context.Context, opts Options, l Listener) error

	// Stop ends the current session. Stopping an idle transport is not an error.
	Stop(ctx context.Context) error
}
