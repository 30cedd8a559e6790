// Package device bridges a recognizer running on a phone or desktop to the
// service over a WebSocket. The service sends commands; the device replies
// and pushes recognition events.
package device

import (
	"errors"
	"fmt"

	"ai-speech-sentence-service/internal/service/transport"
)

// Command types sent to the device.
const (
	CmdAvailable          = "available"
	CmdCheckPermission    = "checkPermission"
	CmdRequestPermission  = "requestPermission"
	CmdSupportedLanguages = "supportedLanguages"
	CmdStart              = "start"
	CmdStop               = "stop"
)

// Message types sent by the device.
const (
	TypeReply          = "reply"
	TypePartialResults = "partialResults"
	TypeListeningState = "listeningState"
)

// Reply error codes.
const (
	CodePermissionDenied = "permission_denied"
	CodeUnavailable      = "unavailable"
	CodeAlreadyStarted   = "already_started"
)

// StartOptions is the wire form of transport.Options.
type StartOptions struct {
	Language       string `json:"language"`
	PartialResults bool   `json:"partialResults"`
	MaxResults     int    `json:"maxResults"`
}

// Message is every frame exchanged on the bridge.
type Message struct {
	ID   uint64 `json:"id,omitempty"`
	Type string `json:"type"`

	// start command
	Options *StartOptions `json:"options,omitempty"`

	// events
	Matches []string         `json:"matches,omitempty"`
	Status  transport.Status `json:"status,omitempty"`

	// replies
	Available  bool                      `json:"available,omitempty"`
	Permission transport.PermissionState `json:"permission,omitempty"`
	Languages  []string                  `json:"languages,omitempty"`
	Error      string                    `json:"error,omitempty"`
	Code       string                    `json:"code,omitempty"`
}

// ErrDeviceError is returned for device failures without a known code.
var ErrDeviceError = errors.New("device reported an error")

// replyError maps a reply's error code onto transport errors.
func replyError(m Message) error {
	if m.Error == "" && m.Code == "" {
		return nil
	}
	var base error
	switch m.Code {
	case CodePermissionDenied:
		base = transport.ErrPermissionDenied
	case CodeUnavailable:
		base = transport.ErrTransportUnavailable
	case CodeAlreadyStarted:
		base = transport.ErrAlreadyStarted
	default:
		base = ErrDeviceError
	}
	if m.Error == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, m.Error)
}
