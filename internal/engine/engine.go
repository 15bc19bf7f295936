// Package engine defines the SIP engine capability the bridge consumes
// and the adapter that translates engine notifications into bridge
// transitions. The bridge never touches engine call handles; calls cross
// the boundary as call_id strings only.
package engine

import (
	"context"
	"errors"
)

// ErrUnknownCall is returned by engine commands naming a call the engine
// no longer holds. The adapter treats it as an implicit release, not a
// failure: teardown races with late commands are expected.
var ErrUnknownCall = errors.New("engine: unknown call")

// CallState is the engine's own view of a call's lifecycle.
type CallState string

const (
	CallIncoming  CallState = "incoming-received"
	CallRinging   CallState = "outgoing-ringing"
	CallConnected CallState = "connected"
	CallPaused    CallState = "paused"
	CallResumed   CallState = "resumed"
	CallReleased  CallState = "released"
	CallError     CallState = "error"
)

// CallEvent is an engine call-state notification.
type CallEvent struct {
	CallID        string
	State         CallState
	RemoteDisplay string
	RemoteURI     string
	Message       string
}

// RegistrationState is the engine's SIP registration status.
type RegistrationState string

const (
	RegistrationNone       RegistrationState = "none"
	RegistrationInProgress RegistrationState = "in-progress"
	RegistrationOK         RegistrationState = "ok"
	RegistrationFailed     RegistrationState = "failed"
)

// RegistrationEvent is an engine registration-state notification.
type RegistrationEvent struct {
	State   RegistrationState
	Message string
}

// Account holds SIP account credentials and transport settings.
type Account struct {
	Username   string `json:"username"`
	Domain     string `json:"domain"`
	Password   string `json:"password"`
	TLS        bool   `json:"tls"`
	Port       int    `json:"port"`
	SRTP       bool   `json:"srtp"`
	STUNServer string `json:"stun,omitempty"`
	TURNServer string `json:"turn,omitempty"`
}

// Transport returns the SIP transport implied by the account settings.
func (a Account) Transport() string {
	if a.TLS {
		return "TLS"
	}
	return "UDP"
}

// Engine is the SIP/media engine consumed by the bridge. Command methods
// may do network I/O and are invoked off the bridge loop; they return
// ErrUnknownCall when the target call no longer exists.
type Engine interface {
	// Start brings the engine up. Safe to call more than once; repeat
	// calls are no-ops. The engine stops when ctx is canceled.
	Start(ctx context.Context) error

	// SetAccount installs credentials and begins registration.
	SetAccount(ctx context.Context, acc Account) error

	// RefreshRegistration re-registers immediately. Called on push wake,
	// where the process may have been suspended past the registration
	// expiry.
	RefreshRegistration()

	Originate(ctx context.Context, callID, uri string) error
	Accept(ctx context.Context, callID string) error
	Terminate(ctx context.Context, callID string) error
	Hold(ctx context.Context, callID string, on bool) error
	Mute(ctx context.Context, callID string, on bool) error
	SendDTMF(ctx context.Context, callID, digits string) error

	// CallEvents and RegistrationEvents deliver engine notifications.
	// The engine closes neither channel while running.
	CallEvents() <-chan CallEvent
	RegistrationEvents() <-chan RegistrationEvent
}
