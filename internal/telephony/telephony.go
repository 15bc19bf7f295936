// Package telephony adapts the bridge to the platform's call-management
// framework. Two variants exist: the provider adapter models a single
// provider object with uuid-keyed call slots, the connection adapter
// models one connection object per call. Both own their call slots
// exclusively; the bridge addresses calls by call_id only.
package telephony

import (
	"fmt"
	"log/slog"

	"github.com/guardianvoice/gvbridge/internal/bridge"
)

// Backend selects the adapter variant.
type Backend string

const (
	BackendProvider   Backend = "provider"
	BackendConnection Backend = "connection"
)

// Submitter enqueues transitions on the bridge machine.
type Submitter interface {
	Submit(t bridge.Transition)
}

// CallService is the platform call-UI surface the adapters drive. The
// real implementation talks to the OS layer; tests substitute a fake.
type CallService interface {
	// ShowIncoming presents the system incoming-call UI for a slot.
	ShowIncoming(slotID, display, uri string) error
	// UpdateIdentity refreshes the displayed caller identity on a
	// slot that is already presented.
	UpdateIdentity(slotID, display, uri string) error
	// ReportConnected switches the slot UI to an active call.
	ReportConnected(slotID string) error
	// End dismisses the slot UI with a platform disconnect cause.
	End(slotID string, reason bridge.Reason) error
	// SetAudioRoute toggles the speakerphone route for a slot.
	SetAudioRoute(slotID string, speaker bool) error
}

// Adapter is the surface shared by both variants: the bridge's outward
// command set plus the user-action entry points the platform layer
// invokes. Action methods on unknown slots are logged no-ops.
type Adapter interface {
	bridge.TelephonyCommander

	// User actions from the system call UI.
	ActionAnswer(slotID string)
	ActionDecline(slotID string)
	ActionHangup(slotID string)
	ActionHold(slotID string, on bool)
	ActionDTMF(slotID, digits string)
}

// ErrUnknownBackend is returned for an unrecognized backend name.
var ErrUnknownBackend = fmt.Errorf("unknown telephony backend")

// New constructs the adapter variant named by backend.
func New(backend Backend, service CallService, machine Submitter, logger *slog.Logger) (Adapter, error) {
	switch backend {
	case BackendProvider:
		return NewProviderAdapter(service, machine, logger), nil
	case BackendConnection:
		return NewConnectionAdapter(service, machine, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
