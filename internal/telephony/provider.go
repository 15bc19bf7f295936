package telephony

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/guardianvoice/gvbridge/internal/bridge"
)

// ProviderAdapter models the provider-style framework: one long-lived
// provider object, calls addressed by uuid slot identifiers. The slot
// uuid is minted here and never leaves the adapter; the bridge sees
// only call_ids.
type ProviderAdapter struct {
	service CallService
	machine Submitter
	logger  *slog.Logger

	mu      sync.Mutex
	slots   map[string]string // call_id -> slot uuid
	byCalls map[string]string // slot uuid -> call_id
}

var _ Adapter = (*ProviderAdapter)(nil)

// NewProviderAdapter creates the provider-style adapter.
func NewProviderAdapter(service CallService, machine Submitter, logger *slog.Logger) *ProviderAdapter {
	return &ProviderAdapter{
		service: service,
		machine: machine,
		logger:  logger.With("subsystem", "telephony-provider"),
		slots:   make(map[string]string),
		byCalls: make(map[string]string),
	}
}

// PresentIncoming implements bridge.TelephonyCommander. A call that is
// already presented keeps its slot.
func (p *ProviderAdapter) PresentIncoming(callID, display, uri string) {
	p.mu.Lock()
	if _, ok := p.slots[callID]; ok {
		p.mu.Unlock()
		return
	}
	slotID := uuid.NewString()
	p.slots[callID] = slotID
	p.byCalls[slotID] = callID
	p.mu.Unlock()

	if err := p.service.ShowIncoming(slotID, display, uri); err != nil {
		p.logger.Error("failed to present incoming call",
			"call_id", callID,
			"slot", slotID,
			"error", err,
		)
		// The UI never appeared, so the user cannot end this call.
		// Tear it down instead of leaving it invisible but live.
		p.dropSlot(callID)
		p.machine.Submit(bridge.Transition{
			Kind:   bridge.KindEnded,
			CallID: callID,
			Origin: bridge.OriginNative,
			Reason: bridge.ReasonEngineError,
		})
		p.machine.Submit(bridge.Transition{
			Kind:   bridge.KindReleaseAck,
			CallID: callID,
			Origin: bridge.OriginNative,
			Side:   bridge.SideNative,
		})
		return
	}
	p.logger.Info("incoming call presented", "call_id", callID, "slot", slotID)
}

// UpdateIdentity implements Adapter.
func (p *ProviderAdapter) UpdateIdentity(callID, display, uri string) {
	slotID, ok := p.slot(callID)
	if !ok {
		return
	}
	if err := p.service.UpdateIdentity(slotID, display, uri); err != nil {
		p.logger.Warn("failed to update caller identity",
			"call_id", callID,
			"error", err,
		)
	}
}

// RebindCall implements bridge.TelephonyCommander. The presented slot
// keeps its uuid; only the call_id key changes.
func (p *ProviderAdapter) RebindCall(oldID, newID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slotID, ok := p.slots[oldID]
	if !ok {
		return
	}
	delete(p.slots, oldID)
	p.slots[newID] = slotID
	p.byCalls[slotID] = newID
	p.logger.Debug("call rebound", "old_call_id", oldID, "call_id", newID, "slot", slotID)
}

// ReportActive implements bridge.TelephonyCommander.
func (p *ProviderAdapter) ReportActive(callID string) {
	slotID, ok := p.slot(callID)
	if !ok {
		p.logger.Debug("report active for unknown call", "call_id", callID)
		return
	}
	if err := p.service.ReportConnected(slotID); err != nil {
		p.logger.Error("failed to report call active",
			"call_id", callID,
			"error", err,
		)
	}
}

// ReportDisconnected implements bridge.TelephonyCommander. The slot is
// destroyed and the native release ack submitted exactly once.
func (p *ProviderAdapter) ReportDisconnected(callID string, reason bridge.Reason) {
	slotID, ok := p.dropSlot(callID)
	if ok {
		if err := p.service.End(slotID, reason); err != nil {
			p.logger.Warn("failed to end call ui",
				"call_id", callID,
				"error", err,
			)
		}
	}
	p.machine.Submit(bridge.Transition{
		Kind:   bridge.KindReleaseAck,
		CallID: callID,
		Origin: bridge.OriginNative,
		Side:   bridge.SideNative,
	})
}

// SetSpeaker implements bridge.TelephonyCommander.
func (p *ProviderAdapter) SetSpeaker(callID string, on bool) {
	slotID, ok := p.slot(callID)
	if !ok {
		p.logger.Debug("speaker toggle for unknown call", "call_id", callID)
		return
	}
	if err := p.service.SetAudioRoute(slotID, on); err != nil {
		p.logger.Warn("failed to set audio route",
			"call_id", callID,
			"error", err,
		)
	}
}

// ActionAnswer handles the user answering from the system UI.
func (p *ProviderAdapter) ActionAnswer(slotID string) {
	p.submitAction(slotID, "answer", func(callID string) bridge.Transition {
		return bridge.Transition{Kind: bridge.KindAnswered, CallID: callID, Origin: bridge.OriginNative}
	})
}

// ActionDecline handles the user declining a ringing call.
func (p *ProviderAdapter) ActionDecline(slotID string) {
	p.submitAction(slotID, "decline", func(callID string) bridge.Transition {
		return bridge.Transition{
			Kind:   bridge.KindDeclined,
			CallID: callID,
			Origin: bridge.OriginNative,
			Reason: bridge.ReasonDeclined,
		}
	})
}

// ActionHangup handles the user ending an active call.
func (p *ProviderAdapter) ActionHangup(slotID string) {
	p.submitAction(slotID, "hangup", func(callID string) bridge.Transition {
		return bridge.Transition{
			Kind:   bridge.KindEnded,
			CallID: callID,
			Origin: bridge.OriginNative,
			Reason: bridge.ReasonUserHangup,
		}
	})
}

// ActionHold handles a hold toggle from the system UI.
func (p *ProviderAdapter) ActionHold(slotID string, on bool) {
	p.submitAction(slotID, "hold", func(callID string) bridge.Transition {
		return bridge.Transition{Kind: bridge.KindHold, CallID: callID, Origin: bridge.OriginNative, On: on}
	})
}

// ActionDTMF handles keypad digits pressed in the system UI.
func (p *ProviderAdapter) ActionDTMF(slotID, digits string) {
	p.submitAction(slotID, "dtmf", func(callID string) bridge.Transition {
		return bridge.Transition{Kind: bridge.KindDTMF, CallID: callID, Origin: bridge.OriginNative, Digits: digits}
	})
}

func (p *ProviderAdapter) submitAction(slotID, action string, build func(callID string) bridge.Transition) {
	p.mu.Lock()
	callID, ok := p.byCalls[slotID]
	p.mu.Unlock()
	if !ok {
		p.logger.Warn("action for unknown slot", "action", action, "slot", slotID)
		return
	}
	p.machine.Submit(build(callID))
}

func (p *ProviderAdapter) slot(callID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slotID, ok := p.slots[callID]
	return slotID, ok
}

func (p *ProviderAdapter) dropSlot(callID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slotID, ok := p.slots[callID]
	if ok {
		delete(p.slots, callID)
		delete(p.byCalls, slotID)
	}
	return slotID, ok
}
