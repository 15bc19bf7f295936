package telephony

import (
	"log/slog"
	"sync"

	"github.com/guardianvoice/gvbridge/internal/bridge"
)

// ConnectionAdapter models the connection-service framework: one
// connection object per call, created when the call is presented and
// destroyed on disconnect. The connection carries its own lifecycle
// state so late platform callbacks land on a dead object instead of a
// map miss.
type ConnectionAdapter struct {
	service CallService
	machine Submitter
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]*Connection // keyed by call_id; slot id == call_id
}

var _ Adapter = (*ConnectionAdapter)(nil)

// Connection is the per-call object handed to the platform layer.
type Connection struct {
	callID  string
	adapter *ConnectionAdapter

	mu        sync.Mutex
	active    bool
	destroyed bool
}

// NewConnectionAdapter creates the connection-style adapter.
func NewConnectionAdapter(service CallService, machine Submitter, logger *slog.Logger) *ConnectionAdapter {
	return &ConnectionAdapter{
		service: service,
		machine: machine,
		logger:  logger.With("subsystem", "telephony-connection"),
		conns:   make(map[string]*Connection),
	}
}

// Connection returns the live connection object for a call.
func (a *ConnectionAdapter) Connection(callID string) (*Connection, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[callID]
	return c, ok
}

// PresentIncoming implements bridge.TelephonyCommander.
func (a *ConnectionAdapter) PresentIncoming(callID, display, uri string) {
	a.mu.Lock()
	if _, ok := a.conns[callID]; ok {
		a.mu.Unlock()
		return
	}
	c := &Connection{callID: callID, adapter: a}
	a.conns[callID] = c
	a.mu.Unlock()

	if err := a.service.ShowIncoming(callID, display, uri); err != nil {
		a.logger.Error("failed to present incoming call",
			"call_id", callID,
			"error", err,
		)
		a.destroy(callID, bridge.ReasonEngineError)
		a.machine.Submit(bridge.Transition{
			Kind:   bridge.KindEnded,
			CallID: callID,
			Origin: bridge.OriginNative,
			Reason: bridge.ReasonEngineError,
		})
		a.machine.Submit(bridge.Transition{
			Kind:   bridge.KindReleaseAck,
			CallID: callID,
			Origin: bridge.OriginNative,
			Side:   bridge.SideNative,
		})
		return
	}
	a.logger.Info("incoming connection created", "call_id", callID)
}

// UpdateIdentity implements Adapter.
func (a *ConnectionAdapter) UpdateIdentity(callID, display, uri string) {
	if _, ok := a.Connection(callID); !ok {
		return
	}
	if err := a.service.UpdateIdentity(callID, display, uri); err != nil {
		a.logger.Warn("failed to update caller identity", "call_id", callID, "error", err)
	}
}

// RebindCall implements bridge.TelephonyCommander. Here the slot id is
// the call id, so the platform layer must be told too; the connection
// object itself survives the rename.
func (a *ConnectionAdapter) RebindCall(oldID, newID string) {
	a.mu.Lock()
	c, ok := a.conns[oldID]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.conns, oldID)
	a.conns[newID] = c
	a.mu.Unlock()

	c.mu.Lock()
	c.callID = newID
	c.mu.Unlock()
	a.logger.Debug("connection rebound", "old_call_id", oldID, "call_id", newID)
}

// ReportActive implements bridge.TelephonyCommander.
func (a *ConnectionAdapter) ReportActive(callID string) {
	c, ok := a.Connection(callID)
	if !ok {
		a.logger.Debug("report active for unknown connection", "call_id", callID)
		return
	}
	c.mu.Lock()
	c.active = true
	c.mu.Unlock()
	if err := a.service.ReportConnected(callID); err != nil {
		a.logger.Error("failed to report connection active", "call_id", callID, "error", err)
	}
}

// ReportDisconnected implements bridge.TelephonyCommander.
func (a *ConnectionAdapter) ReportDisconnected(callID string, reason bridge.Reason) {
	if a.destroy(callID, reason) {
		if err := a.service.End(callID, reason); err != nil {
			a.logger.Warn("failed to end connection ui", "call_id", callID, "error", err)
		}
	}
	a.machine.Submit(bridge.Transition{
		Kind:   bridge.KindReleaseAck,
		CallID: callID,
		Origin: bridge.OriginNative,
		Side:   bridge.SideNative,
	})
}

// SetSpeaker implements bridge.TelephonyCommander.
func (a *ConnectionAdapter) SetSpeaker(callID string, on bool) {
	if _, ok := a.Connection(callID); !ok {
		a.logger.Debug("speaker toggle for unknown connection", "call_id", callID)
		return
	}
	if err := a.service.SetAudioRoute(callID, on); err != nil {
		a.logger.Warn("failed to set audio route", "call_id", callID, "error", err)
	}
}

// ActionAnswer implements Adapter; the slot id is the call id here.
func (a *ConnectionAdapter) ActionAnswer(slotID string) {
	if c, ok := a.Connection(slotID); ok {
		c.Answer()
		return
	}
	a.logger.Warn("answer for unknown connection", "call_id", slotID)
}

// ActionDecline implements Adapter.
func (a *ConnectionAdapter) ActionDecline(slotID string) {
	if c, ok := a.Connection(slotID); ok {
		c.Reject()
		return
	}
	a.logger.Warn("decline for unknown connection", "call_id", slotID)
}

// ActionHangup implements Adapter.
func (a *ConnectionAdapter) ActionHangup(slotID string) {
	if c, ok := a.Connection(slotID); ok {
		c.Disconnect()
		return
	}
	a.logger.Warn("hangup for unknown connection", "call_id", slotID)
}

// ActionHold implements Adapter.
func (a *ConnectionAdapter) ActionHold(slotID string, on bool) {
	if c, ok := a.Connection(slotID); ok {
		c.SetHold(on)
		return
	}
	a.logger.Warn("hold for unknown connection", "call_id", slotID)
}

// ActionDTMF implements Adapter.
func (a *ConnectionAdapter) ActionDTMF(slotID, digits string) {
	if c, ok := a.Connection(slotID); ok {
		c.PlayDTMF(digits)
		return
	}
	a.logger.Warn("dtmf for unknown connection", "call_id", slotID)
}

// destroy removes the connection object. Returns false when it was
// already gone so the release ack is never doubled with a UI teardown.
func (a *ConnectionAdapter) destroy(callID string, reason bridge.Reason) bool {
	a.mu.Lock()
	c, ok := a.conns[callID]
	if ok {
		delete(a.conns, callID)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	c.destroyed = true
	c.mu.Unlock()
	return true
}

// Answer submits the user's answer to the bridge.
func (c *Connection) Answer() {
	id, ok := c.liveID("answer")
	if !ok {
		return
	}
	c.adapter.machine.Submit(bridge.Transition{
		Kind:   bridge.KindAnswered,
		CallID: id,
		Origin: bridge.OriginNative,
	})
}

// Reject submits the user's decline of a ringing call.
func (c *Connection) Reject() {
	id, ok := c.liveID("reject")
	if !ok {
		return
	}
	c.adapter.machine.Submit(bridge.Transition{
		Kind:   bridge.KindDeclined,
		CallID: id,
		Origin: bridge.OriginNative,
		Reason: bridge.ReasonDeclined,
	})
}

// Disconnect submits the user's hangup of an active call.
func (c *Connection) Disconnect() {
	id, ok := c.liveID("disconnect")
	if !ok {
		return
	}
	c.adapter.machine.Submit(bridge.Transition{
		Kind:   bridge.KindEnded,
		CallID: id,
		Origin: bridge.OriginNative,
		Reason: bridge.ReasonUserHangup,
	})
}

// SetHold submits a hold toggle.
func (c *Connection) SetHold(on bool) {
	id, ok := c.liveID("hold")
	if !ok {
		return
	}
	c.adapter.machine.Submit(bridge.Transition{
		Kind:   bridge.KindHold,
		CallID: id,
		Origin: bridge.OriginNative,
		On:     on,
	})
}

// PlayDTMF submits keypad digits.
func (c *Connection) PlayDTMF(digits string) {
	id, ok := c.liveID("dtmf")
	if !ok {
		return
	}
	c.adapter.machine.Submit(bridge.Transition{
		Kind:   bridge.KindDTMF,
		CallID: id,
		Origin: bridge.OriginNative,
		Digits: digits,
	})
}

// liveID returns the connection's current call id, or false when the
// object has already been destroyed.
func (c *Connection) liveID(action string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		c.adapter.logger.Debug("action on destroyed connection",
			"action", action,
			"call_id", c.callID,
		)
		return "", false
	}
	return c.callID, true
}
