// Package wake handles VoIP push notifications. The push is only a
// wake signal: it brings the engine up, forces a registration refresh
// and submits a provisional incoming-call transition; the engine's
// INVITE later confirms (or corrects) the identity.
package wake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/guardianvoice/gvbridge/internal/bridge"
)

// PayloadTypeIncomingCall is the only payload type acted on. Anything
// else is ignored so backend experiments with new push types never
// present phantom calls.
const PayloadTypeIncomingCall = "incoming_call"

// ErrUnrecognizedPayload is returned for pushes that are not incoming
// call wakes.
var ErrUnrecognizedPayload = fmt.Errorf("unrecognized push payload")

// Payload is the push notification body sent by the backend.
type Payload struct {
	Type        string `json:"type"`
	CallID      string `json:"call_id,omitempty"`
	FromDisplay string `json:"from_display,omitempty"`
	FromURI     string `json:"from_uri,omitempty"`
}

// EngineStarter is the slice of the engine the wake path needs.
type EngineStarter interface {
	Start(ctx context.Context) error
	RefreshRegistration()
}

// Submitter enqueues transitions on the bridge machine.
type Submitter interface {
	Submit(t bridge.Transition)
}

// Handler processes push wakes.
type Handler struct {
	engine  EngineStarter
	machine Submitter
	logger  *slog.Logger
}

// NewHandler creates the wake handler.
func NewHandler(engine EngineStarter, machine Submitter, logger *slog.Logger) *Handler {
	return &Handler{
		engine:  engine,
		machine: machine,
		logger:  logger.With("subsystem", "wake"),
	}
}

// HandleRaw decodes a raw push body and processes it.
func (h *Handler) HandleRaw(ctx context.Context, body []byte) error {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("decoding push payload: %w", err)
	}
	return h.Handle(ctx, p)
}

// Handle processes one push payload. The engine is started and the
// registration refreshed before the call is presented, so the INVITE
// retransmission finds a registered endpoint. Duplicate wakes for the
// same call_id collapse into identity updates downstream.
func (h *Handler) Handle(ctx context.Context, p Payload) error {
	if p.Type != PayloadTypeIncomingCall {
		h.logger.Debug("ignoring push payload", "type", p.Type)
		return fmt.Errorf("%w: type %q", ErrUnrecognizedPayload, p.Type)
	}

	callID := p.CallID
	if callID == "" {
		// Some backend paths cannot learn the SIP Call-ID before the
		// INVITE exists. Mint one; the engine event adapter reconciles
		// it against the live call when the INVITE lands.
		callID = "wake-" + uuid.NewString()
		h.logger.Info("wake payload without call_id, synthesized", "call_id", callID)
	}

	h.logger.Info("incoming call wake",
		"call_id", callID,
		"from", p.FromURI,
	)

	if err := h.engine.Start(ctx); err != nil {
		// Present anyway: the OS requires a call UI for every VoIP
		// push, and the ring timeout will clean up if the engine never
		// confirms.
		h.logger.Error("engine start on wake failed", "call_id", callID, "error", err)
	}
	h.engine.RefreshRegistration()

	h.machine.Submit(bridge.Transition{
		Kind:        bridge.KindNewIncoming,
		CallID:      callID,
		Origin:      bridge.OriginWake,
		Display:     p.FromDisplay,
		URI:         p.FromURI,
		Provisional: true,
	})
	return nil
}
