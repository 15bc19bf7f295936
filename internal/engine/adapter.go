package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/guardianvoice/gvbridge/internal/bridge"
)

// commandTimeout bounds each outward engine command so a wedged network
// call cannot pile up goroutines forever.
const commandTimeout = 15 * time.Second

// Submitter accepts transition requests for the bridge machine's
// single-consumer queue.
type Submitter interface {
	Submit(t bridge.Transition)
}

// Adapter subscribes to engine notifications and feeds them to the
// bridge state machine, and executes the machine's outward engine
// commands. It is the only component holding engine call handles; the
// machine sees call_ids only.
type Adapter struct {
	eng     Engine
	machine Submitter
	logger  *slog.Logger

	regState atomic.Value // RegistrationState
}

// NewAdapter creates the engine event adapter.
func NewAdapter(eng Engine, machine Submitter, logger *slog.Logger) *Adapter {
	a := &Adapter{
		eng:     eng,
		machine: machine,
		logger:  logger.With("subsystem", "engine-adapter"),
	}
	a.regState.Store(RegistrationNone)
	return a
}

// Run consumes engine notifications until ctx is canceled.
func (a *Adapter) Run(ctx context.Context) {
	for {
		select {
		case ev := <-a.eng.CallEvents():
			a.handleCallEvent(ev)
		case ev := <-a.eng.RegistrationEvents():
			a.regState.Store(ev.State)
			a.logger.Info("registration state changed",
				"state", ev.State,
				"message", ev.Message,
			)
		case <-ctx.Done():
			return
		}
	}
}

// RegistrationState returns the last observed registration state. Safe
// from any goroutine; used by metrics.
func (a *Adapter) RegistrationState() RegistrationState {
	return a.regState.Load().(RegistrationState)
}

// handleCallEvent maps an engine call state to a bridge transition.
func (a *Adapter) handleCallEvent(ev CallEvent) {
	a.logger.Debug("engine call event", "call_id", ev.CallID, "state", ev.State)

	switch ev.State {
	case CallIncoming:
		// Creates the record when no push preceded the INVITE; for a
		// push-created record this overwrites the provisional identity
		// with the authoritative From header.
		a.machine.Submit(bridge.Transition{
			Kind:    bridge.KindNewIncoming,
			CallID:  ev.CallID,
			Origin:  bridge.OriginEngine,
			Display: ev.RemoteDisplay,
			URI:     ev.RemoteURI,
		})

	case CallRinging:
		// Outbound progress; the record is already ringing.

	case CallConnected:
		a.machine.Submit(bridge.Transition{
			Kind:   bridge.KindAnswered,
			CallID: ev.CallID,
			Origin: bridge.OriginEngine,
		})

	case CallPaused:
		a.machine.Submit(bridge.Transition{
			Kind:   bridge.KindHold,
			CallID: ev.CallID,
			Origin: bridge.OriginEngine,
			On:     true,
		})

	case CallResumed:
		a.machine.Submit(bridge.Transition{
			Kind:   bridge.KindHold,
			CallID: ev.CallID,
			Origin: bridge.OriginEngine,
			On:     false,
		})

	case CallReleased, CallError:
		reason := bridge.ReasonRemoteEnded
		if ev.State == CallError {
			reason = bridge.ReasonEngineError
		}
		a.machine.Submit(bridge.Transition{
			Kind:   bridge.KindEnded,
			CallID: ev.CallID,
			Origin: bridge.OriginEngine,
			Reason: reason,
		})
		// The engine handle is gone once Released/Error fires, so the
		// engine-side release is acknowledged immediately.
		a.machine.Submit(bridge.Transition{
			Kind:   bridge.KindReleaseAck,
			CallID: ev.CallID,
			Origin: bridge.OriginEngine,
			Side:   bridge.SideEngine,
		})

	default:
		a.logger.Debug("unhandled engine call state", "call_id", ev.CallID, "state", ev.State)
	}
}

// Outward commands (bridge.EngineCommander). Each runs on its own
// goroutine so the machine loop never blocks on engine I/O; outcomes
// come back as new transitions.

func (a *Adapter) Originate(callID, uri string) {
	go a.command(callID, "originate", func(ctx context.Context) error {
		return a.eng.Originate(ctx, callID, uri)
	})
}

func (a *Adapter) Accept(callID string) {
	go a.command(callID, "accept", func(ctx context.Context) error {
		return a.eng.Accept(ctx, callID)
	})
}

// Terminate tears down the engine leg. If the engine already released
// the call, the release ack is submitted directly so a disconnecting
// call is not stranded waiting for an event that will never fire.
func (a *Adapter) Terminate(callID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		err := a.eng.Terminate(ctx, callID)
		if errors.Is(err, ErrUnknownCall) {
			a.machine.Submit(bridge.Transition{
				Kind:   bridge.KindReleaseAck,
				CallID: callID,
				Origin: bridge.OriginEngine,
				Side:   bridge.SideEngine,
			})
			return
		}
		if err != nil {
			a.logger.Error("engine terminate failed", "call_id", callID, "error", err)
		}
	}()
}

func (a *Adapter) Hold(callID string, on bool) {
	go a.command(callID, "hold", func(ctx context.Context) error {
		return a.eng.Hold(ctx, callID, on)
	})
}

func (a *Adapter) Mute(callID string, on bool) {
	go a.command(callID, "mute", func(ctx context.Context) error {
		return a.eng.Mute(ctx, callID, on)
	})
}

func (a *Adapter) SendDTMF(callID, digits string) {
	go a.command(callID, "dtmf", func(ctx context.Context) error {
		return a.eng.SendDTMF(ctx, callID, digits)
	})
}

// command executes one engine command. ErrUnknownCall is a quiet no-op;
// any other failure surfaces as an engine-error teardown transition
// rather than being retried against a possibly torn-down call.
func (a *Adapter) command(callID, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, ErrUnknownCall) {
		a.logger.Debug("engine command against released call", "command", name, "call_id", callID)
		return
	}

	a.logger.Error("engine command failed", "command", name, "call_id", callID, "error", err)
	a.machine.Submit(bridge.Transition{
		Kind:   bridge.KindEnded,
		CallID: callID,
		Origin: bridge.OriginEngine,
		Reason: bridge.ReasonEngineError,
	})
	a.machine.Submit(bridge.Transition{
		Kind:   bridge.KindReleaseAck,
		CallID: callID,
		Origin: bridge.OriginEngine,
		Side:   bridge.SideEngine,
	})
}
