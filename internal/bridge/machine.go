package bridge

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EngineCommander is the outward command surface of the engine event
// adapter. Commands are fire-and-forget: implementations must not block,
// and their outcomes arrive later as new transitions. A command against a
// call the engine has already torn down is a no-op, not an error.
type EngineCommander interface {
	Originate(callID, uri string)
	Accept(callID string)
	Terminate(callID string)
	Hold(callID string, on bool)
	Mute(callID string, on bool)
	SendDTMF(callID, digits string)
}

// TelephonyCommander is the outward command surface of the native
// telephony adapter. The adapter owns the platform call-slot objects;
// the machine addresses them by call_id only.
type TelephonyCommander interface {
	PresentIncoming(callID, display, uri string)
	UpdateIdentity(callID, display, uri string)
	RebindCall(oldID, newID string)
	ReportActive(callID string)
	ReportDisconnected(callID string, reason Reason)
	SetSpeaker(callID string, on bool)
}

// CallLogger receives a copy of each call record when it terminates.
type CallLogger interface {
	LogCall(rec CallRecord)
}

// Kind enumerates the transition requests the machine accepts.
type Kind string

const (
	KindNewIncoming Kind = "new-incoming"
	KindOriginate   Kind = "originate"
	KindAnswered    Kind = "answered"
	KindDeclined    Kind = "declined" // rejection while ringing
	KindHold        Kind = "hold"
	KindEnded       Kind = "ended" // teardown of an established call
	KindReleaseAck  Kind = "release-ack"
	KindIdentity    Kind = "identity" // authoritative identity update
	KindDTMF        Kind = "dtmf"
	KindMute        Kind = "mute"
	KindSpeaker     Kind = "speaker"
	kindRingTimeout Kind = "ring-timeout"
)

// Transition is a request submitted to the machine's single-consumer
// queue. Origin determines which adapters receive mirrored commands:
// never the one the transition came from.
type Transition struct {
	Kind   Kind
	CallID string
	Origin Origin

	// NewIncoming / Originate / Identity fields.
	Display     string
	URI         string
	Provisional bool

	// Hold / Mute / Speaker.
	On bool

	// DTMF.
	Digits string

	// Declined / Ended.
	Reason Reason

	// ReleaseAck.
	Side Side
}

// Machine is the authoritative per-call state machine. All transition
// requests, regardless of the thread they originate on, are applied by a
// single goroutine, which is the only writer of the call registry.
type Machine struct {
	registry  *Registry
	engine    EngineCommander
	telephony TelephonyCommander
	emitter   *Emitter
	callLog   CallLogger
	logger    *slog.Logger

	ringTimeout time.Duration
	ringTimers  map[string]*time.Timer

	liveCalls atomic.Int32

	queue chan Transition

	// Spill list for submissions that find the queue full. Submit must
	// never block: command failure paths submit from the machine
	// goroutine itself, and a blocking send there would wedge the loop.
	spillMu sync.Mutex
	spill   []Transition
}

// Option configures a Machine.
type Option func(*Machine)

// WithRingTimeout overrides the default ring timeout.
func WithRingTimeout(d time.Duration) Option {
	return func(m *Machine) { m.ringTimeout = d }
}

// WithCallLogger attaches a call log sink for terminated calls.
func WithCallLogger(cl CallLogger) Option {
	return func(m *Machine) { m.callLog = cl }
}

const defaultRingTimeout = 45 * time.Second

// NewMachine creates the bridge state machine. Call Run to start the
// transition loop.
func NewMachine(engine EngineCommander, telephony TelephonyCommander, emitter *Emitter, logger *slog.Logger, opts ...Option) *Machine {
	m := &Machine{
		registry:    NewRegistry(),
		engine:      engine,
		telephony:   telephony,
		emitter:     emitter,
		logger:      logger.With("subsystem", "bridge"),
		ringTimeout: defaultRingTimeout,
		ringTimers:  make(map[string]*time.Timer),
		queue:       make(chan Transition, 64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit enqueues a transition for the machine loop. It never blocks:
// adapter callbacks on OS or engine threads never wait on each other,
// and the machine's own failure paths can submit without wedging the
// loop. Overflow spills to an unbounded list the loop drains in order.
func (m *Machine) Submit(t Transition) {
	m.spillMu.Lock()
	defer m.spillMu.Unlock()
	if len(m.spill) == 0 {
		select {
		case m.queue <- t:
			return
		default:
		}
		m.logger.Warn("transition queue full, spilling", "kind", t.Kind, "call_id", t.CallID)
	}
	// While the spill is non-empty all new submissions join it, so
	// arrival order survives the detour.
	m.spill = append(m.spill, t)
}

// Run consumes the transition queue until ctx is canceled.
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case t := <-m.queue:
			m.apply(t)
			m.refill()
		case <-ctx.Done():
			return
		}
	}
}

// refill moves spilled transitions back onto the queue while it has
// room.
func (m *Machine) refill() {
	m.spillMu.Lock()
	defer m.spillMu.Unlock()
	for len(m.spill) > 0 {
		select {
		case m.queue <- m.spill[0]:
			m.spill = m.spill[1:]
		default:
			return
		}
	}
}

// apply executes one transition against the registry. It runs only on
// the machine goroutine (or directly in tests), so registry access needs
// no locking.
func (m *Machine) apply(t Transition) {
	defer m.updateGauge()

	// Caller commands like answer and hangup address "the current call".
	// Resolving here, inside the serialized loop, keeps the lookup free
	// of races with concurrent teardown.
	if t.CallID == "" {
		rec := m.registry.Live()
		if rec == nil {
			m.noop(string(t.Kind), t)
			return
		}
		t.CallID = rec.CallID
	}

	switch t.Kind {
	case KindNewIncoming:
		m.applyNewIncoming(t)
	case KindOriginate:
		m.applyOriginate(t)
	case KindAnswered:
		m.applyAnswered(t)
	case KindDeclined:
		m.applyDeclined(t)
	case KindHold:
		m.applyHold(t)
	case KindEnded:
		m.applyEnded(t)
	case KindReleaseAck:
		m.applyReleaseAck(t)
	case KindIdentity:
		m.applyIdentity(t)
	case KindDTMF, KindMute, KindSpeaker:
		m.applyForward(t)
	case kindRingTimeout:
		m.applyRingTimeout(t)
	default:
		m.logger.Warn("unrecognized transition kind", "kind", t.Kind, "call_id", t.CallID)
	}
}

// applyNewIncoming creates a ringing inbound record, or updates identity
// on a duplicate. A duplicate wake for a known call_id never re-triggers
// the native presentation.
func (m *Machine) applyNewIncoming(t Transition) {
	if rec := m.registry.Get(t.CallID); rec != nil {
		m.updateIdentity(rec, t, true)
		return
	}

	if live := m.registry.Live(); live != nil {
		if t.Origin == OriginEngine && live.Provisional && live.State == StateRinging {
			// The INVITE for a wake-presented call arrived under its
			// real SIP Call-ID. Rebind the record instead of treating
			// the same call as glare.
			m.rebind(live, t)
			return
		}
		// Glare: a second call while one is ringing/active/held. The
		// existing call stays authoritative; the new one is rejected
		// toward the engine and never presented natively.
		m.logger.Warn("rejecting concurrent incoming call",
			"call_id", t.CallID,
			"live_call_id", live.CallID,
			"origin", t.Origin,
		)
		m.engine.Terminate(t.CallID)
		return
	}

	rec := m.registry.Upsert(&CallRecord{
		CallID:        t.CallID,
		Direction:     DirectionInbound,
		RemoteDisplay: t.Display,
		RemoteURI:     t.URI,
		Provisional:   t.Provisional,
		State:         StateRinging,
		StartTime:     time.Now(),
	})
	m.armRingTimer(rec.CallID)

	// Mirror to the side that did not report the call. The native
	// framework never originates NewIncoming, so it always gets the
	// presentation command here.
	m.telephony.PresentIncoming(rec.CallID, rec.RemoteDisplay, rec.RemoteURI)

	m.logger.Info("incoming call ringing",
		"call_id", rec.CallID,
		"from", rec.RemoteDisplay,
		"provisional", rec.Provisional,
		"origin", t.Origin,
	)
	m.emit(rec)
}

// applyOriginate creates a ringing outbound record and tells the engine
// to place the call.
func (m *Machine) applyOriginate(t Transition) {
	if live := m.registry.Live(); live != nil {
		m.logger.Warn("rejecting outbound call, another call in progress",
			"call_id", t.CallID,
			"live_call_id", live.CallID,
		)
		// The attempt never enters the registry, so the caller is told
		// directly that it is over. The live call stays authoritative.
		if m.emitter != nil {
			m.emitter.Emit(Event{
				CallID:    t.CallID,
				Direction: DirectionOutbound,
				FromURI:   t.URI,
				State:     StateTerminated,
				Reason:    ReasonCallInProgress,
			})
		}
		return
	}

	rec := m.registry.Upsert(&CallRecord{
		CallID:    t.CallID,
		Direction: DirectionOutbound,
		RemoteURI: t.URI,
		State:     StateRinging,
		StartTime: time.Now(),
	})
	m.armRingTimer(rec.CallID)
	m.engine.Originate(rec.CallID, rec.RemoteURI)

	m.logger.Info("outbound call ringing", "call_id", rec.CallID, "uri", rec.RemoteURI)
	m.emit(rec)
}

// applyAnswered moves a ringing call to active and cross-acks the side
// that has not yet seen the answer. A second answer report from the
// other side finds the call already active and is absorbed as an ack.
func (m *Machine) applyAnswered(t Transition) {
	rec := m.registry.Get(t.CallID)
	if rec == nil {
		m.noop("answered", t)
		return
	}

	switch rec.State {
	case StateRinging:
		rec.State = StateActive
		now := time.Now()
		rec.AnswerTime = &now
		m.cancelRingTimer(rec.CallID)

		if t.Origin != OriginEngine {
			m.engine.Accept(rec.CallID)
		}
		if t.Origin != OriginNative {
			m.telephony.ReportActive(rec.CallID)
		}

		m.logger.Info("call active", "call_id", rec.CallID, "origin", t.Origin)
		m.emit(rec)

	case StateActive:
		// Both sides reported the answer; the race loser is a no-op.
		m.logger.Debug("duplicate answer absorbed", "call_id", rec.CallID, "origin", t.Origin)

	default:
		m.noop("answered", t)
	}
}

// applyDeclined terminates a ringing call that was rejected before being
// answered. Ringing rejections skip Disconnecting: the originating side
// has already torn down, and the other side is released by command.
func (m *Machine) applyDeclined(t Transition) {
	rec := m.registry.Get(t.CallID)
	if rec == nil || rec.State != StateRinging {
		m.noop("declined", t)
		return
	}

	reason := t.Reason
	if reason == "" {
		reason = ReasonDeclined
	}

	if t.Origin != OriginEngine {
		m.engine.Terminate(rec.CallID)
	}
	if t.Origin != OriginNative {
		m.telephony.ReportDisconnected(rec.CallID, reason)
	}
	m.terminate(rec, reason)
}

// applyHold toggles hold on an active call. Only the engine executes
// hold; the native framework learns of it through its own action
// callbacks, so no outward native command is needed.
func (m *Machine) applyHold(t Transition) {
	rec := m.registry.Get(t.CallID)
	if rec == nil {
		m.noop("hold", t)
		return
	}

	switch {
	case t.On && rec.State == StateActive:
		rec.State = StateHeld
	case !t.On && rec.State == StateHeld:
		rec.State = StateActive
	default:
		// Already in the requested state: an ack from the other side.
		m.logger.Debug("hold ack absorbed", "call_id", rec.CallID, "on", t.On, "origin", t.Origin)
		return
	}

	if t.Origin != OriginEngine {
		m.engine.Hold(rec.CallID, t.On)
	}

	m.logger.Info("call hold changed", "call_id", rec.CallID, "on", t.On, "origin", t.Origin)
	m.emit(rec)
}

// applyEnded starts teardown of an established call. The call stays in
// Disconnecting until both adapters acknowledge release of their
// handles; terminating earlier risks a use-after-release in a late
// platform callback.
func (m *Machine) applyEnded(t Transition) {
	rec := m.registry.Get(t.CallID)
	if rec == nil {
		m.noop("ended", t)
		return
	}

	switch rec.State {
	case StateRinging:
		// Hangup before answer is a rejection.
		m.applyDeclined(Transition{
			Kind:   KindDeclined,
			CallID: t.CallID,
			Origin: t.Origin,
			Reason: t.Reason,
		})
		return
	case StateActive, StateHeld:
	default:
		m.noop("ended", t)
		return
	}

	rec.State = StateDisconnecting
	rec.EndReason = t.Reason
	if rec.EndReason == "" {
		rec.EndReason = endReasonFor(t.Origin)
	}

	if t.Origin != OriginEngine {
		m.engine.Terminate(rec.CallID)
	}
	if t.Origin != OriginNative {
		m.telephony.ReportDisconnected(rec.CallID, rec.EndReason)
	}

	m.logger.Info("call disconnecting",
		"call_id", rec.CallID,
		"origin", t.Origin,
		"reason", rec.EndReason,
	)
	m.emit(rec)
}

// applyReleaseAck records that one adapter has destroyed its handle.
// When both sides have acked, the call terminates and leaves the
// registry.
func (m *Machine) applyReleaseAck(t Transition) {
	rec := m.registry.Get(t.CallID)
	if rec == nil {
		m.noop("release-ack", t)
		return
	}
	if rec.State != StateDisconnecting {
		m.logger.Debug("release ack outside disconnecting", "call_id", rec.CallID, "side", t.Side, "state", rec.State)
		return
	}

	switch t.Side {
	case SideNative:
		rec.nativeReleased = true
	case SideEngine:
		rec.engineReleased = true
	}

	if rec.released() {
		m.terminate(rec, rec.EndReason)
	}
}

// applyIdentity overwrites provisional identity with the authoritative
// one from the engine, without touching call state.
func (m *Machine) applyIdentity(t Transition) {
	rec := m.registry.Get(t.CallID)
	if rec == nil {
		m.noop("identity", t)
		return
	}
	m.updateIdentity(rec, t, true)
}

// applyForward relays non-transition commands (DTMF, mute, speaker) to
// the side that must execute them.
func (m *Machine) applyForward(t Transition) {
	rec := m.registry.Get(t.CallID)
	if rec == nil || !rec.State.Live() {
		m.noop(string(t.Kind), t)
		return
	}

	switch t.Kind {
	case KindDTMF:
		if t.Origin != OriginEngine {
			m.engine.SendDTMF(rec.CallID, t.Digits)
		}
	case KindMute:
		if t.Origin != OriginEngine {
			m.engine.Mute(rec.CallID, t.On)
		}
	case KindSpeaker:
		if t.Origin != OriginNative {
			m.telephony.SetSpeaker(rec.CallID, t.On)
		}
	}
}

// applyRingTimeout force-terminates a call the engine never confirmed.
// A stuck ringing call would otherwise block the single-active-call
// invariant forever, so both adapters are told to release regardless of
// their individual state.
func (m *Machine) applyRingTimeout(t Transition) {
	rec := m.registry.Get(t.CallID)
	if rec == nil || rec.State != StateRinging {
		return
	}

	m.logger.Warn("ring timeout, force-terminating", "call_id", rec.CallID)
	m.engine.Terminate(rec.CallID)
	m.telephony.ReportDisconnected(rec.CallID, ReasonRingTimeout)
	m.terminate(rec, ReasonRingTimeout)
}

// terminate finalizes a record: emits the terminal event, writes the
// call log and removes the record from the registry.
func (m *Machine) terminate(rec *CallRecord, reason Reason) {
	rec.State = StateTerminated
	rec.EndReason = reason
	now := time.Now()
	rec.EndTime = &now
	m.cancelRingTimer(rec.CallID)

	m.logger.Info("call terminated", "call_id", rec.CallID, "reason", reason)
	m.emit(rec)

	if m.callLog != nil {
		m.callLog.LogCall(*rec)
	}
	m.registry.Remove(rec.CallID)
}

// rebind re-keys a wake-presented call to the engine's Call-ID. The
// native slot follows the rename; state and timestamps are untouched.
func (m *Machine) rebind(rec *CallRecord, t Transition) {
	oldID := rec.CallID
	if oldID == t.CallID {
		m.updateIdentity(rec, t, true)
		return
	}
	m.logger.Info("rebinding wake call to engine call-id",
		"wake_call_id", oldID,
		"call_id", t.CallID,
	)
	m.cancelRingTimer(oldID)
	m.registry.Remove(oldID)
	rec.CallID = t.CallID
	m.registry.Upsert(rec)
	m.armRingTimer(rec.CallID)
	m.telephony.RebindCall(oldID, rec.CallID)
	m.updateIdentity(rec, t, true)
}

// updateIdentity applies display/URI fields from a transition. Wake
// payload identity never overwrites authoritative identity; engine
// identity always wins and clears the provisional flag.
func (m *Machine) updateIdentity(rec *CallRecord, t Transition, emit bool) {
	if t.Provisional && !rec.Provisional {
		return
	}
	changed := false
	if t.Display != "" && t.Display != rec.RemoteDisplay {
		rec.RemoteDisplay = t.Display
		changed = true
	}
	if t.URI != "" && t.URI != rec.RemoteURI {
		rec.RemoteURI = t.URI
		changed = true
	}
	if !t.Provisional && rec.Provisional {
		rec.Provisional = false
		changed = true
	}
	if changed && emit {
		m.logger.Debug("call identity updated", "call_id", rec.CallID, "from", rec.RemoteDisplay)
		if t.Origin != OriginNative {
			m.telephony.UpdateIdentity(rec.CallID, rec.RemoteDisplay, rec.RemoteURI)
		}
		m.emit(rec)
	}
}

// armRingTimer starts the ring timeout for a call. The timer submits
// back into the queue so the timeout is serialized like any other
// transition.
func (m *Machine) armRingTimer(callID string) {
	m.cancelRingTimer(callID)
	m.ringTimers[callID] = time.AfterFunc(m.ringTimeout, func() {
		m.Submit(Transition{Kind: kindRingTimeout, CallID: callID, Origin: originTimer})
	})
}

// cancelRingTimer stops and forgets the ring timer for a call.
func (m *Machine) cancelRingTimer(callID string) {
	if timer, ok := m.ringTimers[callID]; ok {
		timer.Stop()
		delete(m.ringTimers, callID)
	}
}

// emit publishes the record's current state on the event stream.
func (m *Machine) emit(rec *CallRecord) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(Event{
		CallID:      rec.CallID,
		Direction:   rec.Direction,
		FromDisplay: rec.RemoteDisplay,
		FromURI:     rec.RemoteURI,
		State:       rec.State,
		Reason:      rec.EndReason,
	})
}

// noop logs a transition that targeted an unknown or mismatched call.
// Late callbacks after teardown are expected and must never crash.
func (m *Machine) noop(what string, t Transition) {
	m.logger.Debug("ignoring transition for unknown or mismatched call",
		"transition", what,
		"call_id", t.CallID,
		"origin", t.Origin,
	)
}

// endReasonFor maps a teardown origin to a default end reason.
func endReasonFor(origin Origin) Reason {
	switch origin {
	case OriginEngine:
		return ReasonRemoteEnded
	case OriginNative, OriginCaller:
		return ReasonUserHangup
	default:
		return ReasonRemoteEnded
	}
}

// updateGauge refreshes the thread-safe view of the live call count for
// metrics scrapes, which run off the machine goroutine.
func (m *Machine) updateGauge() {
	var n int32
	if m.registry.Live() != nil {
		n = 1
	}
	m.liveCalls.Store(n)
}

// LiveCallCount reports whether a call is currently ringing, active or
// held. Safe to call from any goroutine.
func (m *Machine) LiveCallCount() int {
	return int(m.liveCalls.Load())
}
