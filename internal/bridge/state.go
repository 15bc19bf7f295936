package bridge

// State is the lifecycle state of a call as tracked by the bridge.
type State string

const (
	StatePending       State = "pending"
	StateRinging       State = "ringing"
	StateActive        State = "active"
	StateHeld          State = "held"
	StateDisconnecting State = "disconnecting"
	StateTerminated    State = "terminated"
)

// Live reports whether the state counts against the single-active-call
// limit. At most one call may be ringing, active or held at a time.
func (s State) Live() bool {
	return s == StateRinging || s == StateActive || s == StateHeld
}

// Direction indicates who initiated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Reason describes why a call reached a terminal state.
type Reason string

const (
	ReasonRemoteEnded    Reason = "remote-ended"
	ReasonUserHangup     Reason = "user-hangup"
	ReasonDeclined       Reason = "declined"
	ReasonRejected       Reason = "rejected"
	ReasonRingTimeout    Reason = "ring-timeout"
	ReasonEngineError    Reason = "engine-error"
	ReasonCallInProgress Reason = "call-in-progress"
)

// Origin identifies which subsystem submitted a transition. The machine
// mirrors each transition as a command to the adapters that did NOT
// originate it, so the two sides stay in lockstep without echo loops.
type Origin string

const (
	OriginCaller Origin = "caller" // external command surface
	OriginWake   Origin = "wake"   // push wake handler
	OriginNative Origin = "native" // OS telephony framework
	OriginEngine Origin = "engine" // SIP engine
	originTimer  Origin = "timer"  // internal ring timeout
)

// Side names one of the two resource-owning adapters for release tracking.
type Side string

const (
	SideNative Side = "native"
	SideEngine Side = "engine"
)

// Event is one record on the external call-event stream.
type Event struct {
	CallID      string    `json:"call_id"`
	Direction   Direction `json:"direction"`
	FromDisplay string    `json:"from_display"`
	FromURI     string    `json:"from_uri"`
	State       State     `json:"bridge_state"`
	Reason      Reason    `json:"reason,omitempty"`
}
