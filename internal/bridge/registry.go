package bridge

import "time"

// CallRecord holds the bridge's view of one logical call. The native
// telephony object and the engine call object are owned exclusively by
// their adapters; the record carries only the call_id they are keyed by.
type CallRecord struct {
	CallID        string
	Direction     Direction
	RemoteDisplay string
	RemoteURI     string
	State         State
	EndReason     Reason

	// Provisional marks identity taken from an untrusted wake payload.
	// The engine's INVITE may later supply the authoritative identity,
	// which overwrites these fields without resetting call state.
	Provisional bool

	StartTime  time.Time
	AnswerTime *time.Time
	EndTime    *time.Time

	nativeReleased bool
	engineReleased bool
}

// released reports whether both adapters have acknowledged release of
// their handles. Only then may the record leave the registry.
func (r *CallRecord) released() bool {
	return r.nativeReleased && r.engineReleased
}

// Registry is the process-wide table of call records, keyed by call_id.
// It is a pure keyed store with no validation logic and no locking: all
// mutation goes through the state machine's single-writer loop.
type Registry struct {
	calls map[string]*CallRecord
}

// NewRegistry creates an empty call registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*CallRecord)}
}

// Upsert inserts or replaces the record for its call_id and returns it.
func (g *Registry) Upsert(rec *CallRecord) *CallRecord {
	g.calls[rec.CallID] = rec
	return rec
}

// Get returns the record for a call_id, or nil if absent.
func (g *Registry) Get(callID string) *CallRecord {
	return g.calls[callID]
}

// Remove deletes the record for a call_id.
func (g *Registry) Remove(callID string) {
	delete(g.calls, callID)
}

// Live returns the record currently in a ringing, active or held state,
// or nil if no such call exists. The single-active-call invariant
// guarantees there is at most one.
func (g *Registry) Live() *CallRecord {
	for _, rec := range g.calls {
		if rec.State.Live() {
			return rec
		}
	}
	return nil
}

// Len returns the number of records in the registry.
func (g *Registry) Len() int {
	return len(g.calls)
}
