package bridge

import (
	"log/slog"
	"sync"
)

// Emitter delivers call events to the external caller as a cooperative
// single-subscriber stream. A newly attaching listener does not receive
// history; the one exception is a terminal event that fired while no
// listener was attached, which is held and delivered once so a call
// ending during a UI detach is not lost.
type Emitter struct {
	mu      sync.Mutex
	sub     chan Event
	pending *Event // terminal event buffered while detached
	logger  *slog.Logger
}

// subscriberBuffer bounds how far the subscriber may lag before events
// are dropped. The emitter must never block the machine loop.
const subscriberBuffer = 32

// NewEmitter creates an event emitter with no subscriber attached.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{logger: logger.With("subsystem", "events")}
}

// Attach registers the subscriber and returns its event channel. Any
// previous subscriber is detached first. If a terminal event was
// buffered while detached, it is delivered immediately.
func (e *Emitter) Attach() <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sub != nil {
		close(e.sub)
	}
	e.sub = make(chan Event, subscriberBuffer)

	if e.pending != nil {
		e.sub <- *e.pending
		e.pending = nil
	}
	return e.sub
}

// Detach closes ch's subscription if it is still the attached one. A
// displaced subscriber detaching late must not tear down its
// replacement.
func (e *Emitter) Detach(ch <-chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sub != nil && (<-chan Event)(e.sub) == ch {
		close(e.sub)
		e.sub = nil
	}
}

// Emit publishes an event. Within one call's lifetime events are
// delivered strictly in emission order. With no subscriber attached,
// non-terminal events are dropped and the most recent terminal event is
// buffered for the next attach.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sub == nil {
		if ev.State == StateTerminated {
			e.pending = &ev
		}
		return
	}

	select {
	case e.sub <- ev:
	default:
		e.logger.Warn("subscriber lagging, dropping event",
			"call_id", ev.CallID,
			"state", ev.State,
		)
	}
}
