package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/guardianvoice/gvbridge/internal/bridge"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingSubmitter captures transitions submitted to the machine.
type recordingSubmitter struct {
	mu          sync.Mutex
	transitions []bridge.Transition
}

func (r *recordingSubmitter) Submit(t bridge.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recordingSubmitter) all() []bridge.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bridge.Transition, len(r.transitions))
	copy(out, r.transitions)
	return out
}

// waitFor polls until the predicate holds or the deadline passes.
func waitFor(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// fakeEngine is a scriptable Engine double.
type fakeEngine struct {
	mu         sync.Mutex
	callCh     chan CallEvent
	regCh      chan RegistrationEvent
	terminated []string
	accepted   []string
	failWith   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		callCh: make(chan CallEvent, 8),
		regCh:  make(chan RegistrationEvent, 8),
	}
}

func (f *fakeEngine) Start(ctx context.Context) error                   { return nil }
func (f *fakeEngine) SetAccount(ctx context.Context, acc Account) error { return nil }
func (f *fakeEngine) RefreshRegistration()                              {}
func (f *fakeEngine) CallEvents() <-chan CallEvent                      { return f.callCh }
func (f *fakeEngine) RegistrationEvents() <-chan RegistrationEvent      { return f.regCh }

func (f *fakeEngine) Originate(ctx context.Context, callID, uri string) error { return f.failWith }

func (f *fakeEngine) Accept(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, callID)
	return f.failWith
}

func (f *fakeEngine) Terminate(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, callID)
	return f.failWith
}

func (f *fakeEngine) Hold(ctx context.Context, callID string, on bool) error { return f.failWith }
func (f *fakeEngine) Mute(ctx context.Context, callID string, on bool) error { return f.failWith }
func (f *fakeEngine) SendDTMF(ctx context.Context, callID, digits string) error {
	return f.failWith
}

func TestCallEventMapping(t *testing.T) {
	tests := []struct {
		name     string
		event    CallEvent
		wantKind []bridge.Kind
	}{
		{
			name:     "incoming",
			event:    CallEvent{CallID: "c1", State: CallIncoming, RemoteDisplay: "Alice"},
			wantKind: []bridge.Kind{bridge.KindNewIncoming},
		},
		{
			name:     "connected",
			event:    CallEvent{CallID: "c1", State: CallConnected},
			wantKind: []bridge.Kind{bridge.KindAnswered},
		},
		{
			name:     "paused",
			event:    CallEvent{CallID: "c1", State: CallPaused},
			wantKind: []bridge.Kind{bridge.KindHold},
		},
		{
			name:     "released implies engine release ack",
			event:    CallEvent{CallID: "c1", State: CallReleased},
			wantKind: []bridge.Kind{bridge.KindEnded, bridge.KindReleaseAck},
		},
		{
			name:     "error implies engine release ack",
			event:    CallEvent{CallID: "c1", State: CallError},
			wantKind: []bridge.Kind{bridge.KindEnded, bridge.KindReleaseAck},
		},
		{
			name:     "outgoing ringing is absorbed",
			event:    CallEvent{CallID: "c1", State: CallRinging},
			wantKind: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &recordingSubmitter{}
			a := NewAdapter(newFakeEngine(), sub, testLogger())

			a.handleCallEvent(tt.event)

			got := sub.all()
			if len(got) != len(tt.wantKind) {
				t.Fatalf("got %d transitions, want %d: %+v", len(got), len(tt.wantKind), got)
			}
			for i, kind := range tt.wantKind {
				if got[i].Kind != kind {
					t.Errorf("transition %d: got %s, want %s", i, got[i].Kind, kind)
				}
				if got[i].Origin != bridge.OriginEngine {
					t.Errorf("transition %d: origin %s, want engine", i, got[i].Origin)
				}
			}
		})
	}
}

func TestReleasedCarriesReason(t *testing.T) {
	sub := &recordingSubmitter{}
	a := NewAdapter(newFakeEngine(), sub, testLogger())

	a.handleCallEvent(CallEvent{CallID: "c1", State: CallError, Message: "io timeout"})

	got := sub.all()
	if got[0].Reason != bridge.ReasonEngineError {
		t.Fatalf("expected engine-error reason, got %s", got[0].Reason)
	}
}

func TestTerminateOnReleasedCallAcksDirectly(t *testing.T) {
	eng := newFakeEngine()
	eng.failWith = ErrUnknownCall
	sub := &recordingSubmitter{}
	a := NewAdapter(eng, sub, testLogger())

	a.Terminate("c1")

	waitFor(t, func() bool { return len(sub.all()) == 1 })
	got := sub.all()[0]
	if got.Kind != bridge.KindReleaseAck || got.Side != bridge.SideEngine {
		t.Fatalf("expected engine release ack, got %+v", got)
	}
}

func TestFailedCommandSurfacesAsTeardown(t *testing.T) {
	eng := newFakeEngine()
	eng.failWith = errors.New("transport down")
	sub := &recordingSubmitter{}
	a := NewAdapter(eng, sub, testLogger())

	a.Accept("c1")

	waitFor(t, func() bool { return len(sub.all()) == 2 })
	got := sub.all()
	if got[0].Kind != bridge.KindEnded || got[0].Reason != bridge.ReasonEngineError {
		t.Fatalf("expected engine-error teardown, got %+v", got[0])
	}
	if got[1].Kind != bridge.KindReleaseAck {
		t.Fatalf("expected release ack after failure, got %+v", got[1])
	}
}

func TestCommandAgainstReleasedCallIsNoop(t *testing.T) {
	eng := newFakeEngine()
	eng.failWith = ErrUnknownCall
	sub := &recordingSubmitter{}
	a := NewAdapter(eng, sub, testLogger())

	a.Accept("gone")
	a.SendDTMF("gone", "1")

	// Give the command goroutines time to run; no transitions may appear.
	time.Sleep(50 * time.Millisecond)
	if got := sub.all(); len(got) != 0 {
		t.Fatalf("expected no transitions for released call, got %+v", got)
	}
}

func TestRegistrationStateTracked(t *testing.T) {
	eng := newFakeEngine()
	sub := &recordingSubmitter{}
	a := NewAdapter(eng, sub, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	eng.regCh <- RegistrationEvent{State: RegistrationOK}
	waitFor(t, func() bool { return a.RegistrationState() == RegistrationOK })

	eng.regCh <- RegistrationEvent{State: RegistrationFailed, Message: "403"}
	waitFor(t, func() bool { return a.RegistrationState() == RegistrationFailed })

	// Registration changes are logged, never turned into call transitions.
	if got := sub.all(); len(got) != 0 {
		t.Fatalf("registration events must not produce transitions, got %+v", got)
	}
}
