package telephony

import (
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/guardianvoice/gvbridge/internal/bridge"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// fakeService records the platform UI calls.
type fakeService struct {
	mu        sync.Mutex
	shown     []string
	updated   []string
	connected []string
	ended     []string
	routes    []bool
	showErr   error
}

func (f *fakeService) ShowIncoming(slotID, display, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.showErr != nil {
		return f.showErr
	}
	f.shown = append(f.shown, slotID)
	return nil
}

func (f *fakeService) UpdateIdentity(slotID, display, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, display)
	return nil
}

func (f *fakeService) ReportConnected(slotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, slotID)
	return nil
}

func (f *fakeService) End(slotID string, reason bridge.Reason) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, slotID)
	return nil
}

func (f *fakeService) SetAudioRoute(slotID string, speaker bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, speaker)
	return nil
}

// recordingSubmitter captures transitions submitted to the bridge.
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

func adapters(t *testing.T, svc *fakeService, sub *recordingSubmitter) []Adapter {
	t.Helper()
	return []Adapter{
		NewProviderAdapter(svc, sub, testLogger()),
		NewConnectionAdapter(svc, sub, testLogger()),
	}
}

func TestPresentAnswerRoundTrip(t *testing.T) {
	for _, name := range []string{"provider", "connection"} {
		t.Run(name, func(t *testing.T) {
			svc := &fakeService{}
			sub := &recordingSubmitter{}
			var a Adapter
			if name == "provider" {
				a = NewProviderAdapter(svc, sub, testLogger())
			} else {
				a = NewConnectionAdapter(svc, sub, testLogger())
			}

			a.PresentIncoming("call-1", "Alice", "sip:alice@example.com")
			if len(svc.shown) != 1 {
				t.Fatalf("expected one presented slot, got %v", svc.shown)
			}

			// Duplicate presentation keeps the existing slot.
			a.PresentIncoming("call-1", "Alice", "sip:alice@example.com")
			if len(svc.shown) != 1 {
				t.Fatalf("duplicate presentation must be absorbed, got %v", svc.shown)
			}

			a.ActionAnswer(svc.shown[0])
			got := sub.all()
			if len(got) != 1 || got[0].Kind != bridge.KindAnswered || got[0].CallID != "call-1" {
				t.Fatalf("expected answered transition for call-1, got %+v", got)
			}
			if got[0].Origin != bridge.OriginNative {
				t.Errorf("answer origin = %s, want native", got[0].Origin)
			}

			a.ReportActive("call-1")
			if len(svc.connected) != 1 {
				t.Fatalf("expected ui switched to active, got %v", svc.connected)
			}
		})
	}
}

func TestDisconnectDestroysSlotAndAcks(t *testing.T) {
	for _, name := range []string{"provider", "connection"} {
		t.Run(name, func(t *testing.T) {
			svc := &fakeService{}
			sub := &recordingSubmitter{}
			var a Adapter
			if name == "provider" {
				a = NewProviderAdapter(svc, sub, testLogger())
			} else {
				a = NewConnectionAdapter(svc, sub, testLogger())
			}

			a.PresentIncoming("call-1", "Alice", "sip:alice@example.com")
			a.ReportDisconnected("call-1", bridge.ReasonRemoteEnded)

			if len(svc.ended) != 1 {
				t.Fatalf("expected ui teardown, got %v", svc.ended)
			}
			got := sub.all()
			if len(got) != 1 || got[0].Kind != bridge.KindReleaseAck || got[0].Side != bridge.SideNative {
				t.Fatalf("expected native release ack, got %+v", got)
			}

			// A second disconnect still acks but touches no UI.
			a.ReportDisconnected("call-1", bridge.ReasonRemoteEnded)
			if len(svc.ended) != 1 {
				t.Fatalf("ui must not be ended twice, got %v", svc.ended)
			}
			if got := sub.all(); len(got) != 2 {
				t.Fatalf("ack must still be submitted, got %+v", got)
			}
		})
	}
}

func TestDisconnectWithoutSlotStillAcks(t *testing.T) {
	// Outbound calls have no presented slot; the bridge still needs
	// the native ack to finish disconnection.
	svc := &fakeService{}
	sub := &recordingSubmitter{}
	for _, a := range adapters(t, svc, sub) {
		a.ReportDisconnected("never-presented", bridge.ReasonUserHangup)
	}
	got := sub.all()
	if len(got) != 2 {
		t.Fatalf("expected one ack per adapter, got %+v", got)
	}
	for _, tr := range got {
		if tr.Kind != bridge.KindReleaseAck || tr.Side != bridge.SideNative {
			t.Errorf("expected native release ack, got %+v", tr)
		}
	}
	if len(svc.ended) != 0 {
		t.Errorf("no ui to tear down, got %v", svc.ended)
	}
}

func TestPresentationFailureTearsDown(t *testing.T) {
	svc := &fakeService{showErr: errors.New("framework refused")}
	sub := &recordingSubmitter{}
	a := NewProviderAdapter(svc, sub, testLogger())

	a.PresentIncoming("call-1", "Alice", "sip:alice@example.com")

	got := sub.all()
	if len(got) != 2 {
		t.Fatalf("expected teardown transitions, got %+v", got)
	}
	if got[0].Kind != bridge.KindEnded || got[0].Reason != bridge.ReasonEngineError {
		t.Errorf("first transition = %+v, want ended/engine-error", got[0])
	}
	if got[1].Kind != bridge.KindReleaseAck || got[1].Side != bridge.SideNative {
		t.Errorf("second transition = %+v, want native release ack", got[1])
	}
}

func TestActionsOnUnknownSlotAreNoops(t *testing.T) {
	svc := &fakeService{}
	sub := &recordingSubmitter{}
	for _, a := range adapters(t, svc, sub) {
		a.ActionAnswer("ghost")
		a.ActionDecline("ghost")
		a.ActionHangup("ghost")
		a.ActionHold("ghost", true)
		a.ActionDTMF("ghost", "1")
	}
	if got := sub.all(); len(got) != 0 {
		t.Fatalf("unknown-slot actions must submit nothing, got %+v", got)
	}
}

func TestConnectionActionsAfterDestroyAreNoops(t *testing.T) {
	svc := &fakeService{}
	sub := &recordingSubmitter{}
	a := NewConnectionAdapter(svc, sub, testLogger())

	a.PresentIncoming("call-1", "Alice", "sip:alice@example.com")
	c, ok := a.Connection("call-1")
	if !ok {
		t.Fatal("expected live connection")
	}

	a.ReportDisconnected("call-1", bridge.ReasonRemoteEnded)
	before := len(sub.all())

	// The platform may still hold the dead object.
	c.Answer()
	c.Disconnect()
	c.PlayDTMF("5")
	if got := sub.all(); len(got) != before {
		t.Fatalf("destroyed connection must submit nothing, got %+v", got[before:])
	}
}

func TestDeclineAndHoldCarryFields(t *testing.T) {
	svc := &fakeService{}
	sub := &recordingSubmitter{}
	a := NewConnectionAdapter(svc, sub, testLogger())

	a.PresentIncoming("call-1", "Alice", "sip:alice@example.com")
	a.ActionDecline("call-1")
	a.ActionHold("call-1", true)
	a.ActionDTMF("call-1", "42")

	got := sub.all()
	if len(got) != 3 {
		t.Fatalf("expected three transitions, got %+v", got)
	}
	if got[0].Kind != bridge.KindDeclined || got[0].Reason != bridge.ReasonDeclined {
		t.Errorf("decline = %+v", got[0])
	}
	if got[1].Kind != bridge.KindHold || !got[1].On {
		t.Errorf("hold = %+v", got[1])
	}
	if got[2].Kind != bridge.KindDTMF || got[2].Digits != "42" {
		t.Errorf("dtmf = %+v", got[2])
	}
}

func TestNewSelectsBackend(t *testing.T) {
	svc := &fakeService{}
	sub := &recordingSubmitter{}

	if a, err := New(BackendProvider, svc, sub, testLogger()); err != nil {
		t.Fatalf("provider backend: %v", err)
	} else if _, ok := a.(*ProviderAdapter); !ok {
		t.Fatalf("expected ProviderAdapter, got %T", a)
	}

	if a, err := New(BackendConnection, svc, sub, testLogger()); err != nil {
		t.Fatalf("connection backend: %v", err)
	} else if _, ok := a.(*ConnectionAdapter); !ok {
		t.Fatalf("expected ConnectionAdapter, got %T", a)
	}

	if _, err := New("callkit2", svc, sub, testLogger()); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestRebindKeepsSlotAlive(t *testing.T) {
	for _, name := range []string{"provider", "connection"} {
		t.Run(name, func(t *testing.T) {
			svc := &fakeService{}
			sub := &recordingSubmitter{}
			var a Adapter
			if name == "provider" {
				a = NewProviderAdapter(svc, sub, testLogger())
			} else {
				a = NewConnectionAdapter(svc, sub, testLogger())
			}

			a.PresentIncoming("wake-1", "Unknown", "")
			a.RebindCall("wake-1", "sip-1")

			a.ReportActive("sip-1")
			if len(svc.connected) != 1 {
				t.Fatalf("rebound call must stay addressable, got %v", svc.connected)
			}

			a.ReportDisconnected("sip-1", bridge.ReasonRemoteEnded)
			if len(svc.ended) != 1 {
				t.Fatalf("rebound call must tear down its slot, got %v", svc.ended)
			}
		})
	}
}

func TestConnectionActionsAfterRebindUseNewID(t *testing.T) {
	svc := &fakeService{}
	sub := &recordingSubmitter{}
	a := NewConnectionAdapter(svc, sub, testLogger())

	a.PresentIncoming("wake-1", "Unknown", "")
	a.RebindCall("wake-1", "sip-1")
	a.ActionAnswer("sip-1")

	got := sub.all()
	if len(got) != 1 || got[0].CallID != "sip-1" {
		t.Fatalf("expected answer under new id, got %+v", got)
	}
}

func TestSpeakerAndIdentityForwarding(t *testing.T) {
	svc := &fakeService{}
	sub := &recordingSubmitter{}
	a := NewProviderAdapter(svc, sub, testLogger())

	a.PresentIncoming("call-1", "Unknown", "sip:anon@example.com")
	a.UpdateIdentity("call-1", "Alice Real", "sip:alice@example.com")
	a.SetSpeaker("call-1", true)

	if len(svc.updated) != 1 || svc.updated[0] != "Alice Real" {
		t.Errorf("identity update = %v", svc.updated)
	}
	if len(svc.routes) != 1 || !svc.routes[0] {
		t.Errorf("audio route = %v", svc.routes)
	}

	// Unknown calls are quiet no-ops.
	a.UpdateIdentity("ghost", "X", "sip:x@x")
	a.SetSpeaker("ghost", false)
	if len(svc.updated) != 1 || len(svc.routes) != 1 {
		t.Errorf("unknown-call forwarding must be dropped: %v %v", svc.updated, svc.routes)
	}
}
