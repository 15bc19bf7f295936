package wake

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/guardianvoice/gvbridge/internal/bridge"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type fakeEngine struct {
	mu        sync.Mutex
	starts    int
	refreshes int
	startErr  error
}

func (f *fakeEngine) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeEngine) RefreshRegistration() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
}

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

func TestWakePresentsProvisionalCall(t *testing.T) {
	eng := &fakeEngine{}
	sub := &recordingSubmitter{}
	h := NewHandler(eng, sub, testLogger())

	err := h.Handle(context.Background(), Payload{
		Type:        PayloadTypeIncomingCall,
		CallID:      "c1",
		FromDisplay: "Alice",
		FromURI:     "sip:alice@example.com",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if eng.starts != 1 || eng.refreshes != 1 {
		t.Fatalf("engine must be started and refreshed before presentation: starts=%d refreshes=%d",
			eng.starts, eng.refreshes)
	}

	got := sub.all()
	if len(got) != 1 {
		t.Fatalf("expected one transition, got %+v", got)
	}
	tr := got[0]
	if tr.Kind != bridge.KindNewIncoming || tr.CallID != "c1" || !tr.Provisional {
		t.Fatalf("expected provisional new-incoming, got %+v", tr)
	}
	if tr.Origin != bridge.OriginWake {
		t.Errorf("origin = %s, want wake", tr.Origin)
	}
	if tr.Display != "Alice" || tr.URI != "sip:alice@example.com" {
		t.Errorf("identity not carried: %+v", tr)
	}
}

func TestWakeSynthesizesMissingCallID(t *testing.T) {
	eng := &fakeEngine{}
	sub := &recordingSubmitter{}
	h := NewHandler(eng, sub, testLogger())

	if err := h.Handle(context.Background(), Payload{Type: PayloadTypeIncomingCall}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := sub.all()
	if len(got) != 1 {
		t.Fatalf("expected one transition, got %+v", got)
	}
	if !strings.HasPrefix(got[0].CallID, "wake-") || len(got[0].CallID) < 10 {
		t.Fatalf("expected synthesized call_id, got %q", got[0].CallID)
	}
}

func TestWakeIgnoresOtherPayloadTypes(t *testing.T) {
	eng := &fakeEngine{}
	sub := &recordingSubmitter{}
	h := NewHandler(eng, sub, testLogger())

	err := h.Handle(context.Background(), Payload{Type: "message_waiting"})
	if !errors.Is(err, ErrUnrecognizedPayload) {
		t.Fatalf("expected ErrUnrecognizedPayload, got %v", err)
	}
	if eng.starts != 0 {
		t.Errorf("non-call payload must not start the engine")
	}
	if got := sub.all(); len(got) != 0 {
		t.Errorf("non-call payload must present nothing, got %+v", got)
	}
}

func TestWakePresentsDespiteEngineStartFailure(t *testing.T) {
	eng := &fakeEngine{startErr: errors.New("no network")}
	sub := &recordingSubmitter{}
	h := NewHandler(eng, sub, testLogger())

	if err := h.Handle(context.Background(), Payload{Type: PayloadTypeIncomingCall, CallID: "c1"}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := sub.all(); len(got) != 1 {
		t.Fatalf("call must be presented even when the engine fails to start, got %+v", got)
	}
}

func TestHandleRaw(t *testing.T) {
	eng := &fakeEngine{}
	sub := &recordingSubmitter{}
	h := NewHandler(eng, sub, testLogger())

	body := []byte(`{"type":"incoming_call","call_id":"c9","from_display":"Bob","from_uri":"sip:bob@x"}`)
	if err := h.HandleRaw(context.Background(), body); err != nil {
		t.Fatalf("HandleRaw: %v", err)
	}
	got := sub.all()
	if len(got) != 1 || got[0].CallID != "c9" || got[0].Display != "Bob" {
		t.Fatalf("unexpected transitions %+v", got)
	}

	if err := h.HandleRaw(context.Background(), []byte("{not json")); err == nil {
		t.Fatal("expected decode error")
	}
}
