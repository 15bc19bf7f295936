package sipengine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/guardianvoice/gvbridge/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return New(Config{ListenAddr: "127.0.0.1:0"}, nil, testLogger())
}

func TestResolveTarget(t *testing.T) {
	e := newTestEngine(t)
	acc := engine.Account{Username: "alice", Domain: "sip.example.com", Port: 5060}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "bare number dials through account domain",
			input: "5551234",
			want:  "sip:5551234@sip.example.com:5060",
		},
		{
			name:  "user at host gets sip scheme",
			input: "bob@other.example.org",
			want:  "sip:bob@other.example.org",
		},
		{
			name:  "full uri passes through",
			input: "sip:carol@pbx.example.net:5080",
			want:  "sip:carol@pbx.example.net:5080",
		},
		{
			name:    "garbage is rejected",
			input:   "sip:@@:::",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.resolveTarget(tt.input, acc)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("resolveTarget(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveTarget(%q): %v", tt.input, err)
			}
			if got.String() != tt.want {
				t.Errorf("resolveTarget(%q) = %q, want %q", tt.input, got.String(), tt.want)
			}
		})
	}
}

func TestBuildSDPDirection(t *testing.T) {
	active := string(buildSDP("10.0.0.5", 4000, false))
	if !strings.Contains(active, "a=sendrecv") {
		t.Errorf("active sdp missing sendrecv:\n%s", active)
	}
	if !strings.Contains(active, "m=audio 4000 RTP/AVP 0 8 101") {
		t.Errorf("active sdp missing audio line:\n%s", active)
	}
	if !strings.Contains(active, "c=IN IP4 10.0.0.5") {
		t.Errorf("active sdp missing connection line:\n%s", active)
	}

	hold := string(buildSDP("10.0.0.5", 4000, true))
	if !strings.Contains(hold, "a=sendonly") {
		t.Errorf("hold sdp missing sendonly:\n%s", hold)
	}
}

func TestParseContactExpires(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"expires param", "<sip:alice@10.0.0.5>;expires=3600", 3600},
		{"expires param uppercase", "<sip:alice@10.0.0.5>;EXPIRES=120", 120},
		{"trailing params", "<sip:alice@10.0.0.5>;expires=60;q=0.5", 60},
		{"no expires", "<sip:alice@10.0.0.5>", 0},
		{"malformed value", "<sip:alice@10.0.0.5>;expires=soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseContactExpires(tt.value); got != tt.want {
				t.Errorf("parseContactExpires(%q) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}
}

func TestParseExpiresHeader(t *testing.T) {
	if got := parseExpiresHeader(" 300 "); got != 300 {
		t.Errorf("parseExpiresHeader = %d, want 300", got)
	}
	if got := parseExpiresHeader("never"); got != 0 {
		t.Errorf("parseExpiresHeader on garbage = %d, want 0", got)
	}
}

func TestBackoff(t *testing.T) {
	b := newBackoff()

	first := b.next()
	if first < 4*time.Second || first > 6*time.Second {
		t.Errorf("first delay %v outside jittered base range", first)
	}

	var prev time.Duration
	for i := 0; i < 10; i++ {
		prev = b.next()
	}
	if prev > 6*time.Minute {
		t.Errorf("delay %v exceeds max with jitter", prev)
	}

	b.reset()
	if b.attempt != 0 {
		t.Errorf("attempt = %d after reset, want 0", b.attempt)
	}
}

func TestCommandsOnUnknownCall(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Accept(ctx, "nope"); !errors.Is(err, engine.ErrUnknownCall) {
		t.Errorf("Accept: got %v, want ErrUnknownCall", err)
	}
	if err := e.Terminate(ctx, "nope"); !errors.Is(err, engine.ErrUnknownCall) {
		t.Errorf("Terminate: got %v, want ErrUnknownCall", err)
	}
	if err := e.Hold(ctx, "nope", true); !errors.Is(err, engine.ErrUnknownCall) {
		t.Errorf("Hold: got %v, want ErrUnknownCall", err)
	}
	if err := e.Mute(ctx, "nope", true); !errors.Is(err, engine.ErrUnknownCall) {
		t.Errorf("Mute: got %v, want ErrUnknownCall", err)
	}
	if err := e.SendDTMF(ctx, "nope", "1"); !errors.Is(err, engine.ErrUnknownCall) {
		t.Errorf("SendDTMF: got %v, want ErrUnknownCall", err)
	}
}

func TestOriginateRequiresAccount(t *testing.T) {
	e := newTestEngine(t)
	e.started = true
	e.runCtx = context.Background()

	err := e.Originate(context.Background(), "call-1", "5551234")
	if err == nil || !strings.Contains(err.Error(), "no sip account") {
		t.Errorf("Originate without account: got %v", err)
	}
}

func inboundInvite(t *testing.T, callID string) *sip.Request {
	t.Helper()
	var recipient sip.Uri
	if err := sip.ParseUri("sip:alice@10.0.0.5:5060", &recipient); err != nil {
		t.Fatalf("parsing recipient: %v", err)
	}
	req := sip.NewRequest(sip.INVITE, recipient)

	var caller sip.Uri
	if err := sip.ParseUri("sip:bob@sip.example.com", &caller); err != nil {
		t.Fatalf("parsing caller: %v", err)
	}
	from := &sip.FromHeader{DisplayName: "Bob", Address: caller, Params: sip.NewParams()}
	from.Params.Add("tag", "remote-tag-1")
	req.AppendHeader(from)

	var callee sip.Uri
	if err := sip.ParseUri("sip:alice@10.0.0.5", &callee); err != nil {
		t.Fatalf("parsing callee: %v", err)
	}
	req.AppendHeader(&sip.ToHeader{Address: callee, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: caller})
	return req
}

func TestInDialogByeForInboundCall(t *testing.T) {
	e := newTestEngine(t)

	c := &call{
		id:        "call-bye",
		direction: "inbound",
		inviteReq: inboundInvite(t, "call-bye"),
		localTag:  "local-tag-9",
		cseq:      1,
		answered:  true,
	}

	bye, err := e.buildInDialogRequest(sip.BYE, c, nil)
	if err != nil {
		t.Fatalf("buildInDialogRequest: %v", err)
	}

	if bye.Method != sip.BYE {
		t.Errorf("method = %s, want BYE", bye.Method)
	}
	if got := bye.CallID().Value(); got != "call-bye" {
		t.Errorf("call-id = %q, want call-bye", got)
	}

	// As callee, our tag goes in From and the caller's tag in To.
	from := bye.From()
	if from == nil {
		t.Fatal("bye has no From header")
	}
	if tag, _ := from.Params.Get("tag"); tag != "local-tag-9" {
		t.Errorf("from tag = %q, want local-tag-9", tag)
	}
	to := bye.To()
	if to == nil {
		t.Fatal("bye has no To header")
	}
	if tag, _ := to.Params.Get("tag"); tag != "remote-tag-1" {
		t.Errorf("to tag = %q, want remote-tag-1", tag)
	}

	if cseq := bye.CSeq(); cseq == nil || cseq.SeqNo != 2 {
		t.Errorf("cseq = %+v, want seq 2", cseq)
	}

	// CSeq keeps climbing across in-dialog requests.
	info, err := e.buildInDialogRequest(sip.INFO, c, []byte("Signal=1\r\n"))
	if err != nil {
		t.Fatalf("buildInDialogRequest: %v", err)
	}
	if cseq := info.CSeq(); cseq == nil || cseq.SeqNo != 3 {
		t.Errorf("second cseq = %+v, want seq 3", cseq)
	}
}

func TestBuildACKFor2xxUsesContactTarget(t *testing.T) {
	var target sip.Uri
	if err := sip.ParseUri("sip:5551234@sip.example.com:5060", &target); err != nil {
		t.Fatalf("parsing target: %v", err)
	}
	req := sip.NewRequest(sip.INVITE, target)

	var local sip.Uri
	if err := sip.ParseUri("sip:alice@sip.example.com", &local); err != nil {
		t.Fatalf("parsing local uri: %v", err)
	}
	from := &sip.FromHeader{Address: local, Params: sip.NewParams()}
	from.Params.Add("tag", "out-tag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	callIDHdr := sip.CallIDHeader("ack-test")
	req.AppendHeader(&callIDHdr)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if to := res.To(); to != nil {
		to.Params.Add("tag", "answer-tag")
	}
	var contact sip.Uri
	if err := sip.ParseUri("sip:5551234@192.0.2.10:5062", &contact); err != nil {
		t.Fatalf("parsing contact: %v", err)
	}
	res.AppendHeader(&sip.ContactHeader{Address: contact})

	ack := buildACKFor2xx(req, res)

	if ack.Method != sip.ACK {
		t.Errorf("method = %s, want ACK", ack.Method)
	}
	if ack.Recipient.Host != "192.0.2.10" || ack.Recipient.Port != 5062 {
		t.Errorf("request-uri = %s, want contact target", ack.Recipient.String())
	}
	if cseq := ack.CSeq(); cseq == nil || cseq.SeqNo != 7 || cseq.MethodName != sip.ACK {
		t.Errorf("cseq = %+v, want 7 ACK", cseq)
	}
	if to := ack.To(); to == nil {
		t.Error("ack missing To header")
	} else if tag, _ := to.Params.Get("tag"); tag != "answer-tag" {
		t.Errorf("ack to tag = %q, want answer-tag", tag)
	}
}

func TestAccountTransport(t *testing.T) {
	if got := (engine.Account{}).Transport(); got != "UDP" {
		t.Errorf("default transport = %q, want UDP", got)
	}
	if got := (engine.Account{TLS: true}).Transport(); got != "TLS" {
		t.Errorf("tls transport = %q, want TLS", got)
	}
}
