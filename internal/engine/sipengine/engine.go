// Package sipengine implements the engine contract on top of the sipgo
// SIP stack: registration with digest auth, signaling for inbound and
// outbound calls, INFO DTMF and re-INVITE hold. Media transport is the
// platform's concern and is not handled here.
package sipengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/guardianvoice/gvbridge/internal/engine"
)

// Config holds the engine's local transport settings.
type Config struct {
	// ListenAddr is the local SIP listen address, e.g. "0.0.0.0:6060".
	ListenAddr string
	// UserAgent is the value of the User-Agent header.
	UserAgent string
	// Hostname overrides the UA hostname used in Contact headers.
	Hostname string
	// RegisterExpiry is the requested registration lifetime in seconds.
	RegisterExpiry int
	// MediaPort is the RTP port advertised in SDP offers and answers.
	// The media itself is handled by the platform audio stack.
	MediaPort int
}

// AccountStore persists the configured SIP account across restarts.
// Credential persistence is the engine's own concern; the bridge never
// sees the stored record.
type AccountStore interface {
	SaveAccount(ctx context.Context, acc engine.Account) error
	LoadAccount(ctx context.Context) (*engine.Account, error)
}

// call holds the dialog state for one live engine call.
type call struct {
	id        string
	direction string // "inbound" or "outbound"

	// Inbound leg: the INVITE and its server transaction, kept until
	// Accept or Terminate responds to it. localTag is the tag we place
	// in our responses.
	inviteReq *sip.Request
	inviteTx  sip.ServerTransaction
	localTag  string

	// Outbound leg: the client INVITE and its final 2xx, the material
	// for in-dialog requests (BYE, INFO, re-INVITE).
	clientReq *sip.Request
	clientRes *sip.Response

	cseq     uint32
	answered bool
	held     bool
	muted    bool
	cancel   context.CancelFunc // aborts a pending outbound INVITE
}

// Engine is the sipgo-backed SIP engine.
type Engine struct {
	cfg    Config
	store  AccountStore
	logger *slog.Logger

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	mu      sync.Mutex
	started bool
	account *engine.Account
	calls   map[string]*call
	regStop context.CancelFunc
	refresh chan struct{}

	runCtx context.Context

	callCh chan engine.CallEvent
	regCh  chan engine.RegistrationEvent
}

var _ engine.Engine = (*Engine)(nil)

// New creates a SIP engine. Call Start before issuing commands.
func New(cfg Config, store AccountStore, logger *slog.Logger) *Engine {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "gvbridge"
	}
	if cfg.RegisterExpiry <= 0 {
		cfg.RegisterExpiry = 300
	}
	if cfg.MediaPort <= 0 {
		cfg.MediaPort = 4000
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		logger:  logger.With("subsystem", "sip-engine"),
		calls:   make(map[string]*call),
		refresh: make(chan struct{}, 1),
		callCh:  make(chan engine.CallEvent, 16),
		regCh:   make(chan engine.RegistrationEvent, 8),
	}
}

// Start brings up the SIP stack and, if an account was persisted,
// resumes registration. Safe to call repeatedly; only the first call
// does work. This mirrors the push wake path, which initializes the
// engine unconditionally before presenting the call.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(e.cfg.UserAgent),
		sipgo.WithUserAgentHostname(e.cfg.Hostname),
	)
	if err != nil {
		return fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(e.logger))
	if err != nil {
		ua.Close()
		return fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(e.logger))
	if err != nil {
		srv.Close()
		ua.Close()
		return fmt.Errorf("creating sip client: %w", err)
	}

	e.ua = ua
	e.srv = srv
	e.client = client
	e.runCtx = ctx

	srv.OnInvite(e.handleInvite)
	srv.OnBye(e.handleBye)
	srv.OnCancel(e.handleCancel)
	srv.OnAck(e.handleAck)
	srv.OnOptions(e.handleOptions)

	go func() {
		e.logger.Info("sip listener starting", "addr", e.cfg.ListenAddr)
		if err := srv.ListenAndServe(ctx, "udp", e.cfg.ListenAddr); err != nil {
			e.logger.Error("sip listener stopped", "error", err)
		}
	}()

	e.started = true

	// Resume a persisted account without blocking startup.
	if e.store != nil {
		go func() {
			acc, err := e.store.LoadAccount(ctx)
			if err != nil {
				e.logger.Error("loading persisted account", "error", err)
				return
			}
			if acc == nil {
				return
			}
			if err := e.SetAccount(ctx, *acc); err != nil {
				e.logger.Error("resuming persisted account", "error", err)
			}
		}()
	}

	e.logger.Info("sip engine started")
	return nil
}

// SetAccount installs credentials, persists them and (re)starts the
// registration loop.
func (e *Engine) SetAccount(ctx context.Context, acc engine.Account) error {
	if acc.Username == "" || acc.Domain == "" {
		return fmt.Errorf("account requires username and domain")
	}
	if acc.Port == 0 {
		acc.Port = 5060
	}

	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine not started")
	}
	e.account = &acc
	if e.regStop != nil {
		e.regStop()
	}
	regCtx, cancel := context.WithCancel(e.runCtx)
	e.regStop = cancel
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.SaveAccount(ctx, acc); err != nil {
			e.logger.Error("persisting account", "error", err)
		}
	}

	go e.registrationLoop(regCtx, acc)
	return nil
}

// RefreshRegistration nudges the registration loop to re-register now.
// Called on push wake, where the OS may have suspended the process past
// the registration expiry.
func (e *Engine) RefreshRegistration() {
	select {
	case e.refresh <- struct{}{}:
	default:
	}
}

// CallEvents implements engine.Engine.
func (e *Engine) CallEvents() <-chan engine.CallEvent { return e.callCh }

// RegistrationEvents implements engine.Engine.
func (e *Engine) RegistrationEvents() <-chan engine.RegistrationEvent { return e.regCh }

// getCall returns the live call for an id.
func (e *Engine) getCall(callID string) (*call, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[callID]
	return c, ok
}

// dropCall removes a call and emits the given terminal state.
func (e *Engine) dropCall(callID string, state engine.CallState, msg string) {
	e.mu.Lock()
	c, ok := e.calls[callID]
	if ok {
		delete(e.calls, callID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	e.emitCall(engine.CallEvent{CallID: callID, State: state, Message: msg})
}

// emitCall delivers a call event without ever blocking the signaling
// path; the adapter drains promptly, so a full channel means shutdown.
func (e *Engine) emitCall(ev engine.CallEvent) {
	select {
	case e.callCh <- ev:
	default:
		e.logger.Warn("call event channel full, dropping", "call_id", ev.CallID, "state", ev.State)
	}
}

func (e *Engine) emitRegistration(state engine.RegistrationState, msg string) {
	select {
	case e.regCh <- engine.RegistrationEvent{State: state, Message: msg}:
	default:
	}
}

// handleOptions answers keepalive pings from the registrar.
func (e *Engine) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to answer options", "error", err)
	}
}
