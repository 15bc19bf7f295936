package sipengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/guardianvoice/gvbridge/internal/engine"
)

// handleInvite processes an inbound INVITE. A To tag marks a re-INVITE
// on an established dialog (hold or resume from the remote side); a
// fresh INVITE becomes a new incoming call.
func (e *Engine) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()

	if to := req.To(); to != nil {
		if _, hasTag := to.Params.Get("tag"); hasTag {
			e.handleReinvite(callID, req, tx)
			return
		}
	}

	e.mu.Lock()
	if _, exists := e.calls[callID]; exists {
		e.mu.Unlock()
		// Retransmission of an INVITE we are already ringing on.
		return
	}
	c := &call{
		id:        callID,
		direction: "inbound",
		inviteReq: req,
		inviteTx:  tx,
		localTag:  sip.GenerateTagN(16),
		cseq:      req.CSeq().SeqNo,
	}
	e.calls[callID] = c
	e.mu.Unlock()

	var display, uri string
	if from := req.From(); from != nil {
		display = from.DisplayName
		uri = from.Address.String()
	}

	e.logger.Info("incoming call",
		"call_id", callID,
		"from", uri,
		"display", display,
	)

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		e.logger.Error("failed to send trying", "call_id", callID, "error", err)
	}

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if to := ringing.To(); to != nil {
		to.Params.Add("tag", c.localTag)
	}
	if err := tx.Respond(ringing); err != nil {
		e.logger.Error("failed to send ringing", "call_id", callID, "error", err)
	}

	e.emitCall(engine.CallEvent{
		CallID:        callID,
		State:         engine.CallIncoming,
		RemoteDisplay: display,
		RemoteURI:     uri,
	})

	// Watch for the transaction dying before Accept or Terminate gets
	// to it (network loss, remote CANCEL handled by the stack).
	go func() {
		<-tx.Done()
		if c, ok := e.getCall(callID); ok && !c.answered {
			e.dropCall(callID, engine.CallReleased, "invite transaction terminated")
		}
	}()
}

// handleReinvite answers a re-INVITE on an established dialog. A body
// with sendonly or inactive means the remote party put us on hold.
func (e *Engine) handleReinvite(callID string, req *sip.Request, tx sip.ServerTransaction) {
	c, ok := e.getCall(callID)
	if !ok {
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			e.logger.Error("failed to reject re-invite", "call_id", callID, "error", err)
		}
		return
	}

	body := string(req.Body())
	remoteHold := strings.Contains(body, "a=sendonly") || strings.Contains(body, "a=inactive")

	answer := buildSDP(e.ua.Hostname(), e.cfg.MediaPort, remoteHold)
	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to answer re-invite", "call_id", callID, "error", err)
		return
	}

	state := engine.CallResumed
	if remoteHold {
		state = engine.CallPaused
	}
	e.logger.Info("re-invite handled", "call_id", c.id, "hold", remoteHold)
	e.emitCall(engine.CallEvent{CallID: callID, State: state})
}

// handleBye tears down an established call on the remote party's BYE.
func (e *Engine) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to answer bye", "call_id", callID, "error", err)
	}

	if _, ok := e.getCall(callID); !ok {
		return
	}
	e.logger.Info("remote hangup", "call_id", callID)
	e.dropCall(callID, engine.CallReleased, "remote bye")
}

// handleCancel aborts a ringing inbound call.
func (e *Engine) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to answer cancel", "call_id", callID, "error", err)
	}

	c, ok := e.getCall(callID)
	if !ok || c.answered {
		return
	}

	terminated := sip.NewResponseFromRequest(c.inviteReq, 487, "Request Terminated", nil)
	if to := terminated.To(); to != nil {
		to.Params.Add("tag", c.localTag)
	}
	if err := c.inviteTx.Respond(terminated); err != nil {
		e.logger.Error("failed to send request terminated", "call_id", callID, "error", err)
	}

	e.logger.Info("caller canceled", "call_id", callID)
	e.dropCall(callID, engine.CallReleased, "remote cancel")
}

// handleAck confirms an answered inbound call.
func (e *Engine) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	c, ok := e.getCall(callID)
	if !ok || c.direction != "inbound" || !c.answered {
		return
	}
	e.emitCall(engine.CallEvent{CallID: callID, State: engine.CallConnected})
}

// Accept answers a ringing inbound call with 200 OK.
func (e *Engine) Accept(ctx context.Context, callID string) error {
	c, ok := e.getCall(callID)
	if !ok {
		return engine.ErrUnknownCall
	}
	if c.direction != "inbound" || c.inviteTx == nil {
		return fmt.Errorf("call %s is not an unanswered inbound call", callID)
	}
	if c.answered {
		return nil
	}

	answer := buildSDP(e.ua.Hostname(), e.cfg.MediaPort, false)
	res := sip.NewResponseFromRequest(c.inviteReq, 200, "OK", answer)
	if to := res.To(); to != nil {
		to.Params.Add("tag", c.localTag)
	}
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	contactURI := fmt.Sprintf("<sip:gvbridge@%s>", e.ua.Hostname())
	res.AppendHeader(sip.NewHeader("Contact", contactURI))

	if err := c.inviteTx.Respond(res); err != nil {
		return fmt.Errorf("answering call %s: %w", callID, err)
	}

	e.mu.Lock()
	c.answered = true
	e.mu.Unlock()

	e.logger.Info("call answered", "call_id", callID)
	return nil
}

// Terminate ends a call in whatever state it is in: decline for a
// ringing inbound call, cancel for a pending outbound one, BYE for an
// established dialog.
func (e *Engine) Terminate(ctx context.Context, callID string) error {
	c, ok := e.getCall(callID)
	if !ok {
		return engine.ErrUnknownCall
	}

	switch {
	case c.direction == "inbound" && !c.answered:
		busy := sip.NewResponseFromRequest(c.inviteReq, 486, "Busy Here", nil)
		if to := busy.To(); to != nil {
			to.Params.Add("tag", c.localTag)
		}
		if err := c.inviteTx.Respond(busy); err != nil {
			return fmt.Errorf("declining call %s: %w", callID, err)
		}
		e.logger.Info("call declined", "call_id", callID)
		e.dropCall(callID, engine.CallReleased, "declined")
		return nil

	case c.direction == "outbound" && !c.answered:
		// Aborting the pending INVITE makes the originate goroutine
		// send CANCEL and emit the release.
		if c.cancel != nil {
			c.cancel()
		}
		e.logger.Info("outbound call aborted", "call_id", callID)
		return nil

	default:
		bye, err := e.buildInDialogRequest(sip.BYE, c, nil)
		if err != nil {
			return fmt.Errorf("building bye for call %s: %w", callID, err)
		}
		tx, err := e.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
		if err != nil {
			return fmt.Errorf("sending bye for call %s: %w", callID, err)
		}
		res, err := getResponse(ctx, tx)
		tx.Terminate()
		if err != nil {
			e.logger.Warn("no response to bye", "call_id", callID, "error", err)
		} else if res.StatusCode != 200 {
			e.logger.Warn("bye rejected", "call_id", callID, "status", res.StatusCode)
		}
		e.logger.Info("call hung up", "call_id", callID)
		e.dropCall(callID, engine.CallReleased, "local bye")
		return nil
	}
}

// Originate places an outbound call to uri using the configured
// account. The INVITE transaction runs on its own goroutine; progress
// arrives on the call event channel.
func (e *Engine) Originate(ctx context.Context, callID, uri string) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine not started")
	}
	acc := e.account
	if acc == nil {
		e.mu.Unlock()
		return fmt.Errorf("no sip account configured")
	}
	if _, exists := e.calls[callID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("call %s already exists", callID)
	}

	callCtx, cancel := context.WithCancel(e.runCtx)
	c := &call{
		id:        callID,
		direction: "outbound",
		cancel:    cancel,
	}
	e.calls[callID] = c
	e.mu.Unlock()

	target, err := e.resolveTarget(uri, *acc)
	if err != nil {
		cancel()
		e.mu.Lock()
		delete(e.calls, callID)
		e.mu.Unlock()
		return err
	}

	go e.runOutboundInvite(callCtx, c, target, *acc)
	return nil
}

// resolveTarget turns a dial string into a full SIP URI against the
// account's domain when no domain is given.
func (e *Engine) resolveTarget(uri string, acc engine.Account) (sip.Uri, error) {
	s := uri
	if !strings.HasPrefix(s, "sip:") && !strings.HasPrefix(s, "sips:") {
		if strings.Contains(s, "@") {
			s = "sip:" + s
		} else {
			s = fmt.Sprintf("sip:%s@%s:%d", s, acc.Domain, acc.Port)
		}
	}
	var target sip.Uri
	if err := sip.ParseUri(s, &target); err != nil {
		return sip.Uri{}, fmt.Errorf("parsing call target %q: %w", uri, err)
	}
	return target, nil
}

// runOutboundInvite drives one outbound INVITE to its final state,
// handling the digest challenge once and emitting progress events.
func (e *Engine) runOutboundInvite(ctx context.Context, c *call, target sip.Uri, acc engine.Account) {
	req := sip.NewRequest(sip.INVITE, target)
	req.SetTransport(acc.Transport())
	req.AppendHeader(sip.NewHeader("Call-ID", c.id))

	from := fmt.Sprintf("<sip:%s@%s>;tag=%s", acc.Username, acc.Domain, sip.GenerateTagN(16))
	req.AppendHeader(sip.NewHeader("From", from))

	contactURI := fmt.Sprintf("<sip:%s@%s>", acc.Username, e.ua.Hostname())
	req.AppendHeader(sip.NewHeader("Contact", contactURI))

	offer := buildSDP(e.ua.Hostname(), e.cfg.MediaPort, false)
	req.SetBody(offer)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	e.logger.Info("placing call", "call_id", c.id, "target", target.String())

	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		e.dropCall(c.id, engine.CallError, fmt.Sprintf("sending invite: %v", err))
		return
	}

	authRetried := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			e.dropCall(c.id, engine.CallReleased, "canceled")
			return
		case <-tx.Done():
			tx.Terminate()
			if txErr := tx.Err(); txErr != nil {
				e.dropCall(c.id, engine.CallError, fmt.Sprintf("invite transaction: %v", txErr))
			} else {
				e.dropCall(c.id, engine.CallError, "invite transaction ended without final response")
			}
			return
		case res = <-tx.Responses():
		}

		e.logger.Debug("outbound response",
			"call_id", c.id,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			e.emitCall(engine.CallEvent{CallID: c.id, State: engine.CallRinging})

		case res.StatusCode == 401 || res.StatusCode == 407:
			tx.Terminate()
			if authRetried {
				e.dropCall(c.id, engine.CallError, "authentication rejected")
				return
			}
			authRetried = true

			authReq, err := e.authorize(req, res, acc, target.String())
			if err != nil {
				e.dropCall(c.id, engine.CallError, err.Error())
				return
			}
			req = authReq
			tx, err = e.client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				e.dropCall(c.id, engine.CallError, fmt.Sprintf("sending authenticated invite: %v", err))
				return
			}

		case res.StatusCode >= 200 && res.StatusCode < 300:
			ack := buildACKFor2xx(req, res)
			if err := e.client.WriteRequest(ack); err != nil {
				tx.Terminate()
				e.dropCall(c.id, engine.CallError, fmt.Sprintf("sending ack: %v", err))
				return
			}
			tx.Terminate()

			e.mu.Lock()
			c.clientReq = req
			c.clientRes = res
			c.answered = true
			c.cseq = req.CSeq().SeqNo
			e.mu.Unlock()

			e.logger.Info("outbound call answered", "call_id", c.id)
			e.emitCall(engine.CallEvent{CallID: c.id, State: engine.CallConnected})
			return

		case res.StatusCode >= 300:
			tx.Terminate()
			e.logger.Info("outbound call failed",
				"call_id", c.id,
				"status", res.StatusCode,
				"reason", res.Reason,
			)
			e.dropCall(c.id, engine.CallReleased,
				fmt.Sprintf("%d %s", res.StatusCode, res.Reason))
			return
		}
	}
}

// Hold sends a re-INVITE switching the media direction, then reports
// the new state.
func (e *Engine) Hold(ctx context.Context, callID string, on bool) error {
	c, ok := e.getCall(callID)
	if !ok {
		return engine.ErrUnknownCall
	}
	if !c.answered {
		return fmt.Errorf("call %s is not established", callID)
	}
	if c.held == on {
		return nil
	}

	body := buildSDP(e.ua.Hostname(), e.cfg.MediaPort, on)
	reinvite, err := e.buildInDialogRequest(sip.INVITE, c, body)
	if err != nil {
		return fmt.Errorf("building re-invite for call %s: %w", callID, err)
	}
	reinvite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	tx, err := e.client.TransactionRequest(ctx, reinvite, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending re-invite for call %s: %w", callID, err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for re-invite response: %w", err)
	}
	if res.StatusCode != 200 {
		return fmt.Errorf("re-invite rejected with status %d %s", res.StatusCode, res.Reason)
	}

	ack := buildACKFor2xx(reinvite, res)
	if err := e.client.WriteRequest(ack); err != nil {
		e.logger.Error("failed to ack re-invite", "call_id", callID, "error", err)
	}

	e.mu.Lock()
	c.held = on
	e.mu.Unlock()

	state := engine.CallResumed
	if on {
		state = engine.CallPaused
	}
	e.logger.Info("hold state changed", "call_id", callID, "hold", on)
	e.emitCall(engine.CallEvent{CallID: callID, State: state})
	return nil
}

// Mute toggles the local microphone flag. Capture runs in the platform
// audio stack, so no signaling is involved.
func (e *Engine) Mute(ctx context.Context, callID string, on bool) error {
	c, ok := e.getCall(callID)
	if !ok {
		return engine.ErrUnknownCall
	}
	e.mu.Lock()
	c.muted = on
	e.mu.Unlock()
	e.logger.Debug("mute state changed", "call_id", callID, "muted", on)
	return nil
}

// SendDTMF sends each digit as an INFO request with a dtmf-relay body.
func (e *Engine) SendDTMF(ctx context.Context, callID, digits string) error {
	c, ok := e.getCall(callID)
	if !ok {
		return engine.ErrUnknownCall
	}
	if !c.answered {
		return fmt.Errorf("call %s is not established", callID)
	}

	for _, d := range digits {
		info, err := e.buildInDialogRequest(sip.INFO, c, []byte(
			fmt.Sprintf("Signal=%c\r\nDuration=160\r\n", d),
		))
		if err != nil {
			return fmt.Errorf("building info for call %s: %w", callID, err)
		}
		info.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))

		tx, err := e.client.TransactionRequest(ctx, info, sipgo.ClientRequestBuild)
		if err != nil {
			return fmt.Errorf("sending dtmf for call %s: %w", callID, err)
		}
		res, err := getResponse(ctx, tx)
		tx.Terminate()
		if err != nil {
			return fmt.Errorf("waiting for dtmf response: %w", err)
		}
		if res.StatusCode != 200 {
			return fmt.Errorf("dtmf rejected with status %d %s", res.StatusCode, res.Reason)
		}
	}

	e.logger.Debug("dtmf sent", "call_id", callID, "digits", len(digits))
	return nil
}

// buildInDialogRequest constructs a new request inside an established
// dialog, deriving the route set and tags from the stored INVITE leg.
func (e *Engine) buildInDialogRequest(method sip.RequestMethod, c *call, body []byte) (*sip.Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var req *sip.Request
	switch c.direction {
	case "outbound":
		if c.clientReq == nil || c.clientRes == nil {
			return nil, fmt.Errorf("dialog for call %s not established", c.id)
		}
		recipient := &c.clientReq.Recipient
		if contact := c.clientRes.Contact(); contact != nil {
			recipient = &contact.Address
		}
		req = sip.NewRequest(method, *recipient.Clone())
		if h := c.clientReq.From(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
		if h := c.clientRes.To(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
		if h := c.clientReq.CallID(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
		req.SetTransport(c.clientReq.Transport())

	case "inbound":
		if c.inviteReq == nil {
			return nil, fmt.Errorf("dialog for call %s not established", c.id)
		}
		recipient := &c.inviteReq.Recipient
		if contact := c.inviteReq.Contact(); contact != nil {
			recipient = &contact.Address
		}
		req = sip.NewRequest(method, *recipient.Clone())

		// We are the callee, so our From is the INVITE's To plus our
		// tag, and the To carries the caller's original From tag.
		if to := c.inviteReq.To(); to != nil {
			from := sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     *to.Address.Clone(),
				Params:      sip.NewParams(),
			}
			from.Params.Add("tag", c.localTag)
			req.AppendHeader(&from)
		}
		if from := c.inviteReq.From(); from != nil {
			to := sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     *from.Address.Clone(),
				Params:      from.Params.Clone(),
			}
			req.AppendHeader(&to)
		}
		if h := c.inviteReq.CallID(); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
		req.SetTransport(c.inviteReq.Transport())

	default:
		return nil, fmt.Errorf("unknown call direction %q", c.direction)
	}

	c.cseq++
	cseq := sip.CSeqHeader{SeqNo: c.cseq, MethodName: method}
	req.AppendHeader(&cseq)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	if len(body) > 0 {
		req.SetBody(body)
	}
	return req, nil
}

// buildACKFor2xx creates the ACK for a 2xx response to an INVITE. Per
// RFC 3261 §13.2.2.4 the ACK for a 2xx is generated by the UAC core,
// not the transaction layer. The Request-URI comes from the Contact in
// the response when present.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To from the response so the remote tag is carried.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	// Same sequence number, method changed to ACK.
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}

// sdpTemplate is the body advertised for the platform audio stack:
// G.711 both flavors plus RFC 4733 telephone events.
const sdpTemplate = "v=0\r\n" +
	"o=gvbridge %d %d IN IP4 %s\r\n" +
	"s=call\r\n" +
	"c=IN IP4 %s\r\n" +
	"t=0 0\r\n" +
	"m=audio %d RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-16\r\n" +
	"a=%s\r\n"

// buildSDP renders a minimal audio SDP. With hold set, the media
// direction is sendonly so the far end stops streaming to us.
func buildSDP(host string, port int, hold bool) []byte {
	direction := "sendrecv"
	if hold {
		direction = "sendonly"
	}
	sess := time.Now().Unix()
	return []byte(fmt.Sprintf(sdpTemplate, sess, sess, host, host, port, direction))
}
