package sipengine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/guardianvoice/gvbridge/internal/engine"
)

// registrationLoop runs the registration lifecycle for the account:
// initial register, then periodic re-registration. A signal on the
// refresh channel forces an immediate re-register, which the wake path
// uses after the process has been suspended.
func (e *Engine) registrationLoop(ctx context.Context, acc engine.Account) {
	expiry := e.cfg.RegisterExpiry

	e.logger.Info("starting registration",
		"username", acc.Username,
		"domain", acc.Domain,
		"port", acc.Port,
		"expiry", expiry,
	)

	backoff := newBackoff()

	for {
		e.emitRegistration(engine.RegistrationInProgress, "")

		grantedExpiry, err := e.sendRegister(ctx, acc, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			retryDelay := backoff.next()
			e.logger.Error("registration failed",
				"domain", acc.Domain,
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retryDelay.String(),
			)
			e.emitRegistration(engine.RegistrationFailed, err.Error())

			select {
			case <-ctx.Done():
				return
			case <-e.refresh:
				continue
			case <-time.After(retryDelay):
				continue
			}
		}

		backoff.reset()
		e.emitRegistration(engine.RegistrationOK, "")

		if grantedExpiry != expiry {
			e.logger.Info("registered (server adjusted expiry)",
				"requested_expiry", expiry,
				"granted_expiry", grantedExpiry,
			)
		} else {
			e.logger.Info("registered", "expires_in", grantedExpiry)
		}

		// Re-register before expiry. Use 80% of the server-granted
		// expiry as the refresh interval to account for network delays.
		refreshInterval := time.Duration(float64(grantedExpiry)*0.8) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-e.refresh:
			e.logger.Debug("re-registering on refresh request")
		case <-time.After(refreshInterval):
			e.logger.Debug("re-registering before expiry")
		}
	}
}

// sendRegister sends a SIP REGISTER request with digest auth handling.
// On success it returns the server-granted expiry from the 200 OK.
func (e *Engine) sendRegister(ctx context.Context, acc engine.Account, expiry int) (int, error) {
	recipientStr := fmt.Sprintf("sip:%s:%d", acc.Domain, acc.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(acc.Transport())

	// From and To carry the account's AOR; the registrar uses these to
	// identify which user is registering.
	aor := fmt.Sprintf("<sip:%s@%s>", acc.Username, acc.Domain)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))

	contactURI := fmt.Sprintf("<sip:%s@%s>", acc.Username, e.ua.Hostname())
	req.AppendHeader(sip.NewHeader("Contact", contactURI))

	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expiry)))

	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := e.authorize(req, res, acc, recipientStr)
		if err != nil {
			return 0, err
		}

		tx2, err := e.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}

		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// Per RFC 3261 §10.2.4 the registrar may shorten the requested
	// expiry. Check the Contact expires param first, then Expires.
	grantedExpiry := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	}

	return grantedExpiry, nil
}

// authorize answers a 401/407 challenge with a digest-authenticated
// clone of the original request.
func (e *Engine) authorize(req *sip.Request, res *sip.Response, acc engine.Account, uri string) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: acc.Username,
		Password: acc.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact
// header value such as <sip:user@host>;expires=3600. Returns 0 if no
// expires parameter is found.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value (seconds).
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with jitter for registration
// retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// ±20% jitter to avoid synchronized retries across devices.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
