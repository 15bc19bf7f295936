package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/guardianvoice/gvbridge/internal/wake"
)

// maxWakeBody bounds the wake webhook payload size.
const maxWakeBody = 64 << 10

// handleWake processes a push wake notification. The payload is
// untrusted: it is rate-limited per source, parsed defensively, and at
// most presents a provisional ringing call that the engine INVITE later
// confirms or the ring timeout reaps.
func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	// RealIP middleware has already resolved the source address.
	if s.deps.Limiter != nil && !s.deps.Limiter.Allow(r.RemoteAddr) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWakeBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	// The wake may be what first brings the engine up, and the engine
	// binds its listener and registration loops to this context. Hand
	// it the daemon lifetime, not the request's.
	if err := s.deps.Wake.HandleRaw(s.deps.RunCtx, body); err != nil {
		if errors.Is(err, wake.ErrUnrecognizedPayload) {
			writeError(w, http.StatusBadRequest, "unrecognized payload")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	writeAccepted(w, map[string]bool{"accepted": true})
}
