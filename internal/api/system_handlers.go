package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/guardianvoice/gvbridge/internal/engine"
)

// commandTimeout bounds background engine and backend calls kicked off
// by fire-and-forget handlers.
const commandTimeout = 30 * time.Second

// handleInitialize brings the SIP engine up. Repeat calls are no-ops on
// the engine side. The engine's lifetime is the daemon's, not this
// request's.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := s.deps.Engine.Start(s.deps.RunCtx); err != nil {
			s.logger.Error("engine start failed", "error", err)
		}
	}()
	writeAccepted(w, map[string]bool{"accepted": true})
}

// handleSetAccount installs SIP credentials and begins registration.
// Registration progress is reported through logs and the metrics gauge,
// not this response.
func (s *Server) handleSetAccount(w http.ResponseWriter, r *http.Request) {
	var acc engine.Account
	if err := json.NewDecoder(r.Body).Decode(&acc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(acc.Username) == "" || strings.TrimSpace(acc.Domain) == "" {
		writeError(w, http.StatusBadRequest, "username and domain are required")
		return
	}
	if acc.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(s.deps.RunCtx, commandTimeout)
		defer cancel()
		if err := s.deps.Engine.SetAccount(ctx, acc); err != nil {
			s.logger.Error("set account failed", "username", acc.Username, "domain", acc.Domain, "error", err)
		}
	}()
	writeAccepted(w, map[string]bool{"accepted": true})
}

// pushTokenRequest is the body of POST /push-token.
type pushTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// handleRegisterPushToken forwards an opaque push token to the backend,
// tagged with the configured account so the backend knows which SIP user
// the device belongs to.
func (s *Server) handleRegisterPushToken(w http.ResponseWriter, r *http.Request) {
	var req pushTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	switch req.Platform {
	case "apns", "fcm":
	default:
		writeError(w, http.StatusBadRequest, "platform must be apns or fcm")
		return
	}

	if s.deps.Push == nil || !s.deps.Push.Configured() {
		writeError(w, http.StatusServiceUnavailable, "push backend not configured")
		return
	}

	acc, err := s.deps.Accounts.LoadAccount(r.Context())
	if err != nil {
		s.logger.Error("loading account for push token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	if acc == nil {
		writeError(w, http.StatusConflict, "no account configured")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(s.deps.RunCtx, commandTimeout)
		defer cancel()
		if err := s.deps.Push.RegisterToken(ctx, req.Token, req.Platform, acc.Username, acc.Domain); err != nil {
			s.logger.Error("push token registration failed", "platform", req.Platform, "error", err)
		}
	}()
	writeAccepted(w, map[string]bool{"accepted": true})
}
