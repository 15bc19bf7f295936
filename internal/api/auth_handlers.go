package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/guardianvoice/gvbridge/internal/api/middleware"
)

// tokenRequest is the body of POST /auth/token. The SIP credentials
// double as pairing proof: a device that knows the account password may
// mint a bearer token for the command surface.
type tokenRequest struct {
	DeviceID string `json:"device_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// tokenResponse carries a minted bearer token.
type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken issues a bearer token for a device. Before an account
// is configured there is nothing to verify against, so the first pairing
// goes through unchallenged; once credentials are stored they must match.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	if s.deps.Accounts != nil {
		acc, err := s.deps.Accounts.LoadAccount(r.Context())
		if err != nil {
			s.logger.Error("loading account for token issuance", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load account")
			return
		}
		if acc != nil {
			userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(acc.Username)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(acc.Password)) == 1
			if !userOK || !passOK {
				s.logger.Warn("rejected token request", "device_id", req.DeviceID, "username", req.Username)
				writeError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
		}
	}

	token, expires, err := middleware.GenerateToken(s.deps.JWTSecret, req.DeviceID)
	if err != nil {
		s.logger.Error("minting token", "device_id", req.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}

	s.logger.Info("issued device token", "device_id", req.DeviceID)
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expires})
}
