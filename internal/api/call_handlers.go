package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/guardianvoice/gvbridge/internal/bridge"
)

// placeCallRequest is the body of POST /calls.
type placeCallRequest struct {
	URI string `json:"uri"`
}

// handlePlaceCall starts an outbound call. The generated call_id is
// returned so the caller can correlate stream events; whether the call
// actually goes anywhere is reported on the stream only.
func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req placeCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.URI = strings.TrimSpace(req.URI)
	if req.URI == "" {
		writeError(w, http.StatusBadRequest, "uri is required")
		return
	}

	callID := uuid.NewString()
	s.deps.Machine.Submit(bridge.Transition{
		Kind:   bridge.KindOriginate,
		CallID: callID,
		Origin: bridge.OriginCaller,
		URI:    req.URI,
	})

	writeAccepted(w, map[string]string{"call_id": callID})
}

// handleAnswer answers the current call.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	s.deps.Machine.Submit(bridge.Transition{
		Kind:   bridge.KindAnswered,
		Origin: bridge.OriginCaller,
	})
	writeAccepted(w, map[string]bool{"accepted": true})
}

// handleHangup ends the current call. With no call in progress this is
// still a 202: the machine logs the no-op and nothing appears on the
// stream.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	s.deps.Machine.Submit(bridge.Transition{
		Kind:   bridge.KindEnded,
		Origin: bridge.OriginCaller,
	})
	writeAccepted(w, map[string]bool{"accepted": true})
}

// toggleRequest is the body of the hold/mute/speaker commands.
type toggleRequest struct {
	On bool `json:"on"`
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, bridge.KindHold)
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, bridge.KindMute)
}

func (s *Server) handleSpeaker(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, bridge.KindSpeaker)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request, kind bridge.Kind) {
	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.deps.Machine.Submit(bridge.Transition{
		Kind:   kind,
		Origin: bridge.OriginCaller,
		On:     req.On,
	})
	writeAccepted(w, map[string]bool{"accepted": true})
}

// dtmfRequest is the body of POST /calls/dtmf.
type dtmfRequest struct {
	Digits string `json:"digits"`
}

func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req dtmfRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Digits == "" {
		writeError(w, http.StatusBadRequest, "digits is required")
		return
	}
	for _, d := range req.Digits {
		if !strings.ContainsRune("0123456789ABCD*#", d) {
			writeError(w, http.StatusBadRequest, "digits may contain only 0-9, A-D, * and #")
			return
		}
	}
	s.deps.Machine.Submit(bridge.Transition{
		Kind:   bridge.KindDTMF,
		Origin: bridge.OriginCaller,
		Digits: req.Digits,
	})
	writeAccepted(w, map[string]bool{"accepted": true})
}

// handleCallLog returns the newest call-log entries, most recent first.
func (s *Server) handleCallLog(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "call log not available")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = v
	}
	entries, err := s.deps.History.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("call log query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read call log")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
