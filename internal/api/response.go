package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// envelope wraps every JSON response as { "data": ..., "error": ... }.
// Exactly one of the two fields is populated.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// writeJSON writes a success envelope with the given status and payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Data: data})
}

// writeError writes an error envelope with the given status and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeEnvelope(w, status, envelope{Error: msg})
}

// writeAccepted acknowledges a fire-and-forget command. The command's
// outcome arrives later on the event stream, not in this response.
func writeAccepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, data)
}
