package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// WriteJSON writes data as a JSON body with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encode_json_response_failed", slog.String("error", err.Error()))
	}
}

// WriteError writes {"ok": false, "error": message}.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]any{"ok": false, "error": message})
}

// WriteOK writes {"ok": true}, the acknowledgement webhook senders expect.
func WriteOK(w http.ResponseWriter) {
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}
