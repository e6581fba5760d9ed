package webhook

import (
	"encoding/json"
	"net/http"
)

// envelope is the standard JSON response wrapper, matching
// server/internal/api/response.go's success/error envelope shape.
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func ok(w http.ResponseWriter, payload envelope) {
	writeJSON(w, http.StatusOK, payload)
}

func errText(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}
