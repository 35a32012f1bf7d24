package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// respondWithJSON writes payload as JSON with the given status. The header is
// already sent when encoding fails, so the failure is only logged.
func respondWithJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "status", status, "error", err)
	}
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}
