package api

import (
	"encoding/json"
	"net/http"
)

type healthStatus struct {
	Status       string `json:"status"`
	Service      string `json:"service"`
	Version      string `json:"version"`
	ModelsCached int    `json:"models_cached"`
	Credentials  string `json:"credentials"`
}

// handleHealth serves liveness on / and /health. It reports whether an
// upstream token is held, never the token itself.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	creds := "absent"
	if h.auth.HasToken() {
		creds = "present"
	}

	status := healthStatus{
		Status:       "ok",
		Service:      "kiro-gateway",
		Version:      "0.1.0",
		ModelsCached: h.catalog.Cached(),
		Credentials:  creds,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
