package middleware

import (
	"encoding/json"
	"net/http"
)

// errEnvelope matches the api package's response envelope so middleware
// rejections look the same as handler errors. Defined here rather than
// imported to keep the dependency pointing api -> middleware only.
type errEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeJSONError writes a JSON error body with the given status.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errEnvelope{Error: msg}) //nolint:errcheck
}
