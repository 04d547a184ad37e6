package apiserver

import (
	"encoding/json"
	"net/http"

	"github.com/rollgate/rollgate/internal/logging"
)

var logger = logging.NewLogger("apiserver")

// errorResponse is the envelope for every non-2xx answer the server writes.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeJSON marshals v before touching the connection so an encode failure
// can still change the status line.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Errorf("Encoding %T response: %v", v, err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		logger.Errorf("Writing response body: %v", err)
	}
}

// writeError writes the code and message error envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
