package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// errorResponse is the standard error response body
type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", zap.Error(err))
	}
}

// writeRaw writes an already encoded JSON body
func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, logger *zap.Logger, status int, errType, message, requestID string) {
	writeJSON(w, logger, status, errorResponse{Error: errType, Message: message, RequestID: requestID})
}

// decodeJSON reads and decodes a JSON request body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}
