package utils

import (
	"context"
	"encoding/json"
	"net/http"
)

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, resp APIResponse) {
	WriteRawJSON(w, status, resp)
}

// WriteRawJSON writes v without the API envelope, for provider-facing replies.
func WriteRawJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GetStringValue returns the value of a nullable string pointer or empty string if nil
func GetStringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type contextKey string

const RequestIDKey = contextKey("requestID")

// RequestIDFromContext returns the id set by the request id middleware, if any.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}
