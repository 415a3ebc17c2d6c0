// Package api owns the HTTP response surface: the submission envelope,
// error writers, auth and request-plumbing middleware, and the small
// utility endpoints (health, geo).
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Envelope is the JSON body for every submission-API response.
type Envelope struct {
	Success      bool     `json:"success"`
	SubmissionID string   `json:"submissionId,omitempty"`
	Message      string   `json:"message"`
	UserMessage  string   `json:"userMessage,omitempty"`
	Details      []string `json:"details,omitempty"`
}

// WriteJSON writes v as JSON with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteEnvelope writes a submission-API envelope.
func WriteEnvelope(w http.ResponseWriter, status int, env Envelope) {
	WriteJSON(w, status, env)
}

// WriteValidationFailed writes the 400 validation-error body. These
// requests never produce a validation record.
func WriteValidationFailed(w http.ResponseWriter, details []string) {
	WriteJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "Validation failed",
		"details": details,
	})
}

// WriteBadRequest writes a sanitized 400 envelope.
func WriteBadRequest(w http.ResponseWriter, message, userMessage string) {
	WriteEnvelope(w, http.StatusBadRequest, Envelope{
		Success:     false,
		Message:     message,
		UserMessage: userMessage,
	})
}

// WriteForbidden writes a sanitized 403 envelope.
func WriteForbidden(w http.ResponseWriter, userMessage string) {
	if userMessage == "" {
		userMessage = "Your request could not be processed."
	}
	WriteEnvelope(w, http.StatusForbidden, Envelope{
		Success:     false,
		Message:     "Request refused",
		UserMessage: userMessage,
	})
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSeconds int, userMessage string) {
	if userMessage == "" {
		userMessage = "Too many attempts. Please try again later."
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	WriteEnvelope(w, http.StatusTooManyRequests, Envelope{
		Success:     false,
		Message:     "Rate limited",
		UserMessage: userMessage,
	})
}

// WriteInternal writes a 500 without leaking the underlying error.
func WriteInternal(w http.ResponseWriter, logger *slog.Logger, err error) {
	if logger != nil {
		logger.Error("internal server error", "error", err)
	}
	WriteEnvelope(w, http.StatusInternalServerError, Envelope{
		Success:     false,
		Message:     "Internal error",
		UserMessage: "Something went wrong. Please try again.",
	})
}

// WriteUnauthorized writes a 401 for the analytics API-key gate.
func WriteUnauthorized(w http.ResponseWriter) {
	WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

// WriteMethodNotAllowed writes a 405.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
}

// HandleHealth serves GET /api/health.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleGeo serves GET /api/geo from the edge country header.
func HandleGeo(w http.ResponseWriter, r *http.Request) {
	country := r.Header.Get("cf-ipcountry")
	if country == "" {
		country = "XX"
	}
	WriteJSON(w, http.StatusOK, map[string]string{"countryCode": country})
}
