package server

import (
	"encoding/json"
	"net/http"

	"github.com/vberezny/agentgate/internal/policy"
)

// SubmitTaskResponse is the 202 body of POST /v1/tasks.
type SubmitTaskResponse struct {
	SessionID string `json:"session_id"`
}

// ErrorResponse is the standard error envelope. ActiveSession is set on
// 503 (gate busy); Errors carries field-level validation failures on 400.
type ErrorResponse struct {
	Error         string              `json:"error"`
	ActiveSession string              `json:"active_session,omitempty"`
	Errors        []policy.FieldError `json:"errors,omitempty"`
}

// ExcerptResponse is the 200 body of GET /v1/sessions/{id}/excerpt.
// Content is redacted.
type ExcerptResponse struct {
	Path      string `json:"path"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
	Content   string `json:"content"`
}

// LogtailResponse is the 200 body of GET /v1/sessions/{id}/logtail.
// Every line is redacted.
type LogtailResponse struct {
	Lines  []string `json:"lines"`
	Stream string   `json:"stream"`
	N      int      `json:"n"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
