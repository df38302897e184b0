package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/vberezny/agentgate/internal/pathguard"
	"github.com/vberezny/agentgate/internal/policy"
	"github.com/vberezny/agentgate/internal/prompt"
	"github.com/vberezny/agentgate/internal/redact"
	"github.com/vberezny/agentgate/internal/store"
	"github.com/vberezny/agentgate/internal/supervise"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var active any
	if id := s.gate.ActiveSessionID(); id != "" {
		active = id
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"active_session": active,
	})
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read request body")
		return
	}

	task, err := s.policy.ValidateBody(raw)
	if err != nil {
		var verr *policy.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid task", Errors: verr.Errors})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rendered, err := s.prompts.Build(task.Goal, task.WorkspaceRoot)
	if err != nil {
		var ierr *prompt.InjectionError
		if errors.As(err, &ierr) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:  "invalid task",
				Errors: []policy.FieldError{{Field: ierr.Field, Message: "rejected by injection screen"}},
			})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := ulid.Make().String()

	if !s.gate.Acquire(task.WorkspaceRoot, sessionID) {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:         "another session is active",
			ActiveSession: s.gate.ActiveSessionID(),
		})
		return
	}

	record := &store.Task{
		Goal:           task.Goal,
		WorkspaceRoot:  task.WorkspaceRoot,
		AllowedTools:   task.AllowedTools,
		TurnsMax:       task.TurnsMax,
		TimeoutSeconds: task.TimeoutSeconds,
		CreatedAt:      time.Now().UTC(),
		TemplateDigest: s.prompts.Digest(),
	}
	if err := s.store.Create(sessionID, record); err != nil {
		s.gate.Release(task.WorkspaceRoot, sessionID)
		s.log.Error().Str("session_id", sessionID).Err(err).Msg("create session")
		writeError(w, http.StatusInternalServerError, "cannot create session")
		return
	}

	runCtx, cancel := context.WithCancelCause(s.baseCtx)
	if err := s.registry.Register(sessionID, cancel); err != nil {
		cancel(nil)
		s.gate.Release(task.WorkspaceRoot, sessionID)
		writeError(w, http.StatusInternalServerError, "cannot track session")
		return
	}
	s.metrics.sessionStarted()

	go func() {
		defer s.registry.Remove(sessionID)
		defer cancel(nil)
		res := s.sup.Run(runCtx, supervise.RunInput{
			SessionID:     sessionID,
			Goal:          task.Goal,
			Prompt:        rendered,
			WorkspaceRoot: task.WorkspaceRoot,
			AllowedTools:  task.AllowedTools,
			Timeout:       time.Duration(task.TimeoutSeconds) * time.Second,
		})
		s.metrics.sessionFinished(res.Status)
	}()

	writeJSON(w, http.StatusAccepted, SubmitTaskResponse{SessionID: sessionID})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot list sessions")
		return
	}
	for i := range summaries {
		summaries[i].Goal = redact.Redact(summaries[i].Goal)
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	state, ok := s.sessionState(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, redactState(state))
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	state, ok := s.sessionState(w, r)
	if !ok {
		return
	}
	if state.Status != store.StatusRunning {
		writeJSON(w, http.StatusConflict, map[string]string{"status": state.Status})
		return
	}

	// Advisory: flip the cancellation token and persist the terminal state
	// immediately. The gate stays held until the child really exits.
	s.registry.Cancel(state.SessionID, "aborted by client request")
	if _, err := s.store.UpdateState(state.SessionID, map[string]any{
		"status":        store.StatusAborted,
		"error_summary": "Aborted by client request",
	}); err != nil {
		s.log.Error().Str("session_id", state.SessionID).Err(err).Msg("persist abort")
		writeError(w, http.StatusInternalServerError, "cannot persist abort")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": store.StatusAborted})
}

func (s *Server) handleExcerpt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot read session")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	q := r.URL.Query()
	path := q.Get("path")
	if strings.TrimSpace(path) == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if !strings.HasPrefix(path, "/") {
		path = task.WorkspaceRoot + "/" + path
	}

	// Scoped to this session's workspace, not the global allowed roots, so
	// one session can never read a sibling workspace.
	res := pathguard.Validate(path, []string{task.WorkspaceRoot}, s.cfg.DenyGlobs)
	if !res.Allowed {
		writeError(w, http.StatusForbidden, res.Reason)
		return
	}

	b, err := os.ReadFile(res.Resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "cannot read file")
		return
	}

	lines := strings.Split(string(b), "\n")
	lineStart := queryInt(q, 1, "line_start", "start")
	lineEnd := queryInt(q, len(lines), "line_end", "end")
	if lineStart < 1 {
		lineStart = 1
	}
	if lineEnd > len(lines) {
		lineEnd = len(lines)
	}
	if lineEnd < lineStart {
		lineEnd = lineStart
	}

	content := strings.Join(lines[lineStart-1:lineEnd], "\n")
	maxChars := queryInt(q, s.cfg.ExcerptMaxChars, "max_chars")
	if maxChars > s.cfg.ExcerptMaxChars || maxChars < 1 {
		maxChars = s.cfg.ExcerptMaxChars
	}
	if len(content) > maxChars {
		// Back off to a rune boundary so the truncated excerpt stays valid
		// UTF-8.
		cut := maxChars
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}

	writeJSON(w, http.StatusOK, ExcerptResponse{
		Path:      res.Resolved,
		LineStart: lineStart,
		LineEnd:   lineEnd,
		Content:   redact.Redact(content),
	})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	state, ok := s.sessionState(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": state.Artifacts})
}

func (s *Server) handleFetchArtifact(w http.ResponseWriter, r *http.Request) {
	state, ok := s.sessionState(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	// Only names present verbatim in the current state index are served.
	indexed := false
	for _, a := range state.Artifacts {
		if a.Name == name {
			indexed = true
			break
		}
	}
	if !indexed {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}

	path, err := s.store.GetArtifactPath(state.SessionID, name, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot resolve artifact")
		return
	}
	if path == "" {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, path)
}

// sessionState loads the session named in the URL, writing 404 when it does
// not exist.
func (s *Server) sessionState(w http.ResponseWriter, r *http.Request) (*store.SharedState, bool) {
	id := chi.URLParam(r, "id")
	state, err := s.store.GetState(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot read session")
		return nil, false
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return state, true
}

// redactState scrubs the caller-visible text fields. The stored record
// keeps the original bytes; redaction applies only at the boundary.
func redactState(state *store.SharedState) *store.SharedState {
	out := *state
	out.Goal = redact.Redact(out.Goal)
	if out.ErrorSummary != nil {
		v := redact.Redact(*out.ErrorSummary)
		out.ErrorSummary = &v
	}
	if len(out.Progress) > 0 {
		progress := make([]string, len(out.Progress))
		for i, p := range out.Progress {
			progress[i] = redact.Redact(p)
		}
		out.Progress = progress
	}
	if len(out.Blockers) > 0 {
		blockers := make([]store.Blocker, len(out.Blockers))
		for i, bl := range out.Blockers {
			bl.Description = redact.Redact(bl.Description)
			blockers[i] = bl
		}
		out.Blockers = blockers
	}
	return &out
}

func queryInt(q map[string][]string, def int, keys ...string) int {
	for _, key := range keys {
		vals, ok := q[key]
		if !ok || len(vals) == 0 {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(vals[0])); err == nil {
			return n
		}
	}
	return def
}
