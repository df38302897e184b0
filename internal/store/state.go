package store

import (
	"encoding/json"
	"time"
)

// Session status values. A session is created running and transitions
// exactly once, to a terminal state.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
	StatusAborted = "aborted"
)

// IsTerminal reports whether status is a fixpoint.
func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusFailed || status == StatusAborted
}

// Task is the immutable task.json record written at session creation.
type Task struct {
	Goal           string    `json:"goal"`
	WorkspaceRoot  string    `json:"workspace_root"`
	AllowedTools   []string  `json:"allowed_tools,omitempty"`
	TurnsMax       int       `json:"turns_max"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	CreatedAt      time.Time `json:"created_at"`
	TemplateDigest string    `json:"template_digest"`
}

// Blocker is an extracted file:line reference signaling remaining work.
type Blocker struct {
	Description string `json:"description"`
	File        string `json:"file"`
	LineRange   string `json:"line_range"`
}

// Artifact describes one regular file in the workspace artifacts directory.
type Artifact struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// FallbackEvent records a CLI flag dropped because the agent rejected it.
type FallbackEvent struct {
	Time           time.Time `json:"time"`
	AttemptedFlag  string    `json:"attempted_flag"`
	Reason         string    `json:"reason"`
	FallbackAction string    `json:"fallback_action"`
}

// SharedState is the live shared_state.json record. Unknown fields read
// from disk are preserved across read-modify-write in Extra.
type SharedState struct {
	SessionID      string          `json:"session_id"`
	Goal           string          `json:"goal"`
	Status         string          `json:"status"`
	TurnsCompleted int             `json:"turns_completed"`
	TurnsMax       int             `json:"turns_max"`
	Progress       []string        `json:"progress"`
	Blockers       []Blocker       `json:"blockers"`
	FilesChanged   []string        `json:"files_changed"`
	Artifacts      []Artifact      `json:"artifacts"`
	FallbackEvents []FallbackEvent `json:"fallback_events"`
	CostUSD        *float64        `json:"cost_usd"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ErrorSummary   *string         `json:"error_summary"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownStateKeys = []string{
	"session_id", "goal", "status", "turns_completed", "turns_max",
	"progress", "blockers", "files_changed", "artifacts",
	"fallback_events", "cost_usd", "updated_at", "error_summary",
}

// sharedStateAlias drops the custom methods to avoid marshal recursion.
type sharedStateAlias SharedState

func (s *SharedState) UnmarshalJSON(b []byte) error {
	var a sharedStateAlias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for _, k := range knownStateKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		a.Extra = raw
	}
	*s = SharedState(a)
	return nil
}

func (s SharedState) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(sharedStateAlias(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return b, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, known := m[k]; !known {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// Summary is the listSessions projection.
type Summary struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Goal      string    `json:"goal"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TurnRequest is the turns/NNNN/request.json record of a spawn attempt.
type TurnRequest struct {
	Args       []string  `json:"args"`
	IsFallback bool      `json:"is_fallback"`
	RecordedAt time.Time `json:"recorded_at"`
}
