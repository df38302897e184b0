// Package policy validates and sanitizes task submissions. Validation is
// all-or-nothing: every field error is collected and the submission is
// either rejected with the full list or accepted in sanitized form.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vberezny/agentgate/internal/pathguard"
)

const (
	// GoalMaxBytes bounds the task goal in UTF-8 bytes.
	GoalMaxBytes = 4096

	defaultTurnsMax       = 20
	defaultTimeoutSeconds = 600
)

// taskSchema gates the body shape before field-level checks run. Unknown
// fields are permitted for forward compatibility.
const taskSchema = `{
	"type": "object",
	"properties": {
		"goal": {"type": "string"},
		"workspace_root": {"type": "string"},
		"allowed_tools": {"type": "array"},
		"turns_max": {"type": ["integer", "null"]},
		"timeout_seconds": {"type": ["integer", "null"]}
	}
}`

var compiledTaskSchema = mustCompileSchema(taskSchema)

func mustCompileSchema(src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("task.json", strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile("task.json")
}

// Submission is the permissive decode of a POST /v1/tasks body.
type Submission struct {
	Goal           string `json:"goal"`
	WorkspaceRoot  string `json:"workspace_root"`
	AllowedTools   []any  `json:"allowed_tools"`
	TurnsMax       *int   `json:"turns_max"`
	TimeoutSeconds *int   `json:"timeout_seconds"`
}

// Task is a sanitized, accepted submission. WorkspaceRoot is canonical.
type Task struct {
	Goal           string
	WorkspaceRoot  string
	AllowedTools   []string
	TurnsMax       int
	TimeoutSeconds int
}

// FieldError names a single rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries the collected field errors of a rejected
// submission.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "invalid task: " + strings.Join(parts, "; ")
}

// Policy validates submissions against configured roots and caps.
type Policy struct {
	AllowedRoots   []string
	DenyGlobs      []string
	TurnsCap       int
	TimeoutCapSecs int
}

// ValidateBody decodes raw JSON, checks its shape against the task schema,
// then applies field-level validation. Unknown body fields are ignored.
func (p *Policy) ValidateBody(raw []byte) (*Task, error) {
	var shape any
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, &ValidationError{Errors: []FieldError{{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}}}
	}
	if err := compiledTaskSchema.Validate(shape); err != nil {
		return nil, &ValidationError{Errors: []FieldError{{Field: "body", Message: fmt.Sprintf("malformed task: %v", err)}}}
	}
	var sub Submission
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, &ValidationError{Errors: []FieldError{{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err)}}}
	}
	return p.Validate(&sub)
}

// Validate applies field-level checks and returns the sanitized task or the
// full list of field errors.
func (p *Policy) Validate(sub *Submission) (*Task, error) {
	var errs []FieldError

	goal := strings.TrimSpace(sub.Goal)
	if goal == "" {
		errs = append(errs, FieldError{Field: "goal", Message: "goal is required"})
	} else if len(goal) > GoalMaxBytes {
		errs = append(errs, FieldError{Field: "goal", Message: fmt.Sprintf("goal exceeds %d bytes", GoalMaxBytes)})
	}

	workspace := ""
	if strings.TrimSpace(sub.WorkspaceRoot) == "" {
		errs = append(errs, FieldError{Field: "workspace_root", Message: "workspace_root is required"})
	} else {
		res := pathguard.Validate(sub.WorkspaceRoot, p.AllowedRoots, p.DenyGlobs)
		if !res.Allowed {
			errs = append(errs, FieldError{Field: "workspace_root", Message: res.Reason})
		} else {
			workspace = res.Resolved
		}
	}

	// Non-string tool entries are dropped silently, per the wire contract.
	var tools []string
	for _, entry := range sub.AllowedTools {
		if s, ok := entry.(string); ok && strings.TrimSpace(s) != "" {
			tools = append(tools, strings.TrimSpace(s))
		}
	}

	turns := clampWithDefault(sub.TurnsMax, defaultTurnsMax, p.TurnsCap)
	timeout := clampWithDefault(sub.TimeoutSeconds, defaultTimeoutSeconds, p.TimeoutCapSecs)

	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return &Task{
		Goal:           goal,
		WorkspaceRoot:  workspace,
		AllowedTools:   tools,
		TurnsMax:       turns,
		TimeoutSeconds: timeout,
	}, nil
}

// clampWithDefault treats nil or non-positive values as unset.
func clampWithDefault(v *int, def, limit int) int {
	n := def
	if v != nil && *v > 0 {
		n = *v
	}
	if n > limit {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}
