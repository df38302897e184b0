package policy

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy(root string) *Policy {
	return &Policy{
		AllowedRoots:   []string{root},
		DenyGlobs:      []string{"**/.env"},
		TurnsCap:       50,
		TimeoutCapSecs: 1800,
	}
}

func TestValidateBodyAccepts(t *testing.T) {
	root := t.TempDir()
	p := testPolicy(root)

	body := fmt.Sprintf(`{
		"goal": "fix the flaky test",
		"workspace_root": %q,
		"allowed_tools": ["Read", "Edit", 42, null, "  Bash  "],
		"turns_max": 5,
		"timeout_seconds": 120,
		"future_field": true
	}`, root)

	task, err := p.ValidateBody([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "fix the flaky test", task.Goal)
	canon, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, canon, task.WorkspaceRoot)
	assert.Equal(t, []string{"Read", "Edit", "Bash"}, task.AllowedTools, "non-string tool entries are dropped")
	assert.Equal(t, 5, task.TurnsMax)
	assert.Equal(t, 120, task.TimeoutSeconds)
}

func TestValidateBodyRejectsMalformed(t *testing.T) {
	p := testPolicy(t.TempDir())

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{`},
		{"goal wrong type", `{"goal": 12, "workspace_root": "/tmp"}`},
		{"tools wrong type", `{"goal": "x", "workspace_root": "/tmp", "allowed_tools": "Read"}`},
		{"turns wrong type", `{"goal": "x", "workspace_root": "/tmp", "turns_max": "five"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ValidateBody([]byte(tt.body))
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "body", verr.Errors[0].Field)
		})
	}
}

func TestValidateGoalBounds(t *testing.T) {
	root := t.TempDir()
	p := testPolicy(root)

	atLimit := strings.Repeat("a", GoalMaxBytes)
	task, err := p.Validate(&Submission{Goal: atLimit, WorkspaceRoot: root})
	require.NoError(t, err)
	assert.Equal(t, atLimit, task.Goal)

	_, err = p.Validate(&Submission{Goal: atLimit + "a", WorkspaceRoot: root})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "goal", verr.Errors[0].Field)

	_, err = p.Validate(&Submission{Goal: "   ", WorkspaceRoot: root})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "goal", verr.Errors[0].Field)
}

func TestValidateWorkspaceRoot(t *testing.T) {
	root := t.TempDir()
	p := testPolicy(root)

	_, err := p.Validate(&Submission{Goal: "x", WorkspaceRoot: ""})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "workspace_root", verr.Errors[0].Field)

	_, err = p.Validate(&Submission{Goal: "x", WorkspaceRoot: filepath.Join(root, "..")})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "workspace_root", verr.Errors[0].Field)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	p := testPolicy(t.TempDir())

	_, err := p.Validate(&Submission{Goal: "", WorkspaceRoot: ""})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors, 2)
}

func TestClampDefaultsAndCaps(t *testing.T) {
	root := t.TempDir()
	p := testPolicy(root)

	intp := func(n int) *int { return &n }

	tests := []struct {
		name        string
		turns       *int
		timeout     *int
		wantTurns   int
		wantTimeout int
	}{
		{"unset uses defaults", nil, nil, 20, 600},
		{"zero treated as unset", intp(0), intp(0), 20, 600},
		{"negative treated as unset", intp(-3), intp(-3), 20, 600},
		{"over cap clamps", intp(9999), intp(999999), 50, 1800},
		{"in range kept", intp(7), intp(90), 7, 90},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := p.Validate(&Submission{
				Goal:           "x",
				WorkspaceRoot:  root,
				TurnsMax:       tt.turns,
				TimeoutSeconds: tt.timeout,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantTurns, task.TurnsMax)
			assert.Equal(t, tt.wantTimeout, task.TimeoutSeconds)
		})
	}
}
