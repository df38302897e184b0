package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return st
}

func testTask(workspace string) *Task {
	return &Task{
		Goal:           "fix the build",
		WorkspaceRoot:  workspace,
		AllowedTools:   []string{"Read", "Edit"},
		TurnsMax:       20,
		TimeoutSeconds: 600,
		CreatedAt:      time.Now().UTC(),
		TemplateDigest: "abcdef0123456789",
	}
}

func TestCreateAndGet(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.Create("s1", testTask("/work/a")))

	task, err := st.GetTask("s1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "fix the build", task.Goal)
	assert.Equal(t, "/work/a", task.WorkspaceRoot)

	state, err := st.GetState("s1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "s1", state.SessionID)
	assert.Equal(t, StatusRunning, state.Status)
	assert.Equal(t, 0, state.TurnsCompleted)
	assert.Equal(t, 20, state.TurnsMax)
	assert.NotNil(t, state.Progress)
	assert.NotNil(t, state.Artifacts)
}

func TestCreateRejectsDuplicatesAndBadIDs(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.Create("s1", testTask("/work/a")))
	assert.ErrorIs(t, st.Create("s1", testTask("/work/a")), ErrAlreadyExists)

	for _, id := range []string{"", "a/b", "..", "a b", "x\x00y"} {
		assert.ErrorIs(t, st.Create(id, testTask("/work/a")), ErrBadID, "id %q", id)
	}
}

func TestGetAbsentSession(t *testing.T) {
	st := newTestStore(t)

	task, err := st.GetTask("nope")
	require.NoError(t, err)
	assert.Nil(t, task)

	state, err := st.GetState("../etc")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestUpdateStateMerges(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create("s1", testTask("/work/a")))

	next, err := st.UpdateState("s1", map[string]any{
		"turns_completed": 3,
		"progress":        []string{"step one", "step two"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, next.TurnsCompleted)
	assert.Equal(t, []string{"step one", "step two"}, next.Progress)
	assert.Equal(t, StatusRunning, next.Status, "untouched fields survive the merge")
	assert.False(t, next.UpdatedAt.IsZero())

	// The merge is what lands on disk, not just what is returned.
	reread, err := st.GetState("s1")
	require.NoError(t, err)
	assert.Equal(t, 3, reread.TurnsCompleted)
}

func TestUpdateStateProtectsIdentityFields(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create("s1", testTask("/work/a")))

	next, err := st.UpdateState("s1", map[string]any{
		"session_id": "hijacked",
		"goal":       "something else",
		"status":     StatusDone,
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", next.SessionID)
	assert.Equal(t, "fix the build", next.Goal)
	assert.Equal(t, StatusDone, next.Status)
}

func TestTerminalStateIsFixpoint(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create("s1", testTask("/work/a")))

	_, err := st.UpdateState("s1", map[string]any{"status": StatusAborted})
	require.NoError(t, err)

	// A late supervisor write must not resurrect or repaint the session.
	after, err := st.UpdateState("s1", map[string]any{
		"status":          StatusDone,
		"turns_completed": 9,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, after.Status)
	assert.Equal(t, 0, after.TurnsCompleted)
}

func TestUpdateStateUnknownSession(t *testing.T) {
	st := newTestStore(t)
	_, err := st.UpdateState("ghost", map[string]any{"status": StatusDone})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnknownFieldsSurviveReadModifyWrite(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create("s1", testTask("/work/a")))

	// Simulate a newer writer having added a field this build doesn't know.
	statePath := filepath.Join(st.SessionDir("s1"), "shared_state.json")
	b, err := os.ReadFile(statePath)
	require.NoError(t, err)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &raw))
	raw["queue_position"] = json.RawMessage(`7`)
	b, err = json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(statePath, b, 0o644))

	_, err = st.UpdateState("s1", map[string]any{"turns_completed": 1})
	require.NoError(t, err)

	b, err = os.ReadFile(statePath)
	require.NoError(t, err)
	var reread map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &reread))
	assert.Equal(t, json.RawMessage(`7`), reread["queue_position"])
}

func TestListSessionsNewestFirstSkipsMalformed(t *testing.T) {
	st := newTestStore(t)

	older := testTask("/work/a")
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.Create("older", older))
	require.NoError(t, st.Create("newer", testTask("/work/b")))

	// A directory without records and a corrupt task must both be skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(st.Root(), "empty"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(st.Root(), "corrupt"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(st.Root(), "corrupt", "task.json"), []byte("{"), 0o644))

	summaries, err := st.ListSessions()
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "newer", summaries[0].ID)
	assert.Equal(t, "older", summaries[1].ID)
}

func TestMarkAbortedOnStartup(t *testing.T) {
	st := newTestStore(t)

	require.NoError(t, st.Create("crashed", testTask("/work/a")))
	require.NoError(t, st.Create("finished", testTask("/work/b")))
	_, err := st.UpdateState("finished", map[string]any{"status": StatusDone})
	require.NoError(t, err)

	require.NoError(t, st.MarkAbortedOnStartup())

	state, err := st.GetState("crashed")
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, state.Status)
	require.NotNil(t, state.ErrorSummary)
	assert.Equal(t, "Server restarted while session was running", *state.ErrorSummary)

	state, err = st.GetState("finished")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, state.Status)
}

func TestAppendTurnRequest(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create("s1", testTask("/work/a")))

	req := &TurnRequest{
		Args:       []string{"-p", "<prompt>", "--output-format", "json"},
		RecordedAt: time.Now().UTC(),
	}
	require.NoError(t, st.AppendTurnRequest("s1", 1, req))

	b, err := os.ReadFile(filepath.Join(st.TurnDir("s1", 1), "request.json"))
	require.NoError(t, err)
	var got TurnRequest
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, req.Args, got.Args)
	assert.False(t, got.IsFallback)
}

func TestLatestTurnDir(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create("s1", testTask("/work/a")))

	assert.Equal(t, "", st.LatestTurnDir("s1"))

	require.NoError(t, st.AppendTurnRequest("s1", 1, &TurnRequest{}))
	require.NoError(t, st.AppendTurnRequest("s1", 2, &TurnRequest{}))
	assert.Equal(t, st.TurnDir("s1", 2), st.LatestTurnDir("s1"))
}

func TestGetArtifactPath(t *testing.T) {
	st := newTestStore(t)
	workspace := t.TempDir()
	artifacts := filepath.Join(workspace, ArtifactsDirName)
	require.NoError(t, os.MkdirAll(artifacts, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "patch.diff"), []byte("diff"), 0o644))

	outside := filepath.Join(workspace, "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("s"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(artifacts, "link.txt")))

	task := testTask(workspace)
	require.NoError(t, st.Create("s1", task))

	path, err := st.GetArtifactPath("s1", "patch.diff", workspace)
	require.NoError(t, err)
	canon, err := filepath.EvalSymlinks(filepath.Join(artifacts, "patch.diff"))
	require.NoError(t, err)
	assert.Equal(t, canon, path)

	// The workspace argument is optional; task.json supplies it.
	path, err = st.GetArtifactPath("s1", "patch.diff", "")
	require.NoError(t, err)
	assert.Equal(t, canon, path)

	for _, name := range []string{"link.txt", "../secret.txt", "a/b.txt", "..", ".", "", "missing.txt"} {
		path, err := st.GetArtifactPath("s1", name, workspace)
		require.NoError(t, err)
		assert.Equal(t, "", path, "name %q", name)
	}
}

// A reader polling while a write is in flight must only ever see a complete
// record, never a torn one.
func TestConcurrentUpdateAndRead(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Create("s1", testTask("/work/a")))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_, err := st.UpdateState("s1", map[string]any{"turns_completed": i})
			assert.NoError(t, err)
		}
	}()

	for i := 0; i < 50; i++ {
		state, err := st.GetState("s1")
		require.NoError(t, err)
		require.NotNil(t, state)
		assert.Equal(t, "s1", state.SessionID)
	}
	<-done
}
