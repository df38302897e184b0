// Package store persists session records under a data directory. It is the
// only component that mutates session directories; the filesystem is the
// system of record and every state write is atomic (temp file + rename on
// the same filesystem) so readers never observe partial JSON.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vberezny/agentgate/internal/pathguard"
)

// Sentinel errors surfaced to callers; everything else is I/O.
var (
	ErrBadID         = errors.New("invalid session id")
	ErrAlreadyExists = errors.New("session already exists")
	ErrNotFound      = errors.New("session not found")
)

var validSessionID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ArtifactsDirName is the workspace-relative directory the agent writes
// deliverables into.
const ArtifactsDirName = ".agent-firewall/artifacts"

const (
	taskFile  = "task.json"
	stateFile = "shared_state.json"
)

// Store is a filesystem-backed session store. Writes for the same session
// id are serialized through a per-id mutex so supervisor progress callbacks
// and external abort writes never race.
type Store struct {
	root string
	log  zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the data directory if needed and returns a store rooted there.
func New(root string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{
		root:  root,
		log:   log,
		locks: map[string]*sync.Mutex{},
	}, nil
}

// Root returns the data directory.
func (s *Store) Root() string { return s.root }

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// SessionDir returns the directory holding a session's records.
func (s *Store) SessionDir(id string) string { return filepath.Join(s.root, id) }

// TurnDir returns the directory for a 1-based turn index.
func (s *Store) TurnDir(id string, turn int) string {
	return filepath.Join(s.SessionDir(id), "turns", fmt.Sprintf("%04d", turn))
}

// OutDir returns the session's deliverables directory.
func (s *Store) OutDir(id string) string { return filepath.Join(s.SessionDir(id), "out") }

// LatestTurnDir returns the highest-numbered turn directory, or "" when the
// session has no turns yet.
func (s *Store) LatestTurnDir(id string) string {
	turnsRoot := filepath.Join(s.SessionDir(id), "turns")
	entries, err := os.ReadDir(turnsRoot)
	if err != nil {
		return ""
	}
	latest := ""
	for _, e := range entries {
		if e.IsDir() && (latest == "" || e.Name() > latest) {
			latest = e.Name()
		}
	}
	if latest == "" {
		return ""
	}
	return filepath.Join(turnsRoot, latest)
}

// Create writes task.json and the initial running shared_state.json for a
// new session. Fails with ErrAlreadyExists when the session directory
// already holds a task record.
func (s *Store) Create(id string, task *Task) error {
	if !validSessionID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrBadID, id)
	}
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.SessionDir(id)
	taskPath := filepath.Join(dir, taskFile)
	if _, err := os.Stat(taskPath); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	if err := writeJSONAtomic(taskPath, task); err != nil {
		return err
	}

	now := time.Now().UTC()
	initial := &SharedState{
		SessionID:      id,
		Goal:           task.Goal,
		Status:         StatusRunning,
		TurnsCompleted: 0,
		TurnsMax:       task.TurnsMax,
		Progress:       []string{},
		Blockers:       []Blocker{},
		FilesChanged:   []string{},
		Artifacts:      []Artifact{},
		FallbackEvents: []FallbackEvent{},
		UpdatedAt:      now,
	}
	return writeJSONAtomic(filepath.Join(dir, stateFile), initial)
}

// GetTask returns the task record, or nil when the session does not exist.
func (s *Store) GetTask(id string) (*Task, error) {
	if !validSessionID.MatchString(id) {
		return nil, nil
	}
	b, err := os.ReadFile(filepath.Join(s.SessionDir(id), taskFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(b, &task); err != nil {
		return nil, fmt.Errorf("decode task for %s: %w", id, err)
	}
	return &task, nil
}

// GetState returns the live state record, or nil when the session does not
// exist.
func (s *Store) GetState(id string) (*SharedState, error) {
	if !validSessionID.MatchString(id) {
		return nil, nil
	}
	b, err := os.ReadFile(filepath.Join(s.SessionDir(id), stateFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state SharedState
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, fmt.Errorf("decode state for %s: %w", id, err)
	}
	return &state, nil
}

// UpdateState shallow-merges patch into the current state and writes the
// result atomically. session_id and goal are dropped from the patch, and a
// patch against a terminal state is a no-op: terminal states are fixpoints.
func (s *Store) UpdateState(id string, patch map[string]any) (*SharedState, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetState(id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if IsTerminal(current.Status) {
		return current, nil
	}

	// Merge at the JSON level so unknown fields in both the stored record
	// and the patch survive.
	raw, err := json.Marshal(current)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	for k, v := range patch {
		if k == "session_id" || k == "goal" {
			continue
		}
		enc, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode patch field %s: %w", k, err)
		}
		merged[k] = enc
	}
	ts, err := json.Marshal(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	merged["updated_at"] = ts

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var next SharedState
	if err := json.Unmarshal(out, &next); err != nil {
		return nil, fmt.Errorf("patch produced invalid state for %s: %w", id, err)
	}
	if err := writeJSONAtomic(filepath.Join(s.SessionDir(id), stateFile), &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// ListSessions returns summaries for every well-formed session directory,
// newest first. Malformed entries are skipped, not errored.
func (s *Store) ListSessions() ([]Summary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Summary{}, nil
		}
		return nil, err
	}
	summaries := []Summary{}
	for _, e := range entries {
		if !e.IsDir() || !validSessionID.MatchString(e.Name()) {
			continue
		}
		id := e.Name()
		task, err := s.GetTask(id)
		if err != nil || task == nil {
			continue
		}
		state, err := s.GetState(id)
		if err != nil || state == nil {
			continue
		}
		summaries = append(summaries, Summary{
			ID:        id,
			Status:    state.Status,
			Goal:      state.Goal,
			CreatedAt: task.CreatedAt,
			UpdatedAt: state.UpdatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// MarkAbortedOnStartup transitions every session still marked running to
// aborted. Called once before the HTTP listener binds, so a crash plus
// restart cannot leave sessions running forever.
func (s *Store) MarkAbortedOnStartup() error {
	summaries, err := s.ListSessions()
	if err != nil {
		return err
	}
	for _, sum := range summaries {
		if sum.Status != StatusRunning {
			continue
		}
		if _, err := s.UpdateState(sum.ID, map[string]any{
			"status":        StatusAborted,
			"error_summary": "Server restarted while session was running",
		}); err != nil {
			s.log.Warn().Str("session_id", sum.ID).Err(err).Msg("startup recovery failed for session")
		}
	}
	return nil
}

// AppendTurnRequest records the argument vector of a spawn attempt under
// turns/NNNN/request.json.
func (s *Store) AppendTurnRequest(id string, turn int, req *TurnRequest) error {
	dir := s.TurnDir(id, turn)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, "request.json"), req)
}

// GetArtifactPath resolves an artifact name for a session. It returns the
// canonical path only when name is a bare filename and resolves to a
// regular, non-symlink file under the session workspace's artifacts
// directory; otherwise "".
func (s *Store) GetArtifactPath(id, name, workspace string) (string, error) {
	if !isSafeArtifactName(name) {
		return "", nil
	}
	if workspace == "" {
		task, err := s.GetTask(id)
		if err != nil {
			return "", err
		}
		if task == nil {
			return "", nil
		}
		workspace = task.WorkspaceRoot
	}
	artifactsDir, err := pathguard.Canonicalize(filepath.Join(workspace, ArtifactsDirName))
	if err != nil {
		return "", nil
	}
	resolved, err := pathguard.Canonicalize(filepath.Join(artifactsDir, name))
	if err != nil {
		return "", nil
	}
	// A symlinked entry may resolve outside the artifacts directory.
	if !strings.HasPrefix(resolved, artifactsDir+string(filepath.Separator)) {
		return "", nil
	}
	info, err := os.Lstat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", nil
	}
	return resolved, nil
}

func isSafeArtifactName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return name == filepath.Base(name)
}

// writeJSONAtomic writes v as indented JSON via a temp file in the target's
// directory followed by a rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
