// Package supervise owns a session from acceptance to terminal state: it
// spawns the agent subprocess, enforces the timeout, retries with reduced
// flags when the CLI rejects one, persists the audit trail, and derives the
// redacted deliverables.
package supervise

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vberezny/agentgate/internal/gate"
	"github.com/vberezny/agentgate/internal/gitutil"
	"github.com/vberezny/agentgate/internal/redact"
	"github.com/vberezny/agentgate/internal/store"
)

// SessionIDEnv is set in the child's environment so agent-side tooling can
// correlate its own logs with the gateway session.
const SessionIDEnv = "AGENTGATE_SESSION_ID"

var (
	// unknownFlagRe is the stderr shape CLIs emit when rejecting a flag.
	unknownFlagRe = regexp.MustCompile(`(?i)unknown|unrecognized|not recognized|invalid (option|flag)`)
	// toolsFlagRe detects that the rejection names the allowed-tools flag
	// specifically, in any spelling.
	toolsFlagRe = regexp.MustCompile(`(?i)allowedtools|allowed-tools|allowed_tools`)
)

var testMarkers = []string{"PASS", "FAIL", "✓", "✗", "Tests:", "Test Suites:"}

const stderrMarker = "\n----- stderr -----\n"

// Supervisor runs accepted sessions. One Run call owns all state mutation
// for its session while the session is running.
type Supervisor struct {
	Store     *store.Store
	Gate      *gate.Gate
	AgentBin  string
	KillGrace time.Duration
	Log       zerolog.Logger
}

// RunInput is everything a session run needs.
type RunInput struct {
	SessionID     string
	Goal          string
	Prompt        string
	WorkspaceRoot string
	AllowedTools  []string
	Timeout       time.Duration
}

// Result is the terminal outcome, for logging; callers read the persisted
// state for details.
type Result struct {
	Status       string
	ErrorSummary string
}

// Run executes the session protocol. The context is the abort signal: once
// canceled, no further state updates or finalization happen, though raw
// audit logs already on disk remain. The gate is released on every exit
// path, always after the child has really exited.
func (s *Supervisor) Run(ctx context.Context, in RunInput) Result {
	defer s.Gate.Release(in.WorkspaceRoot, in.SessionID)

	log := s.Log.With().Str("session_id", in.SessionID).Logger()

	turnDir := s.Store.TurnDir(in.SessionID, 1)
	outDir := s.Store.OutDir(in.SessionID)
	artifactsDir := filepath.Join(in.WorkspaceRoot, store.ArtifactsDirName)
	for _, dir := range []string{turnDir, outDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return s.fail(ctx, in, fmt.Sprintf("cannot create session directories: %v", err))
		}
	}
	// Best effort: the agent may have no artifacts to produce.
	_ = os.MkdirAll(artifactsDir, 0o755)

	env := append(os.Environ(), SessionIDEnv+"="+in.SessionID)

	// Primary argument vector. The recorded form replaces the prompt with a
	// placeholder to keep request.json readable.
	args := []string{"-p", in.Prompt, "--output-format", "json"}
	haveTools := len(in.AllowedTools) > 0
	if haveTools {
		args = append(args, "--allowedTools", strings.Join(in.AllowedTools, ","))
	}
	s.recordRequest(in.SessionID, args, in.Prompt, false)

	var fallbackEvents []store.FallbackEvent
	toolsDropped := false

	res, err := s.spawn(ctx, in.WorkspaceRoot, args, env, in.Timeout)
	if err != nil {
		return s.fail(ctx, in, fmt.Sprintf("cannot start agent %q: %v", s.AgentBin, err))
	}

	// Fallback 1: the CLI rejected the allowed-tools flag. Retry without
	// it. This runs before the output-format fallback so a rejection of
	// --output-format alone never silently drops the tool restriction.
	if res.exitCode != 0 && !res.timedOut && !res.canceled && haveTools &&
		unknownFlagRe.Match(res.stderr) && toolsFlagRe.Match(res.stderr) {
		fallbackEvents = append(fallbackEvents, store.FallbackEvent{
			Time:           time.Now().UTC(),
			AttemptedFlag:  "--allowedTools",
			Reason:         firstLine(res.stderr),
			FallbackAction: "retry without --allowedTools",
		})
		log.Warn().Str("flag", "--allowedTools").Msg("agent rejected flag; retrying without it")
		toolsDropped = true
		args = []string{"-p", in.Prompt, "--output-format", "json"}
		s.recordRequest(in.SessionID, args, in.Prompt, true)
		res, err = s.spawn(ctx, in.WorkspaceRoot, args, env, in.Timeout)
		if err != nil {
			return s.fail(ctx, in, fmt.Sprintf("cannot start agent %q: %v", s.AgentBin, err))
		}
	}

	// Fallback 2: structured output rejected. Switch to --print, keeping
	// the tool restriction unless fallback 1 already dropped it.
	if res.exitCode != 0 && !res.timedOut && !res.canceled && unknownFlagRe.Match(res.stderr) {
		fallbackEvents = append(fallbackEvents, store.FallbackEvent{
			Time:           time.Now().UTC(),
			AttemptedFlag:  "--output-format",
			Reason:         firstLine(res.stderr),
			FallbackAction: "retry with --print and no structured output",
		})
		log.Warn().Str("flag", "--output-format").Msg("agent rejected flag; retrying with --print")
		args = []string{"--print", in.Prompt}
		if haveTools && !toolsDropped {
			args = append(args, "--allowedTools", strings.Join(in.AllowedTools, ","))
		}
		s.recordRequest(in.SessionID, args, in.Prompt, true)
		res, err = s.spawn(ctx, in.WorkspaceRoot, args, env, in.Timeout)
		if err != nil {
			return s.fail(ctx, in, fmt.Sprintf("cannot start agent %q: %v", s.AgentBin, err))
		}
	}

	// Raw audit logs, never redacted. Protected only by filesystem
	// permissions on the data directory.
	if err := os.WriteFile(filepath.Join(turnDir, "stdout.log"), res.stdout, 0o600); err != nil {
		log.Error().Err(err).Msg("write stdout.log")
	}
	if err := os.WriteFile(filepath.Join(turnDir, "stderr.log"), res.stderr, 0o600); err != nil {
		log.Error().Err(err).Msg("write stderr.log")
	}

	if res.canceled {
		log.Info().Msg("session canceled; skipping finalization")
		return Result{Status: store.StatusAborted, ErrorSummary: "Aborted by client request"}
	}

	turnsCompleted, costUSD := s.parseStructuredOutput(in.SessionID, res.stdout)

	rawOutput := string(res.stdout) + stderrMarker + string(res.stderr)
	redacted := redact.Redact(rawOutput)
	blockers := ExtractBlockers(redacted)

	s.progress(ctx, in.SessionID, map[string]any{
		"turns_completed": turnsCompleted,
		"blockers":        blockers,
	}, fmt.Sprintf("agent exited with code %d after %s", res.exitCode, res.duration.Round(time.Second)))

	// Workspace side effects run in parallel; all are best-effort.
	var (
		wg           sync.WaitGroup
		filesChanged []string
		diffOut      string
		diffOK       bool
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		filesChanged = gitutil.ChangedFiles(ctx, in.WorkspaceRoot)
	}()
	go func() {
		defer wg.Done()
		diffOut, diffOK = gitutil.DiffHead(ctx, in.WorkspaceRoot)
	}()
	wg.Wait()

	patchContent := "(unavailable)\n"
	if diffOK {
		if strings.TrimSpace(diffOut) == "" {
			patchContent = "(no changes)\n"
		} else {
			patchContent = diffOut
		}
	}

	status := store.StatusDone
	var errorSummary *string
	if res.timedOut {
		status = store.StatusFailed
		errorSummary = ptr("Worker timed out")
	} else if res.exitCode != 0 {
		status = store.StatusFailed
		errorSummary = ptr(fmt.Sprintf("Worker exited with code %d", res.exitCode))
	}

	s.writeDeliverable(log, "patch.diff", []byte(patchContent), outDir, artifactsDir)
	summary := renderSummary(in.Goal, status, turnsCompleted, costUSD, blockers)
	s.writeDeliverable(log, "summary.md", []byte(summary), outDir, artifactsDir)
	if report := testReport(rawOutput); report != "" {
		s.writeDeliverable(log, "test_report.md", []byte(report), outDir, artifactsDir)
	}

	index, err := IndexArtifacts(artifactsDir)
	if err != nil {
		log.Warn().Err(err).Msg("index artifacts")
		index = []store.Artifact{}
	}
	if encoded, err := json.MarshalIndent(index, "", "  "); err == nil {
		s.writeDeliverable(log, "artifacts.json", append(encoded, '\n'), outDir, artifactsDir)
	}
	// Re-index so the state record includes artifacts.json itself.
	artifacts, err := IndexArtifacts(artifactsDir)
	if err != nil {
		artifacts = index
	}

	// Terminal status and the final collections land in one patch so a
	// reader observing a terminal state always sees the complete result.
	finalPatch := map[string]any{
		"status":          status,
		"turns_completed": turnsCompleted,
		"blockers":        blockers,
		"files_changed":   filesChanged,
		"artifacts":       artifacts,
		"fallback_events": fallbackEvents,
		"cost_usd":        costUSD,
		"error_summary":   errorSummary,
	}
	s.updateState(ctx, in.SessionID, finalPatch)

	summaryText := ""
	if errorSummary != nil {
		summaryText = *errorSummary
	}
	log.Info().Str("status", status).Int("exit_code", res.exitCode).Msg("session finished")
	return Result{Status: status, ErrorSummary: summaryText}
}

// fail is the early-exit path for setup errors before or between spawns.
func (s *Supervisor) fail(ctx context.Context, in RunInput, summary string) Result {
	s.updateState(ctx, in.SessionID, map[string]any{
		"status":        store.StatusFailed,
		"error_summary": summary,
	})
	s.Log.Error().Str("session_id", in.SessionID).Msg(summary)
	return Result{Status: store.StatusFailed, ErrorSummary: summary}
}

// updateState applies a patch unless the run was canceled. Store errors are
// logged and swallowed so the deferred gate release always runs.
func (s *Supervisor) updateState(ctx context.Context, id string, patch map[string]any) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Store.UpdateState(id, patch); err != nil {
		s.Log.Error().Str("session_id", id).Err(err).Msg("state update failed")
	}
}

// progress appends a progress line and applies the given patch fields.
func (s *Supervisor) progress(ctx context.Context, id string, patch map[string]any, line string) {
	if ctx.Err() != nil {
		return
	}
	if state, err := s.Store.GetState(id); err == nil && state != nil {
		patch["progress"] = append(state.Progress, line)
	}
	s.updateState(ctx, id, patch)
}

func (s *Supervisor) recordRequest(id string, args []string, prompt string, isFallback bool) {
	recorded := make([]string, len(args))
	for i, a := range args {
		if a == prompt {
			recorded[i] = "<prompt>"
		} else {
			recorded[i] = a
		}
	}
	if err := s.Store.AppendTurnRequest(id, 1, &store.TurnRequest{
		Args:       recorded,
		IsFallback: isFallback,
		RecordedAt: time.Now().UTC(),
	}); err != nil {
		s.Log.Warn().Str("session_id", id).Err(err).Msg("record turn request")
	}
}

// parseStructuredOutput tries to read stdout as a JSON object. On success
// it persists cli_output.json and extracts the turn count and cost; on
// failure the defaults (1 turn, no cost) apply.
func (s *Supervisor) parseStructuredOutput(id string, stdout []byte) (int, *float64) {
	turns := 1
	var cost *float64

	trimmed := strings.TrimSpace(string(stdout))
	if !strings.HasPrefix(trimmed, "{") {
		return turns, cost
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return turns, cost
	}

	turnDir := s.Store.TurnDir(id, 1)
	if encoded, err := json.MarshalIndent(doc, "", "  "); err == nil {
		if err := os.WriteFile(filepath.Join(turnDir, "cli_output.json"), append(encoded, '\n'), 0o600); err != nil {
			s.Log.Warn().Str("session_id", id).Err(err).Msg("write cli_output.json")
		}
	}

	if n, ok := numberField(doc, "turn_count"); ok {
		turns = int(n)
	} else if n, ok := numberField(doc, "turns_completed"); ok {
		turns = int(n)
	}
	if turns < 1 {
		turns = 1
	}
	if c, ok := numberField(doc, "cost_usd"); ok {
		cost = &c
	} else if usage, ok := doc["usage"].(map[string]any); ok {
		if c, ok := numberField(usage, "cost"); ok {
			cost = &c
		}
	}
	return turns, cost
}

func numberField(doc map[string]any, key string) (float64, bool) {
	n, ok := doc[key].(float64)
	return n, ok
}

func (s *Supervisor) writeDeliverable(log zerolog.Logger, name string, content []byte, outDir, artifactsDir string) {
	if err := os.WriteFile(filepath.Join(outDir, name), content, 0o644); err != nil {
		log.Warn().Str("file", name).Err(err).Msg("write deliverable")
	}
	if err := os.WriteFile(filepath.Join(artifactsDir, name), content, 0o644); err != nil {
		log.Warn().Str("file", name).Err(err).Msg("copy deliverable to artifacts")
	}
}

func renderSummary(goal, status string, turns int, cost *float64, blockers []store.Blocker) string {
	var b strings.Builder
	b.WriteString("# Session Summary\n\n")
	fmt.Fprintf(&b, "- Goal: %s\n", goal)
	fmt.Fprintf(&b, "- Status: %s\n", status)
	fmt.Fprintf(&b, "- Turns: %d\n", turns)
	if cost != nil {
		fmt.Fprintf(&b, "- Cost (USD): %.4f\n", *cost)
	} else {
		b.WriteString("- Cost (USD): unknown\n")
	}
	b.WriteString("\n## Blockers\n\n")
	if len(blockers) == 0 {
		b.WriteString("None.\n")
	} else {
		for _, bl := range blockers {
			fmt.Fprintf(&b, "- %s:%s: %s\n", bl.File, bl.LineRange, bl.Description)
		}
	}
	return b.String()
}

// testReport extracts the first 100 lines containing test markers, or ""
// when the output has none.
func testReport(raw string) string {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		for _, marker := range testMarkers {
			if strings.Contains(line, marker) {
				lines = append(lines, line)
				break
			}
		}
		if len(lines) >= 100 {
			break
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "# Test Report\n\n```\n" + strings.Join(lines, "\n") + "\n```\n"
}

func firstLine(b []byte) string {
	line := strings.TrimSpace(strings.SplitN(string(b), "\n", 2)[0])
	if line == "" {
		line = "nonzero exit with unknown-flag stderr"
	}
	return line
}

func ptr[T any](v T) *T { return &v }
