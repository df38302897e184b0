// Package gitutil queries the workspace's version control for the change
// set a session produced. Every query is best-effort: a workspace that is
// not a repository, has no HEAD, or has no git binary yields empty results,
// never an error surfaced to the session.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// QueryTimeout bounds each git invocation. Change detection runs after the
// agent exits, so a hung git process must not stall finalization.
const QueryTimeout = 10 * time.Second

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(ctx context.Context, dir string, args ...string) (string, string, error) {
	// Disable git's background auto-maintenance so queries never spawn
	// long-running helper processes in the workspace.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(ctx context.Context, dir string) bool {
	out, _, err := runGit(ctx, dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

// ModifiedFiles returns tracked files changed since HEAD, workspace-relative.
func ModifiedFiles(ctx context.Context, dir string) []string {
	out, _, err := runGit(ctx, dir, "diff", "--name-only", "HEAD")
	if err != nil {
		return nil
	}
	return splitLines(out)
}

// UntrackedFiles returns untracked, non-ignored files, workspace-relative.
func UntrackedFiles(ctx context.Context, dir string) []string {
	out, _, err := runGit(ctx, dir, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil
	}
	return splitLines(out)
}

// ChangedFiles runs the modified and untracked queries in parallel and
// returns their union, preserving modified-then-untracked order with
// duplicates removed. A non-repository workspace yields the empty list.
func ChangedFiles(ctx context.Context, dir string) []string {
	if !IsRepo(ctx, dir) {
		return []string{}
	}
	var modified, untracked []string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		modified = ModifiedFiles(ctx, dir)
	}()
	go func() {
		defer wg.Done()
		untracked = UntrackedFiles(ctx, dir)
	}()
	wg.Wait()

	seen := map[string]bool{}
	out := []string{}
	for _, f := range append(modified, untracked...) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

// DiffHead returns the unified diff of the work tree against HEAD. The
// boolean reports whether the query succeeded at all.
func DiffHead(ctx context.Context, dir string) (string, bool) {
	if !IsRepo(ctx, dir) {
		return "", false
	}
	out, _, err := runGit(ctx, dir, "diff", "HEAD")
	if err != nil {
		return "", false
	}
	return out, true
}

func splitLines(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files
}
