// Package pathguard resolves and validates filesystem paths against a set
// of context roots and deny globs. It is the only place path containment
// is decided; callers treat its verdict as final.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Result is the outcome of a validation. Resolved is only meaningful when
// Allowed is true.
type Result struct {
	Allowed  bool
	Resolved string
	Reason   string
}

func denied(reason string) Result {
	return Result{Allowed: false, Reason: reason}
}

// Validate checks path against contextRoots and denyGlobs. The path is
// canonicalized through symlinks before any containment check; for targets
// that do not exist yet, the nearest existing ancestor is canonicalized and
// the unresolved suffix rejoined, so a symlinked prefix cannot escape a
// root even for files about to be created.
func Validate(path string, contextRoots []string, denyGlobs []string) Result {
	if strings.TrimSpace(path) == "" {
		return denied("empty path")
	}
	if strings.ContainsRune(path, 0) {
		return denied("path contains null byte")
	}

	resolved, err := Canonicalize(path)
	if err != nil {
		return denied(fmt.Sprintf("cannot resolve path: %v", err))
	}

	for _, root := range contextRoots {
		canonRoot, err := Canonicalize(root)
		if err != nil {
			continue
		}
		if !isUnder(resolved, canonRoot) {
			continue
		}
		rel, err := filepath.Rel(canonRoot, resolved)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		for _, glob := range denyGlobs {
			// Glob syntax errors fail closed.
			matched, err := doublestar.Match(glob, rel)
			if err != nil || matched {
				return denied(fmt.Sprintf("path matches deny pattern %q", glob))
			}
		}
		return Result{Allowed: true, Resolved: resolved}
	}

	return denied("path is not under any allowed root")
}

// Canonicalize returns the symlink-resolved absolute form of path. When the
// target does not exist, it walks toward the filesystem root until an
// existing ancestor is found, resolves that ancestor, and rejoins the
// remaining suffix unresolved.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	// Target missing: find the deepest existing ancestor.
	var suffix []string
	cur := abs
	for {
		parent := filepath.Dir(cur)
		if parent == cur {
			// Reached the root without finding anything that exists.
			return abs, nil
		}
		suffix = append([]string{filepath.Base(cur)}, suffix...)
		cur = parent
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(append([]string{resolved}, suffix...)...), nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
}

// isUnder reports whether target equals root or lies strictly beneath it.
// Both sides must already be canonical. The separator check prevents /a/b
// from matching a root of /a/bc.
func isUnder(target, root string) bool {
	if target == root {
		return true
	}
	return strings.HasPrefix(target, root+string(filepath.Separator))
}
