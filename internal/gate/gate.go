// Package gate provides the single-slot mutual exclusion between task
// submissions. At most one (workspace, session) pair is active per process.
package gate

import "sync"

// Gate holds at most one active session. Acquire and Release are atomic
// against concurrent requests; Release by anyone other than the holder is a
// no-op so a stale abort cannot free a newer session's slot.
type Gate struct {
	mu        sync.Mutex
	workspace string
	sessionID string
	held      bool
}

// New returns an empty gate.
func New() *Gate { return &Gate{} }

// Acquire stores (workspace, sessionID) iff the gate is empty.
func (g *Gate) Acquire(workspace, sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return false
	}
	g.workspace = workspace
	g.sessionID = sessionID
	g.held = true
	return true
}

// Release empties the gate iff the stored pair matches.
func (g *Gate) Release(workspace, sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held || g.workspace != workspace || g.sessionID != sessionID {
		return false
	}
	g.workspace = ""
	g.sessionID = ""
	g.held = false
	return true
}

// ActiveSessionID returns the current holder's session id, or "".
func (g *Gate) ActiveSessionID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return ""
	}
	return g.sessionID
}
