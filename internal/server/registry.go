package server

import (
	"context"
	"fmt"
	"sync"
)

// Registry tracks the cancellation token of each in-flight session run.
// The abort route triggers the token; the supervisor goroutine removes the
// entry when it finishes.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]context.CancelCauseFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]context.CancelCauseFunc)}
}

// Register stores the cancel token for a session run.
func (r *Registry) Register(sessionID string, cancel context.CancelCauseFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[sessionID]; exists {
		return fmt.Errorf("session %s already registered", sessionID)
	}
	r.entries[sessionID] = cancel
	return nil
}

// Cancel fires the session's token. Returns false when no run is tracked.
func (r *Registry) Cancel(sessionID string, reason string) bool {
	r.mu.RLock()
	cancel, ok := r.entries[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	cancel(fmt.Errorf("%s", reason))
	return true
}

// Remove drops a finished session's entry.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
}

// CancelAll fires every tracked token with the given reason.
func (r *Registry) CancelAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cancel := range r.entries {
		cancel(fmt.Errorf("%s", reason))
	}
}
