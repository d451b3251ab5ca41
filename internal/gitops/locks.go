package gitops

import (
	"sync"
)

// WorkspaceLocks serialises git operations per workspace. Each workspace
// path gets its own mutex, so different workers never wait on each other.
type WorkspaceLocks struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-workspace mutexes
}

// NewWorkspaceLocks creates an empty lock set.
func NewWorkspaceLocks() *WorkspaceLocks {
	return &WorkspaceLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex of workspace, creating it on first use.
func (r *WorkspaceLocks) Lock(workspace string) {
	r.mu.Lock()
	l, exists := r.locks[workspace]
	if !exists {
		l = &sync.Mutex{}
		r.locks[workspace] = l
	}
	r.mu.Unlock()

	// Acquire outside the map lock so other workspaces are not blocked.
	l.Lock()
}

// Unlock releases the mutex of workspace.
func (r *WorkspaceLocks) Unlock(workspace string) {
	r.mu.Lock()
	l, exists := r.locks[workspace]
	r.mu.Unlock()

	if exists {
		l.Unlock()
	}
}
