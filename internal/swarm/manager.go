package swarm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces session ids.
type IDGenerator func() string

// UUIDs generates ids of the form swarm-<uuid>.
func UUIDs() IDGenerator {
	return func() string { return "swarm-" + uuid.NewString() }
}

// CounterIDs generates prefix-1, prefix-2, ... for deterministic tests.
func CounterIDs(prefix string) IDGenerator {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s-%d", prefix, n.Add(1)) }
}

// Option configures a Manager.
type Option func(*Manager)

// WithIDGenerator replaces the uuid-based session ids.
func WithIDGenerator(gen IDGenerator) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithArchive persists every session state change.
func WithArchive(a Archive) Option {
	return func(m *Manager) { m.archive = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the live sessions and routes requests to them.
type Manager struct {
	decomposer Decomposer
	archive    Archive
	newID      IDGenerator
	now        func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager whose sessions plan with d.
func NewManager(d Decomposer, opts ...Option) *Manager {
	m := &Manager{
		decomposer: d,
		newID:      UUIDs(),
		now:        time.Now,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new idle session.
func (m *Manager) Create() *Session {
	s := newSession(m.newID(), m.decomposer, m.archive, m.now)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Remove forgets a session. It reports whether the session existed.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// Sessions returns every session, oldest first.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].state.StartedAt, out[j].state.StartedAt
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return out[i].id < out[j].id
	})
	return out
}

// HandleMessage routes req. An analyze request creates a session; approve
// and status requests go to the named session. It returns the id of the
// session the request ended up addressing, or "" if it named none.
func (m *Manager) HandleMessage(ctx context.Context, req Request, send SendFunc) (string, error) {
	if req.Type == TypeAnalyze {
		s := m.Create()
		return s.id, s.Analyze(ctx, req, send)
	}

	if req.SessionID == "" {
		send(ErrorMessage{Type: TypeError, Error: "Missing sessionId in message"})
		return "", fmt.Errorf("%w: missing sessionId", ErrSessionNotFound)
	}

	s, err := m.Get(req.SessionID)
	if err != nil {
		id := req.SessionID
		send(ErrorMessage{Type: TypeError, SessionID: &id, Error: fmt.Sprintf("Session '%s' not found", id)})
		return id, err
	}
	return s.id, s.HandleMessage(ctx, req, send)
}
