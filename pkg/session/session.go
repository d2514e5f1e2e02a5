// Package session tracks live agent sessions, their parent/child edges,
// and the event bus renderers subscribe to.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgecli/forge/pkg/memory"
)

// Mode distinguishes a root agent session from a delegated one.
type Mode string

const (
	ModeParent Mode = "parent"
	ModeChild  Mode = "child"
)

// AgentState is the agent loop's observable state.
type AgentState string

const (
	StateIdle            AgentState = "idle"
	StateThinking        AgentState = "thinking"
	StateExecutingTools  AgentState = "executing_tools"
	StateWaitingForChild AgentState = "waiting_for_child"
	StateCompleted       AgentState = "completed"
	StateFailed          AgentState = "failed"
)

// Session is one live conversation. The manager is the sole mutator;
// readers get copies.
type Session struct {
	ID        string
	ParentID  string
	Mode      Mode
	State     AgentState
	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	// ErrNotFound reports a lookup of an unknown session.
	ErrNotFound = errors.New("session not found")
	// ErrNestedChild reports an attempt to delegate from a child session.
	ErrNestedChild = errors.New("child sessions cannot spawn children")
)

// Manager owns the set of live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	bus      *Bus
	store    memory.Store
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStore persists session hierarchy rows to a store. Persistence
// failures are logged, never surfaced.
func WithManagerStore(store memory.Store) ManagerOption {
	return func(m *Manager) {
		m.store = store
	}
}

// NewManager creates a Manager publishing on the given bus.
func NewManager(bus *Bus, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		bus:      bus,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Bus returns the manager's event bus.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Create allocates a new session. A non-empty parentID makes a child
// session; a child of a child is rejected.
func (m *Manager) Create(parentID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mode := ModeParent
	if parentID != "" {
		parent, exists := m.sessions[parentID]
		if !exists {
			return Session{}, fmt.Errorf("parent %s: %w", parentID, ErrNotFound)
		}
		if parent.ParentID != "" {
			return Session{}, ErrNestedChild
		}
		mode = ModeChild
	}

	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		Mode:      mode,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[s.ID] = s

	if m.store != nil {
		if err := m.store.SaveSession(s.ID, s.ParentID, string(s.Mode)); err != nil {
			slog.Warn("Failed to persist session", "session_id", s.ID, "error", err)
		}
	}
	return *s, nil
}

// Get returns a copy of a session.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, exists := m.sessions[id]
	if !exists {
		return Session{}, false
	}
	return *s, true
}

// UpdateState transitions a session's state and broadcasts the change.
func (m *Manager) UpdateState(id string, state AgentState) error {
	m.mu.Lock()
	s, exists := m.sessions[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	s.State = state
	s.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.bus.Publish(Event{
		Type:      EventStateChanged,
		SessionID: id,
		Payload:   map[string]interface{}{"state": string(state)},
	})
	return nil
}

// Children returns copies of a session's direct children.
func (m *Manager) Children(id string) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var children []Session
	for _, s := range m.sessions {
		if s.ParentID == id {
			children = append(children, *s)
		}
	}
	return children
}

// Remove releases a finished session.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
