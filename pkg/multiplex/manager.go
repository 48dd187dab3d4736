package multiplex

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/irwin/switchboard/internal/observability"
	"github.com/irwin/switchboard/pkg/agent"
)

// ManagerOptions wire a Manager into its collaborators.
type ManagerOptions struct {
	// Factory opens agent connections for every session.
	Factory agent.Factory
	// Defaults are the connection parameters given to each new session.
	Defaults SessionConfig
	// Authorizer decides tool permission requests. Nil denies via the
	// connection's own fallback.
	Authorizer Authorizer
	// Hooks receive turn reports and lifecycle transitions.
	Hooks Hooks
	// NewDetector builds a drift detector per session. Nil disables drift
	// restarts.
	NewDetector func() Detector
	// Logger is the base logger; sessions derive from it.
	Logger zerolog.Logger
}

// Manager indexes sessions by key. Sessions are created on first use and
// fully independent of one another.
type Manager struct {
	opts ManagerOptions

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds an empty session index.
func NewManager(opts ManagerOptions) *Manager {
	observability.EnsureRegistered()
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Session returns the session for key, creating it on first use.
func (m *Manager) Session(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		return s
	}

	var detect Detector
	if m.opts.NewDetector != nil {
		detect = m.opts.NewDetector()
	}
	s := newSession(key, m.opts.Defaults, m.opts.Factory, detect, m.opts.Authorizer, m.opts.Hooks, m.opts.Logger)
	m.sessions[key] = s
	observability.SetActiveSessions(len(m.sessions))
	m.opts.Logger.Info().Str("session", key).Msg("session created")
	return s
}

// Lookup returns the session for key without creating one.
func (m *Manager) Lookup(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	return s, ok
}

// Submit queues a request into the keyed session, creating it on first use.
func (m *Manager) Submit(ctx context.Context, key string, req Request) (*Ticket, error) {
	return m.Session(key).Submit(ctx, req)
}

// Cancel cancels a request by id across all sessions.
func (m *Manager) Cancel(requestID string) bool {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if s.Cancel(requestID) {
			return true
		}
	}
	return false
}

// Dispose disposes the keyed session and removes it from the index, so a
// later Submit builds a fresh session object.
func (m *Manager) Dispose(key string) bool {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
		observability.SetActiveSessions(len(m.sessions))
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Dispose()
	return true
}

// List snapshots every session, ordered by key.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		snaps = append(snaps, s.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key < snaps[j].Key })
	return snaps
}

// Shutdown disposes every session. Used at daemon stop.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	observability.SetActiveSessions(0)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Dispose()
	}
}
