package execsession

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mfateev/gatekeeper/internal/fault"
)

// DefaultSessionName names the implicit session.
const DefaultSessionName = "default"

// ManagerStats summarizes all sessions.
type ManagerStats struct {
	Sessions      int `json:"sessions"`
	AliveSessions int `json:"alive_sessions"`
	TotalCommands int `json:"total_commands"`
}

// Manager owns the session table: one lazily created default session plus
// any number of named ones. The table lock is held only for lookups and
// inserts, never while a shell starts or a command runs.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu        sync.RWMutex
	sessions  map[string]*Session
	order     []string
	byName    map[string]string
	defaultID string

	// createMu serializes session creation so names stay unique and the
	// default session is started once.
	createMu sync.Mutex
}

// NewManager creates a manager whose sessions share opts.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Logger = logger.Named("shell")
	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*Session),
		byName:   make(map[string]string),
	}
}

// DefaultSession returns the implicit session, starting it on first use.
// A default session whose shell died is returned as is.
func (m *Manager) DefaultSession(ctx context.Context) (*Session, error) {
	if s := m.lookupDefault(); s != nil {
		return s, nil
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()
	if s := m.lookupDefault(); s != nil {
		return s, nil
	}

	s, err := Start(ctx, DefaultSessionName, m.opts)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "", err, "start default session")
	}
	m.mu.Lock()
	m.insertLocked(s)
	m.defaultID = s.ID
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) lookupDefault() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.defaultID == "" {
		return nil
	}
	return m.sessions[m.defaultID]
}

// CreateSession starts a new named session. Names are unique among live
// table entries; an empty name gets a generated one.
func (m *Manager) CreateSession(ctx context.Context, name string) (*Session, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	m.mu.RLock()
	if name == "" {
		name = fmt.Sprintf("session-%d", len(m.order)+1)
	}
	_, taken := m.byName[name]
	m.mu.RUnlock()
	if taken || name == DefaultSessionName {
		return nil, fault.Newf(fault.Validation, "", "session name %q already in use", name)
	}

	s, err := Start(ctx, name, m.opts)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "", err, "start session")
	}
	m.mu.Lock()
	m.insertLocked(s)
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) insertLocked(s *Session) {
	m.sessions[s.ID] = s
	m.byName[s.Name] = s.ID
	m.order = append(m.order, s.ID)
}

// Session looks up a session by id or name.
func (m *Manager) Session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	if sid, ok := m.byName[id]; ok {
		return m.sessions[sid], nil
	}
	return nil, fault.Newf(fault.UnknownSession, "", "unknown session %q", id)
}

// SessionIDs lists session ids in creation order.
func (m *Manager) SessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// AllStats returns the stats of every session in creation order.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		sessions = append(sessions, m.sessions[id])
	}
	m.mu.RUnlock()

	out := make([]Stats, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Stats())
	}
	return out
}

// CloseSession kills one session and removes it from the table.
func (m *Manager) CloseSession(id string) error {
	s, err := m.Session(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.removeLocked(s)
	m.mu.Unlock()
	return s.Close()
}

func (m *Manager) removeLocked(s *Session) {
	delete(m.sessions, s.ID)
	delete(m.byName, s.Name)
	if m.defaultID == s.ID {
		m.defaultID = ""
	}
	for i, id := range m.order {
		if id == s.ID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Cleanup kills every shell and clears the table. Dead sessions are fine
// and a second call is a no-op.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		sessions = append(sessions, m.sessions[id])
	}
	m.sessions = make(map[string]*Session)
	m.byName = make(map[string]string)
	m.order = nil
	m.defaultID = ""
	m.mu.Unlock()

	var errs error
	for _, s := range sessions {
		errs = multierr.Append(errs, s.Close())
	}
	if len(sessions) > 0 {
		m.logger.Info("Shell sessions cleaned up", zap.Int("count", len(sessions)))
	}
	return errs
}

// Probe summarizes the table for health checks.
func (m *Manager) Probe() ManagerStats {
	var ps ManagerStats
	for _, st := range m.AllStats() {
		ps.Sessions++
		if st.Alive {
			ps.AliveSessions++
		}
		ps.TotalCommands += st.TotalCommands
	}
	return ps
}
