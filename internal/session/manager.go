// ABOUTME: In-memory session tracking for live gateway connections.
// ABOUTME: Sessions bind a resolved principal to a connection for its lifetime.

package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opal-labs/opal-gateway/internal/auth"
)

// Session is one live connection's state. The principal is resolved once
// at handshake and owned by the session until it closes.
type Session struct {
	ID              string
	Principal       *auth.Principal
	ProtocolVersion string
	OpenedAt        time.Time
	LastActivity    time.Time
}

// Manager tracks active sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
	clock    func() time.Time

	// onClose runs for every closed session, e.g. to detach its
	// broadcaster channel and drop its subscriptions.
	onClose func(sessionID string)
}

// NewManager creates a session manager. Pass nil logger for default.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "sessions"),
		clock:    time.Now,
	}
}

// OnClose registers the session teardown hook. Must be set before serving.
func (m *Manager) OnClose(fn func(sessionID string)) { m.onClose = fn }

// Open creates a session for the principal and returns it.
func (m *Manager) Open(principal *auth.Principal, protocolVersion string) *Session {
	now := m.clock()
	sess := &Session{
		ID:              uuid.New().String(),
		Principal:       principal,
		ProtocolVersion: protocolVersion,
		OpenedAt:        now,
		LastActivity:    now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.logger.Info("session opened",
		"session_id", sess.ID,
		"principal", principal.ID,
	)
	return sess
}

// Get returns the session by ID, or false.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	return sess, ok
}

// Touch records activity on a session.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	if sess, ok := m.sessions[id]; ok {
		sess.LastActivity = m.clock()
	}
	m.mu.Unlock()
}

// Close removes a session and runs the teardown hook. Reports whether the
// session existed. In-flight work dispatched for the session is allowed to
// finish; its result is discarded by the transport.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	_, existed := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if existed {
		if m.onClose != nil {
			m.onClose(id)
		}
		m.logger.Info("session closed", "session_id", id)
	}
	return existed
}

// CloseIdle closes sessions with no activity for longer than maxIdle and
// returns how many were closed.
func (m *Manager) CloseIdle(maxIdle time.Duration) int {
	cutoff := m.clock().Add(-maxIdle)

	m.mu.RLock()
	var stale []string
	for id, sess := range m.sessions {
		if sess.LastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.Close(id)
	}

	if len(stale) > 0 {
		m.logger.Info("closed idle sessions", "count", len(stale))
	}
	return len(stale)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
