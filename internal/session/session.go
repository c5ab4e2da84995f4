// ABOUTME: Client session tracking for connected MCP clients.
// ABOUTME: Manager owns the session table and expires idle entries on sweep.

package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session tracks one connected client's identity and activity. The IP address
// is fixed for the session's lifetime; activity fields are bumped via the
// Manager on every accepted request.
type Session struct {
	ClientID      string
	IPAddress     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	RequestCount  int64
	Authenticated bool
	UserAgent     string
}

// Manager is the thread-safe session table. One entry per live connection.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	now func() time.Time
}

// NewManager creates an empty session table.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create registers a new session for a connection from ip and returns it.
// The client ID is a fresh UUID.
func (m *Manager) Create(ip, userAgent string) *Session {
	now := m.now()
	sess := &Session{
		ClientID:     uuid.New().String(),
		IPAddress:    ip,
		ConnectedAt:  now,
		LastActivity: now,
		UserAgent:    userAgent,
	}

	m.mu.Lock()
	m.sessions[sess.ClientID] = sess
	m.mu.Unlock()
	return sess
}

// Get returns the session for clientID, or nil if unknown.
func (m *Manager) Get(clientID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[clientID]
}

// Touch records an accepted request against the session: bumps LastActivity
// and RequestCount. Unknown IDs are ignored.
func (m *Manager) Touch(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[clientID]; ok {
		sess.LastActivity = m.now()
		sess.RequestCount++
	}
}

// SetAuthenticated marks the session as having presented a valid token.
func (m *Manager) SetAuthenticated(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[clientID]; ok {
		sess.Authenticated = true
	}
}

// Remove deletes the session. Safe to call for unknown IDs.
func (m *Manager) Remove(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, clientID)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ExpireIdle removes sessions whose LastActivity predates now-maxAge and
// returns how many were dropped. It only prunes the table; closing the
// underlying sockets is the connection handlers' business.
func (m *Manager) ExpireIdle(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, sess := range m.sessions {
		if sess.LastActivity.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}
