// Package sessions holds the in-memory conversation state for Parley.
package sessions

import (
	"encoding/json"
	"sync"
)

// Session is the cached state for one conversation: the inference backend's
// serialized thread (opaque to this package) plus the running usage aggregate.
type Session struct {
	Thread json.RawMessage `json:"thread,omitempty"`
	Stats  Stats           `json:"stats"`
}

// Manager maps conversation identifiers to cached sessions. The lock guards
// only the map operations; callers must never hold state from Get across an
// agent invocation and expect it to still be current. Overlapping turns on
// the same conversation race on the final Put and the later write wins, an
// accepted consequence of taking no per-conversation lock.
//
// Sessions live for the lifetime of the process; there is no eviction.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Get returns the session for a conversation, or nil when none is cached.
func (m *Manager) Get(conversationID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[conversationID]
}

// Put replaces the session for a conversation wholesale.
func (m *Manager) Put(conversationID string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[conversationID] = s
}

// Len reports the number of cached conversations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
