// Package session tracks agent conversation sessions keyed by agent and chat.
package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Session is the gateway's view of one agent conversation.
type Session struct {
	Key          string    `json:"key"`
	AgentID      string    `json:"agentId"`
	Channel      string    `json:"channel"`
	AccountID    string    `json:"accountId,omitempty"`
	ChatID       string    `json:"chatId"`
	ThreadID     string    `json:"threadId,omitempty"`
	LastSenderID string    `json:"lastSenderId,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Origin identifies where a message came from.
type Origin struct {
	AgentID   string
	Channel   string
	AccountID string
	ChatID    string
	ThreadID  string
	SenderID  string
}

// Key builds the session key: agent:<agent>:<channel>:<chat>[:<thread>].
func (o Origin) Key() string {
	parts := []string{"agent", o.AgentID, o.Channel, o.ChatID}
	if o.ThreadID != "" {
		parts = append(parts, o.ThreadID)
	}
	return strings.Join(parts, ":")
}

// Manager manages sessions.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	now      func() time.Time
}

// NewManager creates a new session manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Touch records a message for the origin's session, creating it on first use, and
// returns a copy of the updated session.
func (m *Manager) Touch(o Origin) Session {
	key := o.Key()
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		s = &Session{
			Key:       key,
			AgentID:   o.AgentID,
			Channel:   o.Channel,
			AccountID: o.AccountID,
			ChatID:    o.ChatID,
			ThreadID:  o.ThreadID,
			CreatedAt: now,
		}
		m.sessions[key] = s
	}
	s.MessageCount++
	s.LastActiveAt = now
	if o.SenderID != "" {
		s.LastSenderID = o.SenderID
	}
	return *s
}

// Get retrieves a session by key.
func (m *Manager) Get(key string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Delete removes a session.
func (m *Manager) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[key]; !ok {
		return false
	}
	delete(m.sessions, key)
	return true
}

// List returns sessions, most recently active first. An empty agentID lists all.
func (m *Manager) List(agentID string) []Session {
	m.mu.RLock()
	result := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if agentID == "" || s.AgentID == agentID {
			result = append(result, *s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastActiveAt.Equal(result[j].LastActiveAt) {
			return result[i].LastActiveAt.After(result[j].LastActiveAt)
		}
		return result[i].Key < result[j].Key
	})
	return result
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Cleanup removes sessions idle for longer than maxAge.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, s := range m.sessions {
		if s.LastActiveAt.Before(cutoff) {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed
}
