package store

import (
	"sync"
	"time"

	"pizzapal-backend/internal/session"
)

type entry struct {
	sess     *session.Session
	lastSeen time.Time
}

// MemoryStore keeps live conversations keyed by session id. Sessions idle
// longer than the TTL are dropped the next time the store is touched.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*entry
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore returns a registry. A ttl of zero keeps sessions forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*entry),
		ttl:      ttl,
		now:      time.Now,
	}
}

// GetOrCreate returns the live session for id, starting an empty one if
// none exists or the previous one expired.
func (m *MemoryStore) GetOrCreate(id string) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.evictLocked(now)
	e, ok := m.sessions[id]
	if !ok {
		e = &entry{sess: session.New(id)}
		m.sessions[id] = e
	}
	e.lastSeen = now
	return e.sess
}

// Get returns the session for id without creating one.
func (m *MemoryStore) Get(id string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	now := m.now()
	if m.expired(e, now) {
		delete(m.sessions, id)
		return nil, false
	}
	e.lastSeen = now
	return e.sess, true
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MemoryStore) expired(e *entry, now time.Time) bool {
	return m.ttl > 0 && now.Sub(e.lastSeen) > m.ttl
}

func (m *MemoryStore) evictLocked(now time.Time) {
	if m.ttl <= 0 {
		return
	}
	for id, e := range m.sessions {
		if m.expired(e, now) {
			delete(m.sessions, id)
		}
	}
}
