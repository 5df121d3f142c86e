// Package sessionlock serializes CLI turns that target the same session.
package sessionlock

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// sessionNamespacePrefix scopes derived session ids to this engine.
const sessionNamespacePrefix = "taskengine:"

// SessionID maps a context id onto the CLI engine's session id. A context
// id that already is a UUID is used in canonical form; anything else gets a
// stable name-based UUID.
func SessionID(contextID string) string {
	trimmed := strings.TrimSpace(contextID)
	if id, err := uuid.Parse(trimmed); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(sessionNamespacePrefix+trimmed)).String()
}

// Normalize returns the key a session id is locked under.
func Normalize(sessionID string) string {
	return strings.ToLower(strings.TrimSpace(sessionID))
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Manager hands out one mutual-exclusion lock per normalized session id.
// Entries exist only while some caller holds or waits for them.
type Manager struct {
	entries map[string]*entry
	mu      sync.Mutex
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

// Acquire blocks until the lock for sessionID is held or ctx is done. The
// returned release func may be called more than once.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (release func(), err error) {
	key := Normalize(sessionID)

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.unref(key, e)
		})
	}, nil
}

// TryAcquire takes the lock only if it is free.
func (m *Manager) TryAcquire(sessionID string) (release func(), ok bool) {
	key := Normalize(sessionID)
	m.mu.Lock()
	e, exists := m.entries[key]
	if !exists {
		e = &entry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	select {
	case e.sem <- struct{}{}:
	default:
		if !exists {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false
	}
	e.refs++
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.unref(key, e)
		})
	}, true
}

func (m *Manager) unref(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 && m.entries[key] == e {
		delete(m.entries, key)
	}
}

// Len returns the number of sessions currently held or awaited.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
