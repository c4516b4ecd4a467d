package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process SessionStore for single-node
// deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	closed  bool
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Save stores session data until expiresAt.
func (m *MemoryStore) Save(_ context.Context, sessionID string, data []byte, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !expiresAt.After(time.Now()) {
		delete(m.entries, sessionID)
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.entries[sessionID] = memoryEntry{data: cp, expiresAt: expiresAt}
	return nil
}

// Load returns the stored data, or (nil, nil) when unknown or expired.
func (m *MemoryStore) Load(_ context.Context, sessionID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.entries[sessionID]
	if !ok || !e.expiresAt.After(time.Now()) {
		return nil, nil
	}
	cp := make([]byte, len(e.data))
	copy(cp, e.data)
	return cp, nil
}

// Delete removes a session record.
func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entries, sessionID)
	return nil
}

// Touch extends a record's lifetime.
func (m *MemoryStore) Touch(_ context.Context, sessionID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	e, ok := m.entries[sessionID]
	if !ok {
		return nil
	}
	if !expiresAt.After(time.Now()) {
		delete(m.entries, sessionID)
		return nil
	}
	e.expiresAt = expiresAt
	m.entries[sessionID] = e
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	return nil
}

// Len returns the number of stored records, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
