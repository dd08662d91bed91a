package memory

import (
	"context"
	"sync"
)

// MemStore is an in-process [Store] holding a bounded ring of recent entries.
// It is the default when no Postgres DSN is configured.
type MemStore struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates a MemStore retaining at most max entries.
// A non-positive max defaults to 200.
func NewMemStore(max int) *MemStore {
	if max <= 0 {
		max = 200
	}
	return &MemStore{max: max}
}

// Append records e, evicting the oldest entry when the ring is full.
func (m *MemStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if len(m.entries) > m.max {
		m.entries = m.entries[len(m.entries)-m.max:]
	}
	return nil
}

// Recent returns up to limit entries, oldest first.
func (m *MemStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, m.entries[len(m.entries)-n:])
	return out, nil
}

// Close is a no-op for the in-process store.
func (m *MemStore) Close() error { return nil }
