package session

import (
	"context"
	"sync"
	"time"

	"pkt.systems/gridgate/internal/clock"
)

// Memory is an in-process Store. Expired entries are dropped lazily.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	clk     clock.Clock
	entries map[string]memoryEntry
}

type memoryEntry struct {
	values  map[string]string
	expires time.Time
}

// NewMemory returns a Memory store. A nil clk uses the wall clock.
func NewMemory(ttl time.Duration, clk clock.Clock) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory{ttl: ttl, clk: clk, entries: make(map[string]memoryEntry)}
}

// Load returns a copy of the stored session.
func (m *Memory) Load(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !m.clk.Now().Before(entry.expires) {
		delete(m.entries, id)
		return nil, ErrNotFound
	}
	return &Session{ID: id, Values: clone(entry.values)}, nil
}

// Save stores a copy of s.
func (m *Memory) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s.ID] = memoryEntry{values: clone(s.Values), expires: m.clk.Now().Add(m.ttl)}
	s.dirty = false
	return nil
}

// Delete drops id.
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
