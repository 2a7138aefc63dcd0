package state

import (
	"context"
	"sync"
	"time"
)

// MemoryTier is the in-process cache tier. It is volatile and local to one
// process.
type MemoryTier struct {
	mu    sync.RWMutex
	items map[Key]Record
}

func NewMemoryTier() *MemoryTier {
	return &MemoryTier{items: make(map[Key]Record)}
}

func (m *MemoryTier) Name() TierName { return TierCache }

func (m *MemoryTier) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.items[rec.Key]; ok && !prev.CreatedAt.IsZero() {
		rec.CreatedAt = prev.CreatedAt
	}
	m.items[rec.Key] = cloneRecord(rec)
	return nil
}

func (m *MemoryTier) Get(_ context.Context, key Key, now time.Time) (Record, bool, error) {
	m.mu.RLock()
	rec, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || rec.Expired(now) {
		return Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (m *MemoryTier) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryTier) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.items {
		if rec.Expired(now) {
			delete(m.items, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of entries, expired or not.
func (m *MemoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *MemoryTier) Close() error { return nil }
