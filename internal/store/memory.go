package store

import (
	"context"
	"sync"
)

// MemoryStore keeps the most recent entries in a bounded in-memory ring.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry // oldest first
	max     int
}

// NewMemoryStore creates a MemoryStore holding at most max entries.
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 1
	}
	return &MemoryStore{max: max}
}

// Record saves an entry, dropping the oldest one when the ring is full.
func (s *MemoryStore) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, e)
	if len(s.entries) > s.max {
		s.entries = s.entries[len(s.entries)-s.max:]
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Entry, 0, n)
	for i := len(s.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
