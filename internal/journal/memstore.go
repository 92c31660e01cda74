package journal

import (
	"context"
	"sync"
)

// MemStore is an in-process [Store]. It keeps at most a fixed number of
// entries per session and forgets the oldest ones first.
type MemStore struct {
	mu      sync.Mutex
	max     int
	entries map[string][]Entry
}

// DefaultMemEntries is the per-session capacity used by [NewMemStore] when
// max is not positive.
const DefaultMemEntries = 1000

// NewMemStore returns an empty MemStore keeping max entries per session.
func NewMemStore(max int) *MemStore {
	if max <= 0 {
		max = DefaultMemEntries
	}
	return &MemStore{max: max, entries: make(map[string][]Entry)}
}

// Append implements [Store].
func (s *MemStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.entries[e.SessionID], e)
	if over := len(list) - s.max; over > 0 {
		list = append(list[:0:0], list[over:]...)
	}
	s.entries[e.SessionID] = list
	return nil
}

// Recent implements [Store].
func (s *MemStore) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entries[sessionID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]Entry, len(list))
	copy(out, list)
	return out, nil
}

var _ Store = (*MemStore)(nil)
