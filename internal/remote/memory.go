package remote

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Claimer for tests and single-process runs.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

// Lookup implements Lookup.
func (s *MemoryStore) Lookup(_ context.Context, profileID, date string) (*Published, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.items[key(profileID, date)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key(profileID, date))
	}
	return NewPublished(append([]byte(nil), body...)), nil
}

// Claim implements Claimer.
func (s *MemoryStore) Claim(_ context.Context, profileID, date string, body []byte) (*Published, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(profileID, date)
	if existing, ok := s.items[k]; ok {
		return NewPublished(append([]byte(nil), existing...)), nil
	}
	s.items[k] = append([]byte(nil), body...)
	return nil, nil
}
