package memory

import (
	"context"
	"sync"
)

// DedupStore is an in-process repository.DedupStore. Entries never expire.
type DedupStore struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewDedupStore() *DedupStore {
	return &DedupStore{entries: make(map[string]string)}
}

func (s *DedupStore) Claim(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	s.entries[key] = ""
	return true, nil
}

func (s *DedupStore) Complete(_ context.Context, key string, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = outcome
	return nil
}

func (s *DedupStore) Outcome(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[key], nil
}

func (s *DedupStore) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
