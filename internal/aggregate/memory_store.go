package aggregate

import (
	"context"
	"sort"
	"sync"

	"mailtrail/internal/constants"
	"mailtrail/internal/status"
)

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[string]status.Counters
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{groups: make(map[string]status.Counters)}
}

func (s *MemoryStore) Name() string {
	return constants.StoreMemory
}

func (s *MemoryStore) ApplyDelta(_ context.Context, groupKey string, delta status.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups[groupKey] = s.groups[groupKey].Add(delta)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, groupKey string) (status.Counters, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.groups[groupKey]
	return c, ok, nil
}

func (s *MemoryStore) Replace(_ context.Context, groupKey string, counters status.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups[groupKey] = counters
	return nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.groups))
	for k := range s.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
