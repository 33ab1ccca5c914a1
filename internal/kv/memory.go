package kv

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store using an in-memory map.
// Intended for tests and ephemeral sessions.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]string
	quota    int
	total    int
	watchers map[chan Change]struct{}
}

// NewMemoryStore creates an empty MemoryStore. quota is the maximum total
// byte usage; zero or negative means unlimited.
func NewMemoryStore(quota int) *MemoryStore {
	return &MemoryStore{
		data:     make(map[string]string),
		quota:    quota,
		watchers: make(map[chan Change]struct{}),
	}
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Watcher = (*MemoryStore)(nil)
)

func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(key, value)
}

func (s *MemoryStore) setLocked(key, value string) error {
	oldSize := 0
	if old, ok := s.data[key]; ok {
		oldSize = usage(key, old)
	}
	if err := checkQuota(s.quota, s.total, oldSize, key, value); err != nil {
		return err
	}
	s.data[key] = value
	s.total += usage(key, value) - oldSize
	return nil
}

func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
	return nil
}

func (s *MemoryStore) removeLocked(key string) {
	if old, ok := s.data[key]; ok {
		s.total -= usage(key, old)
		delete(s.data, key)
	}
}

func (s *MemoryStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Usage returns the current total byte usage.
func (s *MemoryStore) Usage() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// Watch subscribes to changes made through SimulateExternal.
func (s *MemoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, 16)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// SimulateExternal writes (or, with remove set, deletes) key as if another
// process had done it, bypassing the quota, and notifies watchers.
func (s *MemoryStore) SimulateExternal(key, value string, remove bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if remove {
		s.removeLocked(key)
	} else {
		s.removeLocked(key)
		s.data[key] = value
		s.total += usage(key, value)
	}
	for ch := range s.watchers {
		select {
		case ch <- Change{Key: key}:
		default:
			// watcher is behind; drop
		}
	}
}
