package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// InMemoryStore keeps values in a map. It backs the file and SQLite stores as
// their read mirror, and is used directly for ephemeral runs and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
	closed  bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: map[string][]byte{}}
}

func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	v, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *InMemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.keysLocked(prefix), nil
}

func (s *InMemoryStore) keysLocked(prefix string) []string {
	ret := []string{}
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			ret = append(ret, k)
		}
	}
	sort.Strings(ret)
	return ret
}

func (s *InMemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries[key] = append([]byte(nil), value...)
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.entries, key)
	return nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// snapshot returns a copy of all entries. Callers hold no lock.
func (s *InMemoryStore) snapshot() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret := make(map[string][]byte, len(s.entries))
	for k, v := range s.entries {
		ret[k] = append([]byte(nil), v...)
	}
	return ret
}

var _ Store = (*InMemoryStore)(nil)
