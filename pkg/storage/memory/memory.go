// Package memory is a reference in-memory storage.Adapter, grounded in the
// mutex-guarded map-of-clones idiom used throughout this codebase's
// storage layer.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/kestrelflow/reactor/pkg/storage"
)

// Store is a concurrency-safe, process-local storage.Adapter. It is useful
// for tests and for embedding applications that don't need durability
// across restarts.
type Store struct {
	mu      sync.RWMutex
	entries map[string]storage.StoredState
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]storage.StoredState)}
}

func cloneState(s storage.StoredState) storage.StoredState {
	clone := s
	if s.State != nil {
		clone.State = append([]byte(nil), s.State...)
	}
	return clone
}

// Save stores state under key, overwriting any prior value.
func (s *Store) Save(_ context.Context, key string, state storage.StoredState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = cloneState(state)
	return nil
}

// Load returns the state stored under key, or ok=false if absent.
func (s *Store) Load(_ context.Context, key string) (storage.StoredState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	if !ok {
		return storage.StoredState{}, false, nil
	}
	return cloneState(v), true, nil
}

// Delete removes key. It is not an error if key is absent.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Exists reports whether key is present.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok, nil
}

// ListKeys returns every key with the given prefix, sorted ascending.
func (s *Store) ListKeys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
