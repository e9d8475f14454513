package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/kestrelflow/reactor/pkg/errors"
)

// FactChange describes a single fact mutation. Set and Delete return it
// (the Dispatcher uses that value for TriggerFact matching) and deliver it
// to registered FactObservers in the order the mutation actually occurred.
type FactChange struct {
	Key       string
	Value     any
	Previous  any
	HadPrev   bool
	Deleted   bool
	Timestamp time.Time
}

// FactObserver is notified after every Set/Delete.
type FactObserver func(FactChange)

// FactStore holds the engine's key/value fact table (§4.2). Keys are
// colon-delimited (e.g. "order:ord-1:status"); "${...}" interpolation
// placeholders are rejected at the key itself, since a literal fact key
// must never be ambiguous with a reference expression.
type FactStore struct {
	mu        sync.RWMutex
	facts     map[string]any
	patterns  *patternCache
	observers []FactObserver
}

// NewFactStore returns an empty FactStore.
func NewFactStore() *FactStore {
	return &FactStore{
		facts:    make(map[string]any),
		patterns: newPatternCache(':'),
	}
}

// Observe registers fn to be called after every mutation.
func (s *FactStore) Observe(fn FactObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Set writes key=value, returning the change record and notifying observers.
// Keys containing "${" or "{ref:" are rejected as invalid fact keys.
func (s *FactStore) Set(key string, value any) (FactChange, error) {
	if isReferenceExpression(key) {
		return FactChange{}, errInvalidFactKey(key)
	}

	s.mu.Lock()
	prev, had := s.facts[key]
	s.facts[key] = value
	observers := append([]FactObserver(nil), s.observers...)
	s.mu.Unlock()

	change := FactChange{Key: key, Value: value, Previous: prev, HadPrev: had, Timestamp: time.Now().UTC()}
	for _, obs := range observers {
		obs(change)
	}
	return change, nil
}

// Get returns the current value for key.
func (s *FactStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.facts[key]
	return v, ok
}

// Delete removes key, notifying observers if it existed.
func (s *FactStore) Delete(key string) (FactChange, bool) {
	s.mu.Lock()
	prev, had := s.facts[key]
	if !had {
		s.mu.Unlock()
		return FactChange{}, false
	}
	delete(s.facts, key)
	observers := append([]FactObserver(nil), s.observers...)
	s.mu.Unlock()

	change := FactChange{Key: key, Previous: prev, HadPrev: true, Deleted: true, Timestamp: time.Now().UTC()}
	for _, obs := range observers {
		obs(change)
	}
	return change, true
}

// FactEntry is a single key/value pair returned by Match.
type FactEntry struct {
	Key   string
	Value any
}

// Match returns every (key, value) pair currently satisfying pattern, for
// use by callers enumerating the fact table (e.g. an operator query).
func (s *FactStore) Match(pattern string) []FactEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FactEntry
	for k, v := range s.facts {
		if s.patterns.match(pattern, k) {
			out = append(out, FactEntry{Key: k, Value: v})
		}
	}
	return out
}

// Snapshot returns a shallow copy of the entire fact table.
func (s *FactStore) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.facts))
	for k, v := range s.facts {
		out[k] = v
	}
	return out
}

func isReferenceExpression(key string) bool {
	return strings.Contains(key, "${") || strings.Contains(key, "{ref:")
}

func errInvalidFactKey(key string) error {
	return errors.NewValidationError([]errors.Issue{{
		Path:    "key",
		Message: "fact key must not contain a reference expression: " + key,
	}})
}
