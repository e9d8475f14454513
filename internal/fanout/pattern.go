package fanout

import (
	"strings"
	"sync"
)

// topicMatcher compiles dotted topic glob patterns once and reuses them,
// mirroring the engine's own pattern cache so fan-out subscriptions use the
// same "*" segment semantics rules do (§3/§4.2).
type topicMatcher struct {
	mu       sync.RWMutex
	compiled map[string][]string
}

func newTopicMatcher() *topicMatcher {
	return &topicMatcher{compiled: make(map[string][]string)}
}

func (m *topicMatcher) segments(raw string) []string {
	m.mu.RLock()
	segs, ok := m.compiled[raw]
	m.mu.RUnlock()
	if ok {
		return segs
	}

	segs = strings.Split(raw, ".")
	m.mu.Lock()
	m.compiled[raw] = segs
	m.mu.Unlock()
	return segs
}

func (m *topicMatcher) match(raw, topic string) bool {
	if raw == "*" {
		return true
	}
	pat := m.segments(raw)
	subj := strings.Split(topic, ".")
	for i, seg := range pat {
		if seg == "*" {
			if i == len(pat)-1 {
				return len(subj) > i
			}
			if len(subj) <= i {
				return false
			}
			continue
		}
		if len(subj) <= i || subj[i] != seg {
			return false
		}
	}
	return len(subj) == len(pat)
}

func (m *topicMatcher) matchAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if m.match(p, topic) {
			return true
		}
	}
	return false
}
