package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/kestrelflow/reactor/domain/rule"
	"github.com/kestrelflow/reactor/pkg/errors"
)

// RuleRegistry owns Rule records and the four trigger-kind indexes named in
// §4.4. External callers only ever see Rule.Clone() snapshots.
type RuleRegistry struct {
	mu          sync.RWMutex
	rules       map[string]*rule.Rule
	byEvent     []*rule.Rule // TriggerEvent rules, pattern compiled lazily via topics
	byFact      []*rule.Rule // TriggerFact rules
	byTimer     []*rule.Rule // TriggerTimer rules
	byTemporal  map[string]*rule.Rule // TriggerTemporal rules, keyed by rule id
	topics      *patternCache
	factKeys    *patternCache
	timerNames  *patternCache
	nextSeq     uint64
}

// NewRuleRegistry returns an empty registry.
func NewRuleRegistry() *RuleRegistry {
	return &RuleRegistry{
		rules:      make(map[string]*rule.Rule),
		byTemporal: make(map[string]*rule.Rule),
		topics:     newPatternCache('.'),
		factKeys:   newPatternCache(':'),
		timerNames: newPatternCache(':'),
	}
}

// Register validates, normalizes, and wires a RuleInput into all applicable
// indexes, returning the registry-owned Rule snapshot.
func (reg *RuleRegistry) Register(in rule.RuleInput) (rule.Rule, error) {
	in.Normalize()
	if issues := in.Validate(); len(issues) > 0 {
		return rule.Rule{}, errors.NewValidationError(issues)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.rules[in.ID]; exists {
		return rule.Rule{}, errors.NewDuplicateRuleID(in.ID)
	}

	now := time.Now().UTC()
	reg.nextSeq++
	r := &rule.Rule{
		ID:           in.ID,
		Name:         in.Name,
		Description:  in.Description,
		Priority:     *in.Priority,
		Enabled:      *in.Enabled,
		Tags:         append([]string(nil), in.Tags...),
		Group:        in.Group,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
		Trigger:      in.Trigger,
		Conditions:   append([]rule.Condition(nil), in.Conditions...),
		Actions:      append([]rule.Action(nil), in.Actions...),
		InsertionSeq: reg.nextSeq,
	}

	reg.rules[r.ID] = r
	reg.index(r)

	return r.Clone(), nil
}

func (reg *RuleRegistry) index(r *rule.Rule) {
	switch r.Trigger.Kind {
	case rule.TriggerEvent:
		reg.byEvent = append(reg.byEvent, r)
	case rule.TriggerFact:
		reg.byFact = append(reg.byFact, r)
	case rule.TriggerTimer:
		reg.byTimer = append(reg.byTimer, r)
	case rule.TriggerTemporal:
		reg.byTemporal[r.ID] = r
	}
}

func (reg *RuleRegistry) deindex(r *rule.Rule) {
	switch r.Trigger.Kind {
	case rule.TriggerEvent:
		reg.byEvent = removeRule(reg.byEvent, r.ID)
	case rule.TriggerFact:
		reg.byFact = removeRule(reg.byFact, r.ID)
	case rule.TriggerTimer:
		reg.byTimer = removeRule(reg.byTimer, r.ID)
	case rule.TriggerTemporal:
		delete(reg.byTemporal, r.ID)
	}
}

func removeRule(rules []*rule.Rule, id string) []*rule.Rule {
	out := rules[:0]
	for _, r := range rules {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

// Unregister removes a rule from the registry and all indexes. Idempotent.
func (reg *RuleRegistry) Unregister(id string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rules[id]
	if !ok {
		return
	}
	reg.deindex(r)
	delete(reg.rules, id)
}

// SetEnabled toggles a rule's dispatch-candidacy. Returns false if id is unknown.
func (reg *RuleRegistry) SetEnabled(id string, enabled bool) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rules[id]
	if !ok {
		return false
	}
	r.Enabled = enabled
	r.UpdatedAt = time.Now().UTC()
	r.Version++
	return true
}

// Get returns a snapshot of a single rule.
func (reg *RuleRegistry) Get(id string) (rule.Rule, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rules[id]
	if !ok {
		return rule.Rule{}, false
	}
	return r.Clone(), true
}

// All returns a snapshot of every registered rule, unordered.
func (reg *RuleRegistry) All() []rule.Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]rule.Rule, 0, len(reg.rules))
	for _, r := range reg.rules {
		out = append(out, r.Clone())
	}
	return out
}

// CandidatesForEvent returns enabled rules whose event trigger pattern
// matches topic, ordered (priority desc, insertion asc).
func (reg *RuleRegistry) CandidatesForEvent(topic string) []rule.Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	var out []*rule.Rule
	for _, r := range reg.byEvent {
		if r.Enabled && reg.topics.match(r.Trigger.EventTopic, topic) {
			out = append(out, r)
		}
	}
	return orderedSnapshot(out)
}

// CandidatesForFact returns enabled rules whose fact trigger pattern matches key.
func (reg *RuleRegistry) CandidatesForFact(key string) []rule.Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	var out []*rule.Rule
	for _, r := range reg.byFact {
		if r.Enabled && reg.factKeys.match(r.Trigger.FactPattern, key) {
			out = append(out, r)
		}
	}
	return orderedSnapshot(out)
}

// CandidatesForTimer returns enabled rules whose timer trigger pattern matches name.
func (reg *RuleRegistry) CandidatesForTimer(name string) []rule.Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	var out []*rule.Rule
	for _, r := range reg.byTimer {
		if r.Enabled && reg.timerNames.match(r.Trigger.TimerName, name) {
			out = append(out, r)
		}
	}
	return orderedSnapshot(out)
}

// CandidateForTemporal returns the single rule owning a fired temporal detector.
func (reg *RuleRegistry) CandidateForTemporal(ruleID string) (rule.Rule, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.byTemporal[ruleID]
	if !ok || !r.Enabled {
		return rule.Rule{}, false
	}
	return r.Clone(), true
}

// TemporalRules returns a snapshot of every registered temporal rule, used
// to fan events out to the TemporalDetectors at startup/registration.
func (reg *RuleRegistry) TemporalRules() []rule.Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]rule.Rule, 0, len(reg.byTemporal))
	for _, r := range reg.byTemporal {
		out = append(out, r.Clone())
	}
	return out
}

func orderedSnapshot(rules []*rule.Rule) []rule.Rule {
	sorted := make([]*rule.Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].InsertionSeq < sorted[j].InsertionSeq
	})
	out := make([]rule.Rule, len(sorted))
	for i, r := range sorted {
		out[i] = r.Clone()
	}
	return out
}
