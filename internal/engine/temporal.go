package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelflow/reactor/domain/event"
	"github.com/kestrelflow/reactor/domain/rule"
	"github.com/tidwall/gjson"
)

// TemporalFired is the synthetic stimulus a detector enqueues to the
// Dispatcher when it fires (§4.8).
type TemporalFired struct {
	RuleID        string
	GroupKey      string
	CorrelationID string
	Matched       []event.Event
	Value         float64
}

type temporalEntry struct {
	spec   rule.TemporalSpec
	within time.Duration
	window time.Duration

	mu     sync.Mutex
	groups map[string]*temporalGroupState
}

// temporalGroupState is the per-groupBy-value state for one rule's detector.
type temporalGroupState struct {
	// sequence
	seqIndex   int
	seqStarted time.Time
	seqMatched []event.Event

	// absence
	deadlineTimer *time.Timer
	awaiting      bool

	// count / aggregate (sliding window of observations)
	observations []temporalObservation
	windowStart  time.Time
	fired        bool
}

type temporalObservation struct {
	at    time.Time
	value float64
	ev    event.Event
}

// TemporalDetectors owns one stateful matcher per temporal rule and the sole
// operation observe(event) that feeds all of them (§4.8).
type TemporalDetectors struct {
	mu      sync.RWMutex
	entries map[string]*temporalEntry
	onFire  func(TemporalFired)
	topics  *patternCache
}

// NewTemporalDetectors returns an empty detector set; onFire is invoked
// whenever a detector fires, from the goroutine calling Observe or, for an
// absence deadline, from the deadline timer's goroutine.
func NewTemporalDetectors(onFire func(TemporalFired)) *TemporalDetectors {
	return &TemporalDetectors{
		entries: make(map[string]*temporalEntry),
		onFire:  onFire,
		topics:  newPatternCache('.'),
	}
}

// Register wires a rule's TemporalSpec into the detector set, replacing any
// prior registration under the same rule id.
func (d *TemporalDetectors) Register(ruleID string, spec rule.TemporalSpec) {
	within, _ := ParseDuration(spec.Within)
	window, _ := ParseDuration(spec.Window)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[ruleID] = &temporalEntry{spec: spec, within: within, window: window, groups: make(map[string]*temporalGroupState)}
}

// Unregister removes a rule's detector state, cancelling any pending
// absence deadlines.
func (d *TemporalDetectors) Unregister(ruleID string) {
	d.mu.Lock()
	entry, ok := d.entries[ruleID]
	delete(d.entries, ruleID)
	d.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	for _, g := range entry.groups {
		if g.deadlineTimer != nil {
			g.deadlineTimer.Stop()
		}
	}
}

// Observe feeds ev to every registered detector.
func (d *TemporalDetectors) Observe(ev event.Event) {
	d.mu.RLock()
	entries := make(map[string]*temporalEntry, len(d.entries))
	for k, v := range d.entries {
		entries[k] = v
	}
	d.mu.RUnlock()

	for ruleID, entry := range entries {
		d.observeOne(ruleID, entry, ev)
	}
}

func (d *TemporalDetectors) observeOne(ruleID string, entry *temporalEntry, ev event.Event) {
	switch entry.spec.Kind {
	case rule.TemporalSequence:
		d.observeSequence(ruleID, entry, ev)
	case rule.TemporalAbsence:
		d.observeAbsence(ruleID, entry, ev)
	case rule.TemporalCount:
		d.observeCount(ruleID, entry, ev)
	case rule.TemporalAggregate:
		d.observeAggregate(ruleID, entry, ev)
	}
}

func groupKeyFor(spec rule.TemporalSpec, ev event.Event) string {
	if spec.GroupBy == "" {
		return ""
	}
	doc := marshalOrEmpty(ev.Data)
	return gjson.GetBytes(doc, spec.GroupBy).String()
}

func matches(m *rule.EventMatcher, topics *patternCache, ev event.Event) bool {
	if m == nil {
		return false
	}
	return topics.match(m.Topic, ev.Topic)
}

func (d *TemporalDetectors) groupState(entry *temporalEntry, key string) *temporalGroupState {
	g, ok := entry.groups[key]
	if !ok {
		g = &temporalGroupState{}
		entry.groups[key] = g
	}
	return g
}

func (d *TemporalDetectors) observeSequence(ruleID string, entry *temporalEntry, ev event.Event) {
	matchers := entry.spec.Sequence
	if len(matchers) == 0 {
		return
	}
	key := groupKeyFor(entry.spec, ev)

	entry.mu.Lock()
	g := d.groupState(entry, key)

	if g.seqIndex > 0 && !g.seqStarted.IsZero() && ev.Timestamp.Sub(g.seqStarted) > entry.within {
		g.seqIndex = 0
		g.seqMatched = nil
	}

	if !matches(&matchers[g.seqIndex], d.topics, ev) {
		entry.mu.Unlock()
		return
	}

	if g.seqIndex == 0 {
		g.seqStarted = ev.Timestamp
	}
	g.seqMatched = append(g.seqMatched, ev)
	g.seqIndex++

	if g.seqIndex < len(matchers) {
		entry.mu.Unlock()
		return
	}

	fired := append([]event.Event(nil), g.seqMatched...)
	g.seqIndex = 0
	g.seqMatched = nil
	entry.mu.Unlock()

	d.fire(ruleID, key, fired, 0)
}

func (d *TemporalDetectors) observeAbsence(ruleID string, entry *temporalEntry, ev event.Event) {
	key := groupKeyFor(entry.spec, ev)

	entry.mu.Lock()
	g := d.groupState(entry, key)

	if matches(entry.spec.After, d.topics, ev) {
		if g.deadlineTimer != nil {
			g.deadlineTimer.Stop()
		}
		g.awaiting = true
		matched := ev
		g.deadlineTimer = time.AfterFunc(entry.within, func() {
			entry.mu.Lock()
			stillAwaiting := g.awaiting
			g.awaiting = false
			entry.mu.Unlock()
			if stillAwaiting {
				d.fire(ruleID, key, []event.Event{matched}, 0)
			}
		})
		entry.mu.Unlock()
		return
	}

	if g.awaiting && matches(entry.spec.Expected, d.topics, ev) {
		if g.deadlineTimer != nil {
			g.deadlineTimer.Stop()
		}
		g.awaiting = false
	}
	entry.mu.Unlock()
}

func (d *TemporalDetectors) observeCount(ruleID string, entry *temporalEntry, ev event.Event) {
	if !matches(entry.spec.Match, d.topics, ev) {
		return
	}
	key := groupKeyFor(entry.spec, ev)

	entry.mu.Lock()
	g := d.groupState(entry, key)
	d.recordObservation(entry, g, ev, 1)
	count := float64(len(g.observations))
	crossed := applyComparison(comparisonToOperator(entry.spec.Comparison), compareFloats(count, entry.spec.Threshold))

	var toFire []event.Event
	shouldFire := false
	if crossed && !g.fired {
		g.fired = true
		shouldFire = true
		for _, o := range g.observations {
			toFire = append(toFire, o.ev)
		}
	} else if !crossed {
		g.fired = false
	}
	entry.mu.Unlock()

	if shouldFire {
		d.fire(ruleID, key, toFire, count)
	}
}

func (d *TemporalDetectors) observeAggregate(ruleID string, entry *temporalEntry, ev event.Event) {
	if !matches(entry.spec.Match, d.topics, ev) {
		return
	}
	key := groupKeyFor(entry.spec, ev)

	doc := marshalOrEmpty(ev.Data)
	value := gjson.GetBytes(doc, entry.spec.Field).Float()

	entry.mu.Lock()
	g := d.groupState(entry, key)
	d.recordObservation(entry, g, ev, value)

	result := aggregate(entry.spec.Function, g.observations)
	crossed := applyComparison(comparisonToOperator(entry.spec.Comparison), compareFloats(result, entry.spec.Threshold))

	var toFire []event.Event
	shouldFire := false
	if crossed && !g.fired {
		g.fired = true
		shouldFire = true
		for _, o := range g.observations {
			toFire = append(toFire, o.ev)
		}
	} else if !crossed {
		g.fired = false
	}
	entry.mu.Unlock()

	if shouldFire {
		d.fire(ruleID, key, toFire, result)
	}
}

// recordObservation appends ev/value and prunes the window, honoring
// sliding vs tumbling semantics. Caller holds entry.mu.
func (d *TemporalDetectors) recordObservation(entry *temporalEntry, g *temporalGroupState, ev event.Event, value float64) {
	if !entry.spec.Sliding {
		if g.windowStart.IsZero() || ev.Timestamp.Sub(g.windowStart) >= entry.window {
			g.windowStart = ev.Timestamp
			g.observations = nil
			g.fired = false
		}
		g.observations = append(g.observations, temporalObservation{at: ev.Timestamp, value: value, ev: ev})
		return
	}

	g.observations = append(g.observations, temporalObservation{at: ev.Timestamp, value: value, ev: ev})
	cutoff := ev.Timestamp.Add(-entry.window)
	kept := g.observations[:0]
	for _, o := range g.observations {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	g.observations = kept
}

func aggregate(fn rule.AggregateFunction, obs []temporalObservation) float64 {
	if len(obs) == 0 {
		return 0
	}
	switch fn {
	case rule.AggregateCount:
		return float64(len(obs))
	case rule.AggregateSum:
		var sum float64
		for _, o := range obs {
			sum += o.value
		}
		return sum
	case rule.AggregateAvg:
		var sum float64
		for _, o := range obs {
			sum += o.value
		}
		return sum / float64(len(obs))
	case rule.AggregateMin:
		min := obs[0].value
		for _, o := range obs[1:] {
			if o.value < min {
				min = o.value
			}
		}
		return min
	case rule.AggregateMax:
		max := obs[0].value
		for _, o := range obs[1:] {
			if o.value > max {
				max = o.value
			}
		}
		return max
	default:
		return 0
	}
}

func comparisonToOperator(c rule.Comparison) rule.Operator {
	switch c {
	case rule.CompareGT:
		return rule.OpGT
	case rule.CompareGTE:
		return rule.OpGTE
	case rule.CompareLT:
		return rule.OpLT
	case rule.CompareLTE:
		return rule.OpLTE
	case rule.CompareEQ:
		return rule.OpEq
	default:
		return rule.OpGTE
	}
}

func (d *TemporalDetectors) fire(ruleID, groupKey string, matched []event.Event, value float64) {
	correlationID := uuid.NewString()
	if len(matched) > 0 && matched[len(matched)-1].CorrelationID != "" {
		correlationID = matched[len(matched)-1].CorrelationID
	}
	d.onFire(TemporalFired{
		RuleID:        ruleID,
		GroupKey:      groupKey,
		CorrelationID: correlationID,
		Matched:       matched,
		Value:         value,
	})
}
