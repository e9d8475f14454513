package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/kestrelflow/reactor/domain/event"
	"github.com/kestrelflow/reactor/domain/rule"
)

type recordingRecorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *recordingRecorder) Record(entryType string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entryType)
}

func (r *recordingRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

func newTestDispatcher(t *testing.T, audit Recorder) *Dispatcher {
	t.Helper()
	d := NewDispatcher(DispatcherOptions{
		Registry: NewRuleRegistry(),
		Facts:    NewFactStore(),
		Bus:      NewEventBus("test"),
		Audit:    audit,
	})
	t.Cleanup(d.Stop)
	return d
}

func p(n int) *int { return &n }
func boolPtr(b bool) *bool { return &b }

func TestDispatcherRunsMatchingRuleActions(t *testing.T) {
	audit := &recordingRecorder{}
	d := newTestDispatcher(t, audit)

	_, err := d.RegisterRule(rule.RuleInput{
		ID: "r1", Name: "r1", Priority: p(0), Enabled: boolPtr(true),
		Trigger: rule.Trigger{Kind: rule.TriggerEvent, EventTopic: "order.created"},
		Actions: []rule.Action{{Kind: rule.ActionSetFact, Key: "order:${event.id}:status", Value: "seen"}},
	})
	if err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	d.SubmitEvent("order.created", map[string]any{"id": "ord-1"}, "")

	v, ok := d.facts.Get("order:ord-1:status")
	if !ok || v != "seen" {
		t.Fatalf("expected fact set by action, got %v %v", v, ok)
	}

	types := audit.types()
	if !contains(types, "rule_executed") {
		t.Errorf("expected rule_executed in audit trail, got %v", types)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestDispatcherCascadesEmittedEvents(t *testing.T) {
	audit := &recordingRecorder{}
	d := newTestDispatcher(t, audit)

	var secondFired bool
	d.RegisterRule(rule.RuleInput{
		ID: "first", Name: "first", Priority: p(0), Enabled: boolPtr(true),
		Trigger: rule.Trigger{Kind: rule.TriggerEvent, EventTopic: "a"},
		Actions: []rule.Action{{Kind: rule.ActionEmitEvent, Event: &rule.EventTemplate{Topic: "b"}}},
	})
	d.RegisterRule(rule.RuleInput{
		ID: "second", Name: "second", Priority: p(0), Enabled: boolPtr(true),
		Trigger: rule.Trigger{Kind: rule.TriggerEvent, EventTopic: "b"},
		Actions: []rule.Action{{Kind: rule.ActionLog, Message: "got b"}},
	})
	d.onLog = func(level, msg string) {
		if msg == "got b" {
			secondFired = true
		}
	}

	d.SubmitEvent("a", nil, "")

	if !secondFired {
		t.Fatalf("expected cascaded event to trigger second rule")
	}
}

func TestDispatcherSkipsRuleWhenConditionFails(t *testing.T) {
	audit := &recordingRecorder{}
	d := newTestDispatcher(t, audit)

	d.RegisterRule(rule.RuleInput{
		ID: "r1", Name: "r1", Priority: p(0), Enabled: boolPtr(true),
		Trigger:    rule.Trigger{Kind: rule.TriggerEvent, EventTopic: "order.created"},
		Conditions: []rule.Condition{{Source: "event.amount", Operator: rule.OpGTE, Value: 100.0}},
		Actions:    []rule.Action{{Kind: rule.ActionLog, Message: "big order"}},
	})

	d.SubmitEvent("order.created", map[string]any{"amount": 10.0}, "")

	types := audit.types()
	if !contains(types, "rule_skipped") {
		t.Errorf("expected rule_skipped recorded, got %v", types)
	}
	if contains(types, "rule_executed") {
		t.Errorf("expected rule not executed, got %v", types)
	}
}

func TestDispatcherPriorityOrdering(t *testing.T) {
	d := newTestDispatcher(t, nil)
	var order []string
	var mu sync.Mutex
	d.onLog = func(level, msg string) {
		mu.Lock()
		order = append(order, msg)
		mu.Unlock()
	}

	d.RegisterRule(rule.RuleInput{
		ID: "low", Name: "low", Priority: p(0), Enabled: boolPtr(true),
		Trigger: rule.Trigger{Kind: rule.TriggerEvent, EventTopic: "x"},
		Actions: []rule.Action{{Kind: rule.ActionLog, Message: "low"}},
	})
	d.RegisterRule(rule.RuleInput{
		ID: "high", Name: "high", Priority: p(10), Enabled: boolPtr(true),
		Trigger: rule.Trigger{Kind: rule.TriggerEvent, EventTopic: "x"},
		Actions: []rule.Action{{Kind: rule.ActionLog, Message: "high"}},
	})

	d.SubmitEvent("x", nil, "")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "high" || order[1] != "low" {
		t.Fatalf("expected [high low], got %v", order)
	}
}

func TestDispatcherTimerActionFiresRule(t *testing.T) {
	d := newTestDispatcher(t, nil)
	fired := make(chan struct{}, 1)
	d.onLog = func(level, msg string) {
		if msg == "timer fired" {
			fired <- struct{}{}
		}
	}

	d.RegisterRule(rule.RuleInput{
		ID: "set", Name: "set", Priority: p(0), Enabled: boolPtr(true),
		Trigger: rule.Trigger{Kind: rule.TriggerEvent, EventTopic: "start"},
		Actions: []rule.Action{{Kind: rule.ActionSetTimer, Timer: &rule.TimerSpec{
			Name: "reminder", Duration: "10ms", OnExpire: rule.EventTemplate{},
		}}},
	})
	d.RegisterRule(rule.RuleInput{
		ID: "onfire", Name: "onfire", Priority: p(0), Enabled: boolPtr(true),
		Trigger: rule.Trigger{Kind: rule.TriggerTimer, TimerName: "reminder"},
		Actions: []rule.Action{{Kind: rule.ActionLog, Message: "timer fired"}},
	})

	d.SubmitEvent("start", nil, "")

	select {
	case <-fired:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected timer-triggered rule to fire")
	}
}

func TestDispatcherRepeatingTimerActionStopsAtMaxCount(t *testing.T) {
	d := newTestDispatcher(t, nil)
	var mu sync.Mutex
	count := 0
	d.onLog = func(level, msg string) {
		if msg == "tick" {
			mu.Lock()
			count++
			mu.Unlock()
		}
	}

	d.RegisterRule(rule.RuleInput{
		ID: "set", Name: "set", Priority: p(0), Enabled: boolPtr(true),
		Trigger: rule.Trigger{Kind: rule.TriggerEvent, EventTopic: "start"},
		Actions: []rule.Action{{Kind: rule.ActionSetTimer, Timer: &rule.TimerSpec{
			Name: "heartbeat", Duration: "10ms", OnExpire: rule.EventTemplate{},
			Repeat: &rule.RepeatSpec{Interval: "10ms", MaxCount: 3},
		}}},
	})
	d.RegisterRule(rule.RuleInput{
		ID: "onfire", Name: "onfire", Priority: p(0), Enabled: boolPtr(true),
		Trigger: rule.Trigger{Kind: rule.TriggerTimer, TimerName: "heartbeat"},
		Actions: []rule.Action{{Kind: rule.ActionLog, Message: "tick"}},
	})

	d.SubmitEvent("start", nil, "")
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	got := count
	mu.Unlock()
	if got != 3 {
		t.Fatalf("expected exactly 3 timer-triggered fires, got %d", got)
	}
	if d.timers.Active("heartbeat") {
		t.Errorf("expected timer removed once maxCount reached")
	}
}

func TestDispatcherSubmitEventGeneratesCorrelationIDWhenEmpty(t *testing.T) {
	d := newTestDispatcher(t, nil)
	ev := d.SubmitEvent("x", nil, "")
	if ev.CorrelationID == "" {
		t.Fatalf("expected a generated correlation id, got empty string")
	}
}

func TestDispatcherSubmitEventPreservesSuppliedCorrelationID(t *testing.T) {
	d := newTestDispatcher(t, nil)
	ev := d.SubmitEvent("x", nil, "corr-123")
	if ev.CorrelationID != "corr-123" {
		t.Fatalf("expected supplied correlation id preserved, got %q", ev.CorrelationID)
	}
}

func TestDispatcherCascadePropagatesCorrelationID(t *testing.T) {
	d := newTestDispatcher(t, nil)
	var mu sync.Mutex
	var seen []string

	d.RegisterRule(rule.RuleInput{
		ID: "relay", Name: "relay", Priority: p(0), Enabled: boolPtr(true),
		Trigger: rule.Trigger{Kind: rule.TriggerEvent, EventTopic: "start"},
		Actions: []rule.Action{{Kind: rule.ActionEmitEvent, Event: &rule.EventTemplate{Topic: "relayed"}}},
	})
	d.bus.Subscribe("relayed", func(ev event.Event) {
		mu.Lock()
		seen = append(seen, ev.CorrelationID)
		mu.Unlock()
	})

	ev := d.SubmitEvent("start", nil, "")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != ev.CorrelationID {
		t.Fatalf("expected cascade-emitted event to carry correlation id %q, got %v", ev.CorrelationID, seen)
	}
}
