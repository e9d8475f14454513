package engine

import (
	"testing"
	"time"

	"github.com/kestrelflow/reactor/domain/event"
	"github.com/kestrelflow/reactor/domain/rule"
)

func evAt(topic string, t time.Time) event.Event {
	return event.Event{ID: "e-" + topic, Topic: topic, Timestamp: t}
}

func TestTemporalCountFiresOncePerCrossing(t *testing.T) {
	var fired []TemporalFired
	d := NewTemporalDetectors(func(f TemporalFired) { fired = append(fired, f) })
	d.Register("r1", rule.TemporalSpec{
		Kind:       rule.TemporalCount,
		Match:      &rule.EventMatcher{Topic: "auth.login_failed"},
		Window:     "5m",
		Threshold:  3,
		Comparison: rule.CompareGTE,
		Sliding:    true,
	})

	base := time.Now()
	d.Observe(evAt("auth.login_failed", base))
	d.Observe(evAt("auth.login_failed", base.Add(time.Second)))
	if len(fired) != 0 {
		t.Fatalf("expected no fire below threshold, got %d", len(fired))
	}
	d.Observe(evAt("auth.login_failed", base.Add(2*time.Second)))
	if len(fired) != 1 {
		t.Fatalf("expected exactly 1 fire at crossing, got %d", len(fired))
	}
	d.Observe(evAt("auth.login_failed", base.Add(3*time.Second)))
	if len(fired) != 1 {
		t.Fatalf("expected no refire while still above threshold, got %d", len(fired))
	}
}

func TestTemporalSequenceFiresInOrder(t *testing.T) {
	var fired []TemporalFired
	d := NewTemporalDetectors(func(f TemporalFired) { fired = append(fired, f) })
	d.Register("r1", rule.TemporalSpec{
		Kind: rule.TemporalSequence,
		Sequence: []rule.EventMatcher{
			{Topic: "cart.created"},
			{Topic: "cart.abandoned"},
		},
		Within: "10m",
	})

	base := time.Now()
	d.Observe(evAt("cart.created", base))
	if len(fired) != 0 {
		t.Fatalf("expected no fire after partial sequence")
	}
	d.Observe(evAt("cart.abandoned", base.Add(time.Minute)))
	if len(fired) != 1 {
		t.Fatalf("expected fire after full sequence, got %d", len(fired))
	}
}

func TestTemporalSequenceResetsAfterWindow(t *testing.T) {
	var fired []TemporalFired
	d := NewTemporalDetectors(func(f TemporalFired) { fired = append(fired, f) })
	d.Register("r1", rule.TemporalSpec{
		Kind: rule.TemporalSequence,
		Sequence: []rule.EventMatcher{
			{Topic: "a"},
			{Topic: "b"},
		},
		Within: "1s",
	})

	base := time.Now()
	d.Observe(evAt("a", base))
	d.Observe(evAt("b", base.Add(2*time.Second)))
	if len(fired) != 0 {
		t.Fatalf("expected sequence to have expired, got %d fires", len(fired))
	}
}

func TestTemporalAbsenceFiresAfterDeadline(t *testing.T) {
	fireCh := make(chan TemporalFired, 1)
	d := NewTemporalDetectors(func(f TemporalFired) { fireCh <- f })
	d.Register("r1", rule.TemporalSpec{
		Kind:     rule.TemporalAbsence,
		After:    &rule.EventMatcher{Topic: "order.created"},
		Expected: &rule.EventMatcher{Topic: "order.paid"},
		Within:   "20ms",
	})

	d.Observe(evAt("order.created", time.Now()))

	select {
	case f := <-fireCh:
		if f.RuleID != "r1" {
			t.Errorf("unexpected rule id %s", f.RuleID)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected absence detector to fire")
	}
}

func TestTemporalAbsenceCancelledByExpected(t *testing.T) {
	fireCh := make(chan TemporalFired, 1)
	d := NewTemporalDetectors(func(f TemporalFired) { fireCh <- f })
	d.Register("r1", rule.TemporalSpec{
		Kind:     rule.TemporalAbsence,
		After:    &rule.EventMatcher{Topic: "order.created"},
		Expected: &rule.EventMatcher{Topic: "order.paid"},
		Within:   "50ms",
	})

	d.Observe(evAt("order.created", time.Now()))
	d.Observe(evAt("order.paid", time.Now()))

	select {
	case f := <-fireCh:
		t.Fatalf("expected no fire, got %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTemporalAggregateFiresOnThreshold(t *testing.T) {
	var fired []TemporalFired
	d := NewTemporalDetectors(func(f TemporalFired) { fired = append(fired, f) })
	d.Register("r1", rule.TemporalSpec{
		Kind:       rule.TemporalAggregate,
		Match:      &rule.EventMatcher{Topic: "order.paid"},
		Window:     "1h",
		Function:   rule.AggregateSum,
		Field:      "amount",
		Threshold:  100,
		Comparison: rule.CompareGTE,
		Sliding:    true,
	})

	ev1 := evAt("order.paid", time.Now())
	ev1.Data = map[string]any{"amount": 60.0}
	ev2 := evAt("order.paid", time.Now())
	ev2.Data = map[string]any{"amount": 50.0}

	d.Observe(ev1)
	if len(fired) != 0 {
		t.Fatalf("expected no fire below threshold")
	}
	d.Observe(ev2)
	if len(fired) != 1 {
		t.Fatalf("expected fire on threshold crossing, got %d", len(fired))
	}
	if fired[0].Value != 110 {
		t.Errorf("expected aggregate value 110, got %v", fired[0].Value)
	}
}
