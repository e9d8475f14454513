package trace

import (
	"testing"

	"github.com/kestrelflow/reactor/internal/audit"
)

func TestCollectorDisabledByDefault(t *testing.T) {
	c := New(100)
	c.Record("rule_triggered", map[string]any{"ruleId": "r1"})
	if c.Len() != 0 {
		t.Fatalf("expected disabled collector to drop records, got %d", c.Len())
	}
}

func TestCollectorRecordsWhenEnabled(t *testing.T) {
	c := New(100)
	c.Enable()
	c.Record("rule_triggered", map[string]any{"ruleId": "r1"})
	if c.Len() != 1 {
		t.Fatalf("expected 1 recorded entry, got %d", c.Len())
	}

	c.Disable()
	c.Record("rule_triggered", map[string]any{"ruleId": "r2"})
	if c.Len() != 1 {
		t.Fatalf("expected disable to stop further recording, got %d", c.Len())
	}
}

func TestCollectorQueryByType(t *testing.T) {
	c := New(100)
	c.Enable()
	c.Record("rule_executed", map[string]any{"ruleId": "r1"})
	res := c.Query(audit.Filter{Type: "rule_executed"})
	if res.TotalCount != 1 {
		t.Fatalf("expected 1 match, got %d", res.TotalCount)
	}
}
