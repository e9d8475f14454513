package audit

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelflow/reactor/pkg/storage/memory"
)

func TestRecordDerivesCategoryAndIndexes(t *testing.T) {
	l := New(Options{})
	l.Record("rule_executed", map[string]any{"ruleId": "r1", "correlationId": "c1"})

	res := l.Query(Filter{RuleID: "r1"})
	if res.TotalCount != 1 {
		t.Fatalf("expected 1 entry by ruleId index, got %d", res.TotalCount)
	}
	if res.Entries[0].Category != "rule_execution" {
		t.Errorf("expected category rule_execution, got %s", res.Entries[0].Category)
	}

	res = l.Query(Filter{CorrelationID: "c1"})
	if res.TotalCount != 1 {
		t.Fatalf("expected 1 entry by correlationId index, got %d", res.TotalCount)
	}
}

func TestRecordNotifiesSubscribersIsolated(t *testing.T) {
	l := New(Options{})
	var called int
	l.Subscribe(func(Entry) { panic("boom") })
	l.Subscribe(func(Entry) { called++ })

	l.Record("event_emitted", map[string]any{"topic": "x"})

	if called != 1 {
		t.Fatalf("expected second subscriber to still run despite first panicking, got %d", called)
	}
}

func TestEvictsOldestWhenOverCapacity(t *testing.T) {
	l := New(Options{MaxMemoryEntries: 2})
	l.Record("event_emitted", map[string]any{"topic": "a"})
	l.Record("event_emitted", map[string]any{"topic": "b"})
	l.Record("event_emitted", map[string]any{"topic": "c"})

	if l.Len() != 2 {
		t.Fatalf("expected ring buffer capped at 2, got %d", l.Len())
	}
}

func TestFlushPersistsToHourlyBucket(t *testing.T) {
	store := memory.New()
	l := New(Options{Storage: store, BatchSize: 1000, FlushInterval: time.Hour, StorageKeyPrefix: "audit-log"})
	l.Record("rule_executed", map[string]any{"ruleId": "r1"})

	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	keys, err := store.ListKeys(context.Background(), "audit-log:")
	if err != nil {
		t.Fatalf("ListKeys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 bucket, got %d: %v", len(keys), keys)
	}
}

func TestFlushAutoTriggersAtBatchSize(t *testing.T) {
	store := memory.New()
	l := New(Options{Storage: store, BatchSize: 2, FlushInterval: time.Hour})
	l.Record("event_emitted", map[string]any{"topic": "a"})
	l.Record("event_emitted", map[string]any{"topic": "b"})

	keys, _ := store.ListKeys(context.Background(), "audit-log:")
	if len(keys) != 1 {
		t.Fatalf("expected auto-flush at batch size, got %d buckets", len(keys))
	}
}

func TestQueryPaginates(t *testing.T) {
	l := New(Options{})
	for i := 0; i < 5; i++ {
		l.Record("event_emitted", map[string]any{"topic": "x"})
	}
	res := l.Query(Filter{Type: "event_emitted", Limit: 2})
	if len(res.Entries) != 2 || !res.HasMore {
		t.Fatalf("expected paginated page of 2 with more remaining, got %d hasMore=%v", len(res.Entries), res.HasMore)
	}
}

func TestCleanupRemovesOldEntries(t *testing.T) {
	clock := time.Now().Add(-2 * time.Hour)
	l := New(Options{Clock: func() time.Time { return clock }})
	l.Record("event_emitted", map[string]any{"topic": "old"})

	clock = time.Now()
	l.Record("event_emitted", map[string]any{"topic": "new"})

	if err := l.Cleanup(context.Background(), time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 entry remaining after cleanup, got %d", l.Len())
	}
}
