package engine

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelflow/reactor/domain/event"
	"github.com/kestrelflow/reactor/domain/rule"
	"github.com/kestrelflow/reactor/pkg/config"
	"github.com/kestrelflow/reactor/pkg/storage/memory"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.New()
	e := New(Options{Config: cfg.Dispatch})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e
}

func TestEngineRegisterAndEmit(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.RegisterRule(rule.RuleInput{
		ID: "welcome", Name: "welcome", Priority: p(0), Enabled: boolPtr(true),
		Trigger: rule.Trigger{Kind: rule.TriggerEvent, EventTopic: "user.signed_up"},
		Actions: []rule.Action{{Kind: rule.ActionSetFact, Key: "user:${event.id}:welcomed", Value: true}},
	})
	if err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	e.Emit("user.signed_up", map[string]any{"id": "u-1"}, "")

	v, ok := e.GetFact("user:u-1:welcomed")
	if !ok || v != true {
		t.Fatalf("expected welcomed fact set, got %v %v", v, ok)
	}
}

func TestEngineSubscribeReceivesEvents(t *testing.T) {
	e := newTestEngine(t)
	received := make(chan event.Event, 1)
	id := e.Subscribe("order.*", func(ev event.Event) { received <- ev })

	e.Emit("order.created", map[string]any{"id": "ord-1"}, "")

	select {
	case ev := <-received:
		if ev.Topic != "order.created" {
			t.Errorf("unexpected topic %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to receive emitted event")
	}

	e.Unsubscribe(id)
}

func TestEngineUnregisterRemovesRule(t *testing.T) {
	e := newTestEngine(t)
	r, _ := e.RegisterRule(rule.RuleInput{
		ID: "r1", Name: "r1", Priority: p(0), Enabled: boolPtr(true),
		Trigger: rule.Trigger{Kind: rule.TriggerEvent, EventTopic: "x"},
		Actions: []rule.Action{{Kind: rule.ActionLog, Message: "hi"}},
	})
	e.UnregisterRule(r.ID)
	if _, ok := e.GetRule(r.ID); ok {
		t.Fatalf("expected rule removed")
	}
}

func TestEngineSetFactDispatchesToFactRule(t *testing.T) {
	e := newTestEngine(t)
	fired := make(chan event.Event, 1)
	e.RegisterRule(rule.RuleInput{
		ID: "onfact", Name: "onfact", Priority: p(0), Enabled: boolPtr(true),
		Trigger: rule.Trigger{Kind: rule.TriggerFact, FactPattern: "order:*:status"},
		Actions: []rule.Action{{Kind: rule.ActionEmitEvent, Event: &rule.EventTemplate{Topic: "status.changed"}}},
	})
	e.Subscribe("status.changed", func(ev event.Event) { fired <- ev })

	e.SetFact("order:ord-1:status", "paid", "")

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected fact-triggered rule to emit status.changed")
	}
}

func TestEnginePersistAndRestoreRules(t *testing.T) {
	store := memory.New()
	cfg := config.New()

	e1 := New(Options{Config: cfg.Dispatch, Storage: store, RuleStorageKey: "rules"})
	e1.RegisterRule(rule.RuleInput{
		ID: "r1", Name: "r1", Priority: p(0), Enabled: boolPtr(true),
		Trigger: rule.Trigger{Kind: rule.TriggerEvent, EventTopic: "x"},
		Actions: []rule.Action{{Kind: rule.ActionLog, Message: "hi"}},
	})
	if err := e1.PersistRules(context.Background()); err != nil {
		t.Fatalf("PersistRules: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	e1.Stop(ctx)
	cancel()

	e2 := New(Options{Config: cfg.Dispatch, Storage: store, RuleStorageKey: "rules"})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e2.Stop(ctx)
	})
	n, err := e2.RestoreRules(context.Background())
	if err != nil {
		t.Fatalf("RestoreRules: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 restored rule, got %d", n)
	}
	if _, ok := e2.GetRule("r1"); !ok {
		t.Fatal("expected restored rule r1 to be registered")
	}
}
