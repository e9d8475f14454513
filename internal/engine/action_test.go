package engine

import (
	"context"
	"testing"

	"github.com/kestrelflow/reactor/domain/rule"
)

func testActionContext() (ActionContext, *[]string) {
	var emitted []string
	ctx := ActionContext{
		Bindings: newBindings(map[string]any{"id": "ord-1"}, nil, nil, nil),
		SetFact:  func(string, any) error { return nil },
		DeleteFact: func(string) error { return nil },
		EmitEvent: func(topic string, data map[string]any) { emitted = append(emitted, topic) },
		SetTimer:  func(rule.TimerSpec, string) {},
		CancelTimer: func(string) {},
		Log: func(string, string) {},
	}
	return ctx, &emitted
}

func TestActionExecutorSetFactInterpolatesKey(t *testing.T) {
	var gotKey string
	var gotValue any
	ctx, _ := testActionContext()
	ctx.SetFact = func(key string, value any) error {
		gotKey, gotValue = key, value
		return nil
	}

	exec := NewActionExecutor()
	outcomes := exec.Execute([]rule.Action{{Kind: rule.ActionSetFact, Key: "order:${event.id}:status", Value: "paid"}}, ctx)

	if len(outcomes) != 1 || outcomes[0].Err != nil {
		t.Fatalf("unexpected outcome: %+v", outcomes)
	}
	if gotKey != "order:ord-1:status" {
		t.Errorf("expected interpolated key, got %q", gotKey)
	}
	if gotValue != "paid" {
		t.Errorf("expected value paid, got %v", gotValue)
	}
}

func TestActionExecutorEmitEvent(t *testing.T) {
	ctx, emitted := testActionContext()
	exec := NewActionExecutor()
	exec.Execute([]rule.Action{{Kind: rule.ActionEmitEvent, Event: &rule.EventTemplate{Topic: "order.${event.id}.paid"}}}, ctx)
	if len(*emitted) != 1 || (*emitted)[0] != "order.ord-1.paid" {
		t.Fatalf("unexpected emitted topics: %v", *emitted)
	}
}

func TestActionExecutorContinuesAfterFailure(t *testing.T) {
	ctx, emitted := testActionContext()
	exec := NewActionExecutor()
	actions := []rule.Action{
		{Kind: rule.ActionCallService, Service: "billing", Method: "charge"},
		{Kind: rule.ActionEmitEvent, Event: &rule.EventTemplate{Topic: "after.failure"}},
	}
	outcomes := exec.Execute(actions, ctx)
	if outcomes[0].Err == nil {
		t.Fatalf("expected call_service to fail with no handler registered")
	}
	if len(*emitted) != 1 {
		t.Fatalf("expected subsequent action to still run, got %v", *emitted)
	}
}

func TestActionExecutorConditionalBranches(t *testing.T) {
	ctx, emitted := testActionContext()
	exec := NewActionExecutor()
	cond := rule.Condition{Source: "event.id", Operator: rule.OpEq, Value: "ord-1"}
	action := rule.Action{
		Kind:      rule.ActionConditional,
		Predicate: &cond,
		Then:      []rule.Action{{Kind: rule.ActionEmitEvent, Event: &rule.EventTemplate{Topic: "then.branch"}}},
		Else:      []rule.Action{{Kind: rule.ActionEmitEvent, Event: &rule.EventTemplate{Topic: "else.branch"}}},
	}
	exec.Execute([]rule.Action{action}, ctx)
	if len(*emitted) != 1 || (*emitted)[0] != "then.branch" {
		t.Fatalf("expected then branch to run, got %v", *emitted)
	}
}

func TestActionExecutorCallServiceDispatchesToHandler(t *testing.T) {
	ctx, _ := testActionContext()
	var gotService, gotMethod string
	ctx.CallService = func(_ context.Context, service, method string, args map[string]any) (any, error) {
		gotService, gotMethod = service, method
		return nil, nil
	}
	exec := NewActionExecutor()
	outcomes := exec.Execute([]rule.Action{{Kind: rule.ActionCallService, Service: "billing", Method: "charge"}}, ctx)
	if outcomes[0].Err != nil {
		t.Fatalf("unexpected error: %v", outcomes[0].Err)
	}
	if gotService != "billing" || gotMethod != "charge" {
		t.Errorf("unexpected dispatch: %s %s", gotService, gotMethod)
	}
}
