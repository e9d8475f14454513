package engine

import (
	"context"
	"time"

	"github.com/kestrelflow/reactor/domain/rule"
	"github.com/kestrelflow/reactor/pkg/errors"
)

// ServiceHandler dispatches a call_service action to caller-registered
// business logic outside the engine.
type ServiceHandler func(ctx context.Context, service, method string, args map[string]any) (any, error)

// ActionContext is the set of engine operations an action may perform,
// threaded through from the Dispatcher so ActionExecutor stays free of any
// direct dependency on the dispatcher's internals.
type ActionContext struct {
	Bindings    bindings
	CorrelationID string
	SetFact     func(key string, value any) error
	DeleteFact  func(key string) error
	EmitEvent   func(topic string, data map[string]any)
	SetTimer    func(spec rule.TimerSpec, correlationID string)
	CancelTimer func(name string)
	CallService ServiceHandler
	Log         func(level, message string)
}

// ActionOutcome records one action's execution for tracing/audit.
type ActionOutcome struct {
	Kind  rule.ActionKind
	Err   error
}

// ActionExecutor runs a rule's action list in order (§4.6). Each action runs
// inside its own failure scope: an error is recorded in the returned
// outcomes but never aborts the remaining actions, and never marks the rule
// as failed. A panic raised inside an action is not recovered.
type ActionExecutor struct{}

// NewActionExecutor returns a stateless ActionExecutor.
func NewActionExecutor() *ActionExecutor { return &ActionExecutor{} }

// Execute runs actions in order against ctx, returning one outcome per
// action (including actions nested under a conditional's matching branch).
func (e *ActionExecutor) Execute(actions []rule.Action, ctx ActionContext) []ActionOutcome {
	outcomes := make([]ActionOutcome, 0, len(actions))
	for _, a := range actions {
		outcomes = append(outcomes, e.executeOne(a, ctx)...)
	}
	return outcomes
}

func (e *ActionExecutor) executeOne(a rule.Action, ctx ActionContext) []ActionOutcome {
	switch a.Kind {
	case rule.ActionSetFact:
		return []ActionOutcome{{Kind: a.Kind, Err: e.setFact(a, ctx)}}
	case rule.ActionDeleteFact:
		return []ActionOutcome{{Kind: a.Kind, Err: e.deleteFact(a, ctx)}}
	case rule.ActionEmitEvent:
		return []ActionOutcome{{Kind: a.Kind, Err: e.emitEvent(a, ctx)}}
	case rule.ActionSetTimer:
		return []ActionOutcome{{Kind: a.Kind, Err: e.setTimer(a, ctx)}}
	case rule.ActionCancelTimer:
		return []ActionOutcome{{Kind: a.Kind, Err: e.cancelTimer(a, ctx)}}
	case rule.ActionCallService:
		return []ActionOutcome{{Kind: a.Kind, Err: e.callService(a, ctx)}}
	case rule.ActionLog:
		return []ActionOutcome{{Kind: a.Kind, Err: e.log(a, ctx)}}
	case rule.ActionConditional:
		return e.conditional(a, ctx)
	default:
		return []ActionOutcome{{Kind: a.Kind, Err: errors.NewActionFailure(string(a.Kind), errUnknownActionKind(a.Kind))}}
	}
}

func (e *ActionExecutor) setFact(a rule.Action, ctx ActionContext) error {
	key := ctx.Bindings.InterpolateString(a.Key)
	value := ctx.Bindings.ResolveValue(a.Value)
	if err := ctx.SetFact(key, value); err != nil {
		return errors.NewActionFailure(string(a.Kind), err)
	}
	return nil
}

func (e *ActionExecutor) deleteFact(a rule.Action, ctx ActionContext) error {
	key := ctx.Bindings.InterpolateString(a.Key)
	if err := ctx.DeleteFact(key); err != nil {
		return errors.NewActionFailure(string(a.Kind), err)
	}
	return nil
}

func (e *ActionExecutor) emitEvent(a rule.Action, ctx ActionContext) error {
	if a.Event == nil {
		return errors.NewActionFailure(string(a.Kind), errMissingField("event"))
	}
	topic := ctx.Bindings.InterpolateString(a.Event.Topic)
	data := interpolateMap(a.Event.Data, ctx.Bindings)
	ctx.EmitEvent(topic, data)
	return nil
}

func (e *ActionExecutor) setTimer(a rule.Action, ctx ActionContext) error {
	if a.Timer == nil {
		return errors.NewActionFailure(string(a.Kind), errMissingField("timer"))
	}
	spec := *a.Timer
	spec.Name = ctx.Bindings.InterpolateString(spec.Name)
	spec.OnExpire.Topic = ctx.Bindings.InterpolateString(spec.OnExpire.Topic)
	spec.OnExpire.Data = interpolateMap(spec.OnExpire.Data, ctx.Bindings)
	ctx.SetTimer(spec, ctx.CorrelationID)
	return nil
}

func (e *ActionExecutor) cancelTimer(a rule.Action, ctx ActionContext) error {
	name := ctx.Bindings.InterpolateString(a.TimerName)
	ctx.CancelTimer(name)
	return nil
}

func (e *ActionExecutor) callService(a rule.Action, ctx ActionContext) error {
	if ctx.CallService == nil {
		return errors.NewActionFailure(string(a.Kind), errNoServiceHandler(a.Service))
	}
	args := interpolateMap(a.Args, ctx.Bindings)
	callCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := ctx.CallService(callCtx, a.Service, a.Method, args); err != nil {
		return errors.NewActionFailure(string(a.Kind), err)
	}
	return nil
}

func (e *ActionExecutor) log(a rule.Action, ctx ActionContext) error {
	level := a.Level
	if level == "" {
		level = "info"
	}
	ctx.Log(level, ctx.Bindings.InterpolateString(a.Message))
	return nil
}

func (e *ActionExecutor) conditional(a rule.Action, ctx ActionContext) []ActionOutcome {
	outcomes := []ActionOutcome{{Kind: a.Kind}}
	if a.Predicate == nil {
		return outcomes
	}
	matched := EvaluateConditions([]rule.Condition{*a.Predicate}, ctx.Bindings, nil)
	branch := a.Else
	if matched {
		branch = a.Then
	}
	for _, sub := range branch {
		outcomes = append(outcomes, e.executeOne(sub, ctx)...)
	}
	return outcomes
}

func interpolateMap(m map[string]any, b bindings) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = b.ResolveValue(v)
	}
	return out
}
