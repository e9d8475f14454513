// Package engine implements the reactive rule engine's dispatch core:
// event/fact/timer/temporal stimuli, rule matching, condition evaluation,
// action execution, and the cascading dispatch transaction that ties them
// together.
package engine

import (
	"context"
	"time"

	"github.com/kestrelflow/reactor/domain/event"
	"github.com/kestrelflow/reactor/domain/rule"
	"github.com/kestrelflow/reactor/pkg/config"
	"github.com/kestrelflow/reactor/pkg/metrics"
	"github.com/kestrelflow/reactor/pkg/storage"
)

// Options configures an Engine at construction time.
type Options struct {
	Config         config.DispatchConfig
	Audit          Recorder
	Trace          Recorder
	ServiceHandler ServiceHandler
	OnLog          func(level, message string)
	Metrics        *metrics.Metrics

	// Storage, RuleStorageKey, and SchemaVersion configure the engine's
	// PersistenceShim (§4.14). Storage may be nil, in which case Persist/
	// Restore are no-ops.
	Storage        storage.Adapter
	RuleStorageKey string
	SchemaVersion  int
	ServerID       string
}

// Engine is the public facade wiring EventBus, FactStore, RuleRegistry,
// TimerService, TemporalDetectors, and Dispatcher into a single running
// instance (§2).
type Engine struct {
	bus         *EventBus
	facts       *FactStore
	registry    *RuleRegistry
	dispatcher  *Dispatcher
	persistence *PersistenceShim
}

// New constructs an Engine. The dispatcher's goroutine starts immediately;
// call Stop to drain and shut it down.
func New(opts Options) *Engine {
	bus := NewEventBus("engine")
	facts := NewFactStore()
	registry := NewRuleRegistry()

	d := NewDispatcher(DispatcherOptions{
		Registry:          registry,
		Facts:             facts,
		Bus:               bus,
		Audit:             opts.Audit,
		Trace:             opts.Trace,
		ServiceHandler:    opts.ServiceHandler,
		OnLog:             opts.OnLog,
		CascadeDepthLimit: opts.Config.CascadeDepthLimit,
		QueueCapacity:     opts.Config.QueueCapacity,
		Metrics:           opts.Metrics,
	})

	persistence := NewPersistenceShim(PersistenceOptions{
		Storage:       opts.Storage,
		Key:           opts.RuleStorageKey,
		SchemaVersion: opts.SchemaVersion,
		ServerID:      opts.ServerID,
	})

	return &Engine{bus: bus, facts: facts, registry: registry, dispatcher: d, persistence: persistence}
}

// PersistRules snapshots the current rule set to the configured storage
// adapter. A no-op if no adapter was configured.
func (e *Engine) PersistRules(ctx context.Context) error {
	return e.persistence.Save(ctx, e.registry.All())
}

// RestoreRules loads a previously persisted rule set and registers every
// rule it contains, returning how many were registered. Returns 0 and a nil
// error if no snapshot exists or no adapter was configured.
func (e *Engine) RestoreRules(ctx context.Context) (int, error) {
	inputs, ok, err := e.persistence.Load(ctx)
	if err != nil || !ok {
		return 0, err
	}
	if err := e.persistence.RestoreInto(e.dispatcher, inputs); err != nil {
		return 0, err
	}
	return len(inputs), nil
}

// RegisterRule validates, normalizes, and wires in into the engine.
func (e *Engine) RegisterRule(in rule.RuleInput) (rule.Rule, error) {
	return e.dispatcher.RegisterRule(in)
}

// UnregisterRule removes a rule and any temporal state it owned.
func (e *Engine) UnregisterRule(id string) {
	e.dispatcher.UnregisterRule(id)
}

// SetEnabled toggles a rule's dispatch-candidacy.
func (e *Engine) SetEnabled(id string, enabled bool) bool {
	return e.registry.SetEnabled(id, enabled)
}

// GetRule returns a snapshot of a registered rule.
func (e *Engine) GetRule(id string) (rule.Rule, bool) {
	return e.registry.Get(id)
}

// ListRules returns a snapshot of every registered rule.
func (e *Engine) ListRules() []rule.Rule {
	return e.registry.All()
}

// Emit synthesizes and dispatches an event, blocking until its full cascade
// has completed. correlationID may be empty to start a fresh chain.
func (e *Engine) Emit(topic string, data map[string]any, correlationID string) event.Event {
	return e.dispatcher.SubmitEvent(topic, data, correlationID)
}

// Subscribe registers an external observer of events matching pattern,
// independent of rule matching (e.g. for SSE/webhook fan-out).
func (e *Engine) Subscribe(pattern string, handler Handler) string {
	return e.bus.Subscribe(pattern, handler)
}

// Unsubscribe removes an external observer.
func (e *Engine) Unsubscribe(id string) {
	e.bus.Unsubscribe(id)
}

// SetFact writes a fact and dispatches its fact-change stimulus.
func (e *Engine) SetFact(key string, value any, correlationID string) error {
	return e.dispatcher.SetFact(key, value, correlationID)
}

// GetFact reads the current value of a fact.
func (e *Engine) GetFact(key string) (any, bool) {
	return e.facts.Get(key)
}

// DeleteFact removes a fact and dispatches its fact-change stimulus.
func (e *Engine) DeleteFact(key string, correlationID string) {
	e.dispatcher.DeleteFact(key, correlationID)
}

// MatchFacts returns every (key, value) pair currently satisfying pattern.
func (e *Engine) MatchFacts(pattern string) []FactEntry {
	return e.facts.Match(pattern)
}

// FactSnapshot returns a shallow copy of the entire fact table, used by the
// PersistenceShim and operator tooling.
func (e *Engine) FactSnapshot() map[string]any {
	return e.facts.Snapshot()
}

// SetTimer schedules a named timer directly (outside of any rule's action
// list), firing timer-triggered rules when it elapses. maxCount bounds a
// repeating timer's iterations (<= 0 means unlimited) and is ignored when
// repeat is false.
func (e *Engine) SetTimer(name string, interval time.Duration, repeat bool, maxCount int) {
	e.dispatcher.timers.Set(name, interval, repeat, maxCount)
}

// CancelTimer cancels a named timer. Idempotent.
func (e *Engine) CancelTimer(name string) {
	e.dispatcher.timers.Cancel(name)
}

// Flush is a synchronization point: since the dispatcher already processes
// one stimulus to completion (including its cascade) before the next,
// dispatching one more event guarantees every previously submitted stimulus
// has been fully processed. That event (topic "__engine.flush__") is
// dispatched like any other: it is audited, delivered to matching bus
// subscribers and temporal detectors, and matched against rules.
func (e *Engine) Flush() {
	e.dispatcher.SubmitEvent("__engine.flush__", nil, "")
}

// Stop drains the dispatch queue, cancels all outstanding timers, and stops
// the dispatcher goroutine. Safe to call multiple times.
func (e *Engine) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.dispatcher.timers.StopAll()
		e.dispatcher.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
