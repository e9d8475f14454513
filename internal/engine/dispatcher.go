package engine

import (
	"sync"
	"time"

	"github.com/kestrelflow/reactor/domain/event"
	"github.com/kestrelflow/reactor/domain/rule"
	"github.com/kestrelflow/reactor/pkg/metrics"
)

const defaultCascadeDepthLimit = 64

// DispatcherOptions wires the Dispatcher's collaborators. Registry, Facts,
// and Bus are required. Audit, Trace, and OnLog default to no-ops; with a
// nil ServiceHandler every call_service action fails; a nil Metrics
// disables instrumentation; a CascadeDepthLimit or QueueCapacity <= 0 takes
// the default (64 and 256). The Dispatcher owns TimerService and
// TemporalDetectors itself (both need to enqueue stimuli back onto the
// dispatcher on fire).
type DispatcherOptions struct {
	Registry          *RuleRegistry
	Facts             *FactStore
	Bus               *EventBus
	Audit             Recorder
	Trace             Recorder
	ServiceHandler    ServiceHandler
	OnLog             func(level, message string)
	CascadeDepthLimit int
	QueueCapacity     int
	Metrics           *metrics.Metrics
}

// Dispatcher runs the stimulus state machine described in §4.7/§5: a single
// goroutine drains a buffered channel of stimuli, each processed to
// completion (including its cascade) before the next begins.
type Dispatcher struct {
	registry       *RuleRegistry
	facts          *FactStore
	timers         *TimerService
	temporal       *TemporalDetectors
	bus            *EventBus
	actions        *ActionExecutor
	serviceHandler ServiceHandler
	audit          Recorder
	trace          Recorder
	onLog          func(level, message string)
	cascadeLimit   int
	metrics        *metrics.Metrics

	expireMu     sync.Mutex
	timerExpire  map[string]timerExpiry

	queue  chan *stimulus
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type timerExpiry struct {
	template      rule.EventTemplate
	correlationID string
}

// NewDispatcher constructs and starts a Dispatcher's processing goroutine.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Audit == nil {
		opts.Audit = noopRecorder{}
	}
	if opts.Trace == nil {
		opts.Trace = noopRecorder{}
	}
	if opts.OnLog == nil {
		opts.OnLog = func(string, string) {}
	}
	if opts.CascadeDepthLimit <= 0 {
		opts.CascadeDepthLimit = defaultCascadeDepthLimit
	}
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = 256
	}

	d := &Dispatcher{
		registry:       opts.Registry,
		facts:          opts.Facts,
		bus:            opts.Bus,
		actions:        NewActionExecutor(),
		serviceHandler: opts.ServiceHandler,
		audit:          safeRecorder{opts.Audit},
		trace:          safeRecorder{opts.Trace},
		onLog:          opts.OnLog,
		cascadeLimit:   opts.CascadeDepthLimit,
		metrics:        opts.Metrics,
		timerExpire:    make(map[string]timerExpiry),
		queue:          make(chan *stimulus, capacity),
		stopCh:         make(chan struct{}),
	}
	d.timers = NewTimerService(d.handleTimerFired)
	d.temporal = NewTemporalDetectors(d.SubmitTemporalFired)

	d.wg.Add(1)
	go d.run()
	return d
}

// Timers exposes the dispatcher-owned TimerService for the Engine facade's
// public SetTimer/CancelTimer API.
func (d *Dispatcher) Timers() *TimerService { return d.timers }

// Temporal exposes the dispatcher-owned TemporalDetectors so the Engine
// facade can register/unregister rules' detectors.
func (d *Dispatcher) Temporal() *TemporalDetectors { return d.temporal }

func (d *Dispatcher) handleTimerFired(fired TimerFired) {
	d.expireMu.Lock()
	expiry, ok := d.timerExpire[fired.Name]
	if ok && !fired.Repeating {
		delete(d.timerExpire, fired.Name)
	}
	d.expireMu.Unlock()

	correlationID := ""
	if ok {
		correlationID = expiry.correlationID
	}
	correlationID = NewCorrelationContext(correlationID).ID()
	d.SubmitTimerFired(fired, correlationID)
	if ok && expiry.template.Topic != "" {
		d.SubmitEvent(expiry.template.Topic, expiry.template.Data, correlationID)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case s := <-d.queue:
			d.process(s)
			if s.done != nil {
				close(s.done)
			}
		case <-d.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case s := <-d.queue:
					d.process(s)
					if s.done != nil {
						close(s.done)
					}
				default:
					return
				}
			}
		}
	}
}

// Stop signals the dispatcher to drain its queue and exit, blocking until
// it has done so. Idempotent.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// RegisterRule validates and registers in, wiring its temporal detector (if
// any) into the dispatcher-owned TemporalDetectors.
func (d *Dispatcher) RegisterRule(in rule.RuleInput) (rule.Rule, error) {
	r, err := d.registry.Register(in)
	if err != nil {
		return rule.Rule{}, err
	}
	if r.Trigger.Kind == rule.TriggerTemporal {
		d.temporal.Register(r.ID, *r.Trigger.Temporal)
	}
	d.audit.Record("rule_registered", map[string]any{"ruleId": r.ID, "version": r.Version})
	if d.metrics != nil {
		d.metrics.ActiveRules.Set(float64(len(d.registry.All())))
	}
	return r, nil
}

// UnregisterRule removes a rule and any temporal detector state it owned.
func (d *Dispatcher) UnregisterRule(id string) {
	d.temporal.Unregister(id)
	d.registry.Unregister(id)
	d.audit.Record("rule_unregistered", map[string]any{"ruleId": id})
	if d.metrics != nil {
		d.metrics.ActiveRules.Set(float64(len(d.registry.All())))
	}
}

// SetFact writes a fact directly (outside of any rule's action list) and
// dispatches its fact-change stimulus.
func (d *Dispatcher) SetFact(key string, value any, correlationID string) error {
	change, err := d.facts.Set(key, value)
	if err != nil {
		return err
	}
	d.SubmitFactChange(change, correlationID)
	return nil
}

// DeleteFact removes a fact directly and dispatches its fact-change
// stimulus if the key existed.
func (d *Dispatcher) DeleteFact(key string, correlationID string) {
	change, existed := d.facts.Delete(key)
	if existed {
		d.SubmitFactChange(change, correlationID)
	}
}

// SubmitEvent enqueues a topic/data emission and blocks until its full
// cascade has been processed. An empty correlationID starts a fresh chain.
func (d *Dispatcher) SubmitEvent(topic string, data map[string]any, correlationID string) event.Event {
	correlationID = NewCorrelationContext(correlationID).ID()
	ev := d.bus.New(topic, data, correlationID)
	s := &stimulus{kind: stimulusEvent, ev: ev, correlationID: ev.CorrelationID, done: make(chan struct{})}
	d.enqueueAndWait(s)
	return ev
}

// SubmitFactChange enqueues a fact mutation's rule-matching pass. An empty
// correlationID starts a fresh chain.
func (d *Dispatcher) SubmitFactChange(change FactChange, correlationID string) {
	correlationID = NewCorrelationContext(correlationID).ID()
	s := &stimulus{kind: stimulusFact, factChange: change, correlationID: correlationID, done: make(chan struct{})}
	d.enqueueAndWait(s)
}

// SubmitTimerFired enqueues a timer-fire's rule-matching pass. An empty
// correlationID starts a fresh chain.
func (d *Dispatcher) SubmitTimerFired(fired TimerFired, correlationID string) {
	correlationID = NewCorrelationContext(correlationID).ID()
	s := &stimulus{kind: stimulusTimer, timerFired: fired, correlationID: correlationID, done: make(chan struct{})}
	d.enqueueAndWait(s)
}

// SubmitTemporalFired enqueues a temporal detector's synthetic stimulus
// without waiting for it to be processed: detectors fire from inside
// Observe, which runs on the dispatcher goroutine itself.
func (d *Dispatcher) SubmitTemporalFired(fired TemporalFired) {
	s := &stimulus{kind: stimulusTemporal, temporalFired: fired, correlationID: fired.CorrelationID}
	select {
	case d.queue <- s:
	case <-d.stopCh:
	default:
		go func() {
			select {
			case d.queue <- s:
			case <-d.stopCh:
			}
		}()
	}
}

func (d *Dispatcher) enqueueAndWait(s *stimulus) {
	select {
	case d.queue <- s:
	case <-d.stopCh:
		return
	}
	<-s.done
}

// process runs one top-level stimulus and its full cascade to completion.
func (d *Dispatcher) process(s *stimulus) {
	start := time.Now()
	cascade := &cascadeState{limit: d.cascadeLimit}
	d.dispatchOne(s, cascade)

	for len(cascade.queue) > 0 && !cascade.exceeded {
		next := cascade.pop()
		d.dispatchOne(next, cascade)
	}

	if d.metrics != nil {
		d.metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}
}

type cascadeState struct {
	queue    []*stimulus
	depth    int
	limit    int
	exceeded bool
}

func (c *cascadeState) push(s *stimulus) {
	if c.exceeded {
		return
	}
	c.depth++
	if c.depth > c.limit {
		c.exceeded = true
		return
	}
	c.queue = append(c.queue, s)
}

func (c *cascadeState) pop() *stimulus {
	s := c.queue[0]
	c.queue = c.queue[1:]
	return s
}

var stimulusKindLabel = map[stimulusKind]string{
	stimulusEvent:    "event",
	stimulusFact:     "fact",
	stimulusTimer:    "timer",
	stimulusTemporal: "temporal",
}

func (d *Dispatcher) dispatchOne(s *stimulus, cascade *cascadeState) {
	if d.metrics != nil {
		d.metrics.StimuliProcessed.WithLabelValues(stimulusKindLabel[s.kind]).Inc()
	}
	switch s.kind {
	case stimulusEvent:
		d.dispatchEvent(s, cascade)
	case stimulusFact:
		d.dispatchFact(s, cascade)
	case stimulusTimer:
		d.dispatchTimer(s, cascade)
	case stimulusTemporal:
		d.dispatchTemporal(s, cascade)
	}
	if cascade.exceeded {
		d.audit.Record("cascade_depth_exceeded", map[string]any{"limit": d.cascadeLimit, "correlationId": s.correlationID})
		if d.metrics != nil {
			d.metrics.CascadeDepthHits.Inc()
		}
	}
}

func (d *Dispatcher) dispatchEvent(s *stimulus, cascade *cascadeState) {
	d.audit.Record("event_emitted", map[string]any{
		"eventId": s.ev.ID, "topic": s.ev.Topic, "correlationId": s.correlationID,
	})
	d.bus.Deliver(s.ev)
	d.temporal.Observe(s.ev)

	candidates := d.registry.CandidatesForEvent(s.ev.Topic)
	trigger := map[string]any{"event": s.ev.Data}
	d.runRules(candidates, s.ev.Data, trigger, s.correlationID, cascade)
}

func (d *Dispatcher) dispatchFact(s *stimulus, cascade *cascadeState) {
	entryType := "fact_updated"
	switch {
	case s.factChange.Deleted:
		entryType = "fact_deleted"
	case !s.factChange.HadPrev:
		entryType = "fact_created"
	}
	d.audit.Record(entryType, map[string]any{
		"key": s.factChange.Key, "value": s.factChange.Value, "correlationId": s.correlationID,
	})

	candidates := d.registry.CandidatesForFact(s.factChange.Key)
	trigger := map[string]any{"fact": map[string]any{"key": s.factChange.Key, "value": s.factChange.Value}}
	d.runRules(candidates, nil, trigger, s.correlationID, cascade)
}

func (d *Dispatcher) dispatchTimer(s *stimulus, cascade *cascadeState) {
	d.audit.Record("timer_fired", map[string]any{"name": s.timerFired.Name, "correlationId": s.correlationID})

	candidates := d.registry.CandidatesForTimer(s.timerFired.Name)
	trigger := map[string]any{"timer": map[string]any{"name": s.timerFired.Name, "fired": s.timerFired.Fired}}
	d.runRules(candidates, nil, trigger, s.correlationID, cascade)
}

func (d *Dispatcher) dispatchTemporal(s *stimulus, cascade *cascadeState) {
	d.audit.Record("temporal_fired", map[string]any{
		"ruleId": s.temporalFired.RuleID, "groupKey": s.temporalFired.GroupKey, "correlationId": s.correlationID,
	})

	r, ok := d.registry.CandidateForTemporal(s.temporalFired.RuleID)
	if !ok {
		return
	}
	trigger := map[string]any{"temporal": map[string]any{
		"groupKey": s.temporalFired.GroupKey,
		"value":    s.temporalFired.Value,
		"matched":  s.temporalFired.Matched,
	}}
	d.runRules([]rule.Rule{r}, nil, trigger, s.correlationID, cascade)
}

func (d *Dispatcher) runRules(candidates []rule.Rule, eventData map[string]any, trigger map[string]any, correlationID string, cascade *cascadeState) {
	contextMap := map[string]any{}
	b := newBindings(eventData, contextMap, trigger, d.facts.Get)

	for _, r := range candidates {
		d.trace.Record("rule_triggered", map[string]any{"ruleId": r.ID, "correlationId": correlationID})
		start := time.Now()

		ok := EvaluateConditions(r.Conditions, b, func(c rule.Condition, err error) {
			d.trace.Record("condition_error", map[string]any{"ruleId": r.ID, "source": c.Source, "error": err.Error()})
		})
		if !ok {
			d.trace.Record("rule_skipped", map[string]any{"ruleId": r.ID, "reason": "conditions_not_met"})
			d.audit.Record("rule_skipped", map[string]any{"ruleId": r.ID, "correlationId": correlationID, "reason": "conditions_not_met"})
			if d.metrics != nil {
				d.metrics.RulesSkipped.WithLabelValues(r.ID).Inc()
			}
			continue
		}

		actionCtx := d.actionContext(r, b, correlationID, cascade)
		outcomes := d.actions.Execute(r.Actions, actionCtx)
		for _, o := range outcomes {
			if o.Err != nil {
				d.trace.Record("action_failed", map[string]any{"ruleId": r.ID, "kind": string(o.Kind), "error": o.Err.Error()})
				d.audit.Record("action_failed", map[string]any{"ruleId": r.ID, "kind": string(o.Kind), "error": o.Err.Error(), "correlationId": correlationID})
				if d.metrics != nil {
					d.metrics.ActionsFailed.WithLabelValues(string(o.Kind)).Inc()
				}
			} else {
				d.trace.Record("action_completed", map[string]any{"ruleId": r.ID, "kind": string(o.Kind)})
				if d.metrics != nil {
					d.metrics.ActionsExecuted.WithLabelValues(string(o.Kind)).Inc()
				}
			}
		}

		durationMs := time.Since(start).Milliseconds()
		d.trace.Record("rule_executed", map[string]any{"ruleId": r.ID, "durationMs": durationMs})
		d.audit.Record("rule_executed", map[string]any{"ruleId": r.ID, "correlationId": correlationID, "durationMs": durationMs})
		if d.metrics != nil {
			d.metrics.RulesExecuted.WithLabelValues(r.ID).Inc()
		}
	}
}

func (d *Dispatcher) actionContext(r rule.Rule, b bindings, correlationID string, cascade *cascadeState) ActionContext {
	return ActionContext{
		Bindings:      b,
		CorrelationID: correlationID,
		SetFact: func(key string, value any) error {
			change, err := d.facts.Set(key, value)
			if err != nil {
				return err
			}
			cascade.push(&stimulus{kind: stimulusFact, factChange: change, correlationID: correlationID, done: nil})
			return nil
		},
		DeleteFact: func(key string) error {
			change, existed := d.facts.Delete(key)
			if existed {
				cascade.push(&stimulus{kind: stimulusFact, factChange: change, correlationID: correlationID, done: nil})
			}
			return nil
		},
		EmitEvent: func(topic string, data map[string]any) {
			ev := d.bus.New(topic, data, correlationID)
			cascade.push(&stimulus{kind: stimulusEvent, ev: ev, correlationID: correlationID, done: nil})
		},
		SetTimer: func(spec rule.TimerSpec, corrID string) {
			d.scheduleTimer(spec, corrID)
		},
		CancelTimer: func(name string) {
			d.timers.Cancel(name)
			d.refreshActiveTimersGauge()
		},
		CallService: d.serviceHandler,
		Log: func(level, message string) {
			d.onLog(level, message)
		},
	}
}

func (d *Dispatcher) scheduleTimer(spec rule.TimerSpec, correlationID string) {
	duration, err := ParseDuration(spec.Duration)
	if err != nil {
		d.audit.Record("action_failed", map[string]any{"kind": "set_timer", "error": err.Error()})
		return
	}
	repeat := spec.Repeat != nil
	maxCount := 0
	if repeat {
		if interval, err := ParseDuration(spec.Repeat.Interval); err == nil {
			duration = interval
		}
		maxCount = spec.Repeat.MaxCount
	}

	d.expireMu.Lock()
	d.timerExpire[spec.Name] = timerExpiry{template: spec.OnExpire, correlationID: correlationID}
	d.expireMu.Unlock()

	d.timers.Set(spec.Name, duration, repeat, maxCount)
	d.refreshActiveTimersGauge()
}

func (d *Dispatcher) refreshActiveTimersGauge() {
	if d.metrics != nil {
		d.metrics.ActiveTimers.Set(float64(d.timers.Count()))
	}
}
