// Package rule defines the tagged Trigger/Condition/Action variants and the
// Rule/RuleInput records the engine registers, matches, and executes.
package rule

import "time"

// TriggerKind discriminates the four ways a rule can be hooked to a stimulus.
type TriggerKind string

const (
	TriggerEvent    TriggerKind = "event"
	TriggerFact     TriggerKind = "fact"
	TriggerTimer    TriggerKind = "timer"
	TriggerTemporal TriggerKind = "temporal"
)

// Trigger binds a rule to a class of stimuli. Exactly one of the
// kind-specific fields is populated, selected by Kind.
type Trigger struct {
	Kind TriggerKind `json:"kind"`

	// TriggerEvent
	EventTopic string `json:"eventTopic,omitempty"`

	// TriggerFact
	FactPattern string `json:"factPattern,omitempty"`

	// TriggerTimer
	TimerName string `json:"timerName,omitempty"`

	// TriggerTemporal
	Temporal *TemporalSpec `json:"temporal,omitempty"`
}

// EventMatcher selects events a temporal detector should observe.
type EventMatcher struct {
	Topic string `json:"topic"`
}

// TemporalKind discriminates the four stateful matchers in §4.8.
type TemporalKind string

const (
	TemporalSequence  TemporalKind = "sequence"
	TemporalAbsence   TemporalKind = "absence"
	TemporalCount     TemporalKind = "count"
	TemporalAggregate TemporalKind = "aggregate"
)

// AggregateFunction is the reduction TemporalAggregate applies over Field.
type AggregateFunction string

const (
	AggregateSum   AggregateFunction = "sum"
	AggregateAvg   AggregateFunction = "avg"
	AggregateMin   AggregateFunction = "min"
	AggregateMax   AggregateFunction = "max"
	AggregateCount AggregateFunction = "count"
)

// Comparison is the relational operator a Count/Aggregate pattern applies
// between its computed value and Threshold.
type Comparison string

const (
	CompareGT  Comparison = "gt"
	CompareGTE Comparison = "gte"
	CompareLT  Comparison = "lt"
	CompareLTE Comparison = "lte"
	CompareEQ  Comparison = "eq"
)

// TemporalSpec is the tagged union of the four temporal pattern kinds.
// Within/Window accept the duration grammar in §6 (parsed at registration).
type TemporalSpec struct {
	Kind TemporalKind `json:"kind"`

	// shared
	GroupBy string `json:"groupBy,omitempty"`

	// TemporalSequence
	Sequence []EventMatcher `json:"sequence,omitempty"`
	Within   string         `json:"within,omitempty"`

	// TemporalAbsence
	After    *EventMatcher `json:"after,omitempty"`
	Expected *EventMatcher `json:"expected,omitempty"`

	// TemporalCount / TemporalAggregate
	Match      *EventMatcher     `json:"match,omitempty"`
	Window     string            `json:"window,omitempty"`
	Threshold  float64           `json:"threshold,omitempty"`
	Comparison Comparison        `json:"comparison,omitempty"`
	Sliding    bool              `json:"sliding,omitempty"`
	Function   AggregateFunction `json:"function,omitempty"`
	Field      string            `json:"field,omitempty"`
}

// Operator is the fixed set of comparisons a Condition may apply.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGT       Operator = "gt"
	OpGTE      Operator = "gte"
	OpLT       Operator = "lt"
	OpLTE      Operator = "lte"
	OpIn       Operator = "in"
	OpNotIn    Operator = "notIn"
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
	OpExists   Operator = "exists"
)

// Condition is a single ANDed predicate over an event, fact, or context
// source. Value may be a literal JSON value or a Ref (`{"ref": "path"}`).
type Condition struct {
	Source   string   `json:"source"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// ActionKind discriminates the eight tagged action variants in §3.
type ActionKind string

const (
	ActionSetFact     ActionKind = "set_fact"
	ActionDeleteFact  ActionKind = "delete_fact"
	ActionEmitEvent   ActionKind = "emit_event"
	ActionSetTimer    ActionKind = "set_timer"
	ActionCancelTimer ActionKind = "cancel_timer"
	ActionCallService ActionKind = "call_service"
	ActionLog         ActionKind = "log"
	ActionConditional ActionKind = "conditional"
)

// RepeatSpec configures TimerSpec repetition.
type RepeatSpec struct {
	Interval string `json:"interval"`
	MaxCount int    `json:"maxCount,omitempty"`
}

// TimerSpec is the payload of a set_timer action.
type TimerSpec struct {
	Name     string        `json:"name"`
	Duration string        `json:"duration"`
	OnExpire EventTemplate `json:"onExpire"`
	Repeat   *RepeatSpec   `json:"repeat,omitempty"`
}

// EventTemplate is the {topic, data} an action or timer emits; data may
// still contain unresolved interpolation.
type EventTemplate struct {
	Topic string         `json:"topic"`
	Data  map[string]any `json:"data,omitempty"`
}

// Action is a single tagged action. Only the fields relevant to Kind are
// populated; all string fields and Data/Args values may embed interpolation.
type Action struct {
	Kind ActionKind `json:"kind"`

	// ActionSetFact / ActionDeleteFact
	Key   string `json:"key,omitempty"`
	Value any    `json:"value,omitempty"`

	// ActionEmitEvent
	Event *EventTemplate `json:"event,omitempty"`

	// ActionSetTimer
	Timer *TimerSpec `json:"timer,omitempty"`

	// ActionCancelTimer
	TimerName string `json:"timerName,omitempty"`

	// ActionCallService
	Service string         `json:"service,omitempty"`
	Method  string         `json:"method,omitempty"`
	Args    map[string]any `json:"args,omitempty"`

	// ActionLog
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	// ActionConditional
	Predicate *Condition `json:"predicate,omitempty"`
	Then      []Action   `json:"then,omitempty"`
	Else      []Action   `json:"else,omitempty"`
}

// RuleInput is the normalized record consumed from the (out-of-scope) rule
// definition DSL. Defaults are applied by the registry on ingest.
type RuleInput struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Priority    *int        `json:"priority,omitempty"`
	Enabled     *bool       `json:"enabled,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	Group       string      `json:"group,omitempty"`
	Trigger     Trigger     `json:"trigger"`
	Conditions  []Condition `json:"conditions,omitempty"`
	Actions     []Action    `json:"actions"`
	Lookups     map[string]string `json:"lookups,omitempty"`
}

// Rule is the registry-owned, immutable-to-callers record produced by
// registering a RuleInput.
type Rule struct {
	ID          string
	Name        string
	Description string
	Priority    int
	Enabled     bool
	Tags        []string
	Group       string
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Trigger     Trigger
	Conditions  []Condition
	Actions     []Action

	// InsertionSeq breaks priority ties deterministically (§4.4): rules are
	// ordered (priority desc, insertion asc).
	InsertionSeq uint64
}

// Clone returns a deep-enough copy safe to hand to external callers; nested
// slices are copied by reference to other immutable values (Condition/Action
// are never mutated in place after registration).
func (r Rule) Clone() Rule {
	clone := r
	clone.Tags = append([]string(nil), r.Tags...)
	clone.Conditions = append([]Condition(nil), r.Conditions...)
	clone.Actions = append([]Action(nil), r.Actions...)
	return clone
}
