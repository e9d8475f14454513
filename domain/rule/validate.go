package rule

import (
	"fmt"

	"github.com/kestrelflow/reactor/pkg/errors"
)

// Normalize applies RuleInput ingest defaults (§6): priority=0, enabled=true,
// tags=[], conditions=[].
func (in *RuleInput) Normalize() {
	if in.Priority == nil {
		zero := 0
		in.Priority = &zero
	}
	if in.Enabled == nil {
		t := true
		in.Enabled = &t
	}
	if in.Tags == nil {
		in.Tags = []string{}
	}
	if in.Conditions == nil {
		in.Conditions = []Condition{}
	}
}

// Validate collects structural issues in a RuleInput. It does not attempt to
// re-implement the external DSL validator (out of scope, §1); it checks a
// non-empty id and name, a well-formed trigger, at least one action, and
// the fields of every action and condition.
func (in RuleInput) Validate() []errors.Issue {
	var issues []errors.Issue

	if in.ID == "" {
		issues = append(issues, errors.Issue{Path: "id", Message: "must not be empty"})
	}
	if in.Name == "" {
		issues = append(issues, errors.Issue{Path: "name", Message: "must not be empty"})
	}

	issues = append(issues, validateTrigger(in.Trigger)...)

	if len(in.Actions) == 0 {
		issues = append(issues, errors.Issue{Path: "actions", Message: "must declare at least one action"})
	}
	for i, a := range in.Actions {
		issues = append(issues, validateAction(fmt.Sprintf("actions[%d]", i), a)...)
	}
	for i, c := range in.Conditions {
		issues = append(issues, validateCondition(fmt.Sprintf("conditions[%d]", i), c)...)
	}

	return issues
}

func validateTrigger(t Trigger) []errors.Issue {
	var issues []errors.Issue
	switch t.Kind {
	case TriggerEvent:
		if t.EventTopic == "" {
			issues = append(issues, errors.Issue{Path: "trigger.eventTopic", Message: "must not be empty"})
		}
	case TriggerFact:
		if t.FactPattern == "" {
			issues = append(issues, errors.Issue{Path: "trigger.factPattern", Message: "must not be empty"})
		}
	case TriggerTimer:
		if t.TimerName == "" {
			issues = append(issues, errors.Issue{Path: "trigger.timerName", Message: "must not be empty"})
		}
	case TriggerTemporal:
		if t.Temporal == nil {
			issues = append(issues, errors.Issue{Path: "trigger.temporal", Message: "must be present for a temporal trigger"})
		} else {
			issues = append(issues, validateTemporal(t.Temporal)...)
		}
	default:
		issues = append(issues, errors.Issue{Path: "trigger.kind", Message: fmt.Sprintf("unknown trigger kind %q", t.Kind)})
	}
	return issues
}

func validateTemporal(s *TemporalSpec) []errors.Issue {
	var issues []errors.Issue
	switch s.Kind {
	case TemporalSequence:
		if len(s.Sequence) < 2 {
			issues = append(issues, errors.Issue{Path: "trigger.temporal.sequence", Message: "requires at least 2 matchers"})
		}
		if s.Within == "" {
			issues = append(issues, errors.Issue{Path: "trigger.temporal.within", Message: "must not be empty"})
		}
	case TemporalAbsence:
		if s.After == nil || s.Expected == nil {
			issues = append(issues, errors.Issue{Path: "trigger.temporal", Message: "absence requires after and expected matchers"})
		}
		if s.Within == "" {
			issues = append(issues, errors.Issue{Path: "trigger.temporal.within", Message: "must not be empty"})
		}
	case TemporalCount:
		if s.Match == nil {
			issues = append(issues, errors.Issue{Path: "trigger.temporal.match", Message: "must not be empty"})
		}
		if s.Window == "" {
			issues = append(issues, errors.Issue{Path: "trigger.temporal.window", Message: "must not be empty"})
		}
	case TemporalAggregate:
		if s.Match == nil {
			issues = append(issues, errors.Issue{Path: "trigger.temporal.match", Message: "must not be empty"})
		}
		if s.Window == "" {
			issues = append(issues, errors.Issue{Path: "trigger.temporal.window", Message: "must not be empty"})
		}
		if s.Field == "" {
			issues = append(issues, errors.Issue{Path: "trigger.temporal.field", Message: "must not be empty"})
		}
	default:
		issues = append(issues, errors.Issue{Path: "trigger.temporal.kind", Message: fmt.Sprintf("unknown temporal kind %q", s.Kind)})
	}
	return issues
}

func validateAction(path string, a Action) []errors.Issue {
	var issues []errors.Issue
	switch a.Kind {
	case ActionSetFact:
		if a.Key == "" {
			issues = append(issues, errors.Issue{Path: path + ".key", Message: "must not be empty"})
		}
	case ActionDeleteFact:
		if a.Key == "" {
			issues = append(issues, errors.Issue{Path: path + ".key", Message: "must not be empty"})
		}
	case ActionEmitEvent:
		if a.Event == nil || a.Event.Topic == "" {
			issues = append(issues, errors.Issue{Path: path + ".event.topic", Message: "must not be empty"})
		}
	case ActionSetTimer:
		if a.Timer == nil || a.Timer.Name == "" || a.Timer.Duration == "" {
			issues = append(issues, errors.Issue{Path: path + ".timer", Message: "requires name and duration"})
		}
	case ActionCancelTimer:
		if a.TimerName == "" {
			issues = append(issues, errors.Issue{Path: path + ".timerName", Message: "must not be empty"})
		}
	case ActionCallService:
		if a.Service == "" || a.Method == "" {
			issues = append(issues, errors.Issue{Path: path, Message: "requires service and method"})
		}
	case ActionLog:
		if a.Message == "" {
			issues = append(issues, errors.Issue{Path: path + ".message", Message: "must not be empty"})
		}
	case ActionConditional:
		if a.Predicate == nil {
			issues = append(issues, errors.Issue{Path: path + ".predicate", Message: "must not be empty"})
		}
		for i, sub := range a.Then {
			issues = append(issues, validateAction(fmt.Sprintf("%s.then[%d]", path, i), sub)...)
		}
		for i, sub := range a.Else {
			issues = append(issues, validateAction(fmt.Sprintf("%s.else[%d]", path, i), sub)...)
		}
	default:
		issues = append(issues, errors.Issue{Path: path + ".kind", Message: fmt.Sprintf("unknown action kind %q", a.Kind)})
	}
	return issues
}

func validateCondition(path string, c Condition) []errors.Issue {
	var issues []errors.Issue
	if c.Source == "" {
		issues = append(issues, errors.Issue{Path: path + ".source", Message: "must not be empty"})
	}
	switch c.Operator {
	case OpEq, OpNeq, OpGT, OpGTE, OpLT, OpLTE, OpIn, OpNotIn, OpContains, OpMatches, OpExists:
	default:
		issues = append(issues, errors.Issue{Path: path + ".operator", Message: fmt.Sprintf("unknown operator %q", c.Operator)})
	}
	return issues
}
