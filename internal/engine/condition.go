package engine

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/kestrelflow/reactor/domain/rule"
)

// EvaluateConditions ANDs every condition in conds against b, short-circuiting
// on the first failure (§4.5). Any per-condition evaluation error is treated
// as a failed match and reported via onError (used to record a trace
// condition_error without aborting the rest of dispatch).
func EvaluateConditions(conds []rule.Condition, b bindings, onError func(rule.Condition, error)) bool {
	for _, c := range conds {
		ok, err := evaluateCondition(c, b)
		if err != nil {
			if onError != nil {
				onError(c, err)
			}
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func evaluateCondition(c rule.Condition, b bindings) (bool, error) {
	if c.Operator == rule.OpExists {
		return b.Exists(c.Source), nil
	}

	res := b.Resolve(c.Source)
	left := res.value
	right := b.ResolveValue(c.Value)

	switch c.Operator {
	case rule.OpEq:
		return deepEqual(left, right), nil
	case rule.OpNeq:
		return !deepEqual(left, right), nil
	case rule.OpGT, rule.OpGTE, rule.OpLT, rule.OpLTE:
		return compareOrdered(c.Operator, left, right)
	case rule.OpIn:
		return memberOf(left, right)
	case rule.OpNotIn:
		ok, err := memberOf(left, right)
		return !ok, err
	case rule.OpContains:
		return containsValue(left, right)
	case rule.OpMatches:
		return matchesRegex(left, right)
	default:
		return false, unknownOperatorErr(c.Operator)
	}
}

func deepEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func compareOrdered(op rule.Operator, left, right any) (bool, error) {
	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			return applyComparison(op, compareFloats(lf, rf)), nil
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if !lok || !rok {
		return false, errComparisonUncomparable(left, right)
	}
	return applyComparison(op, compareStrings(ls, rs)), nil
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func applyComparison(op rule.Operator, cmp int) bool {
	switch op {
	case rule.OpGT:
		return cmp > 0
	case rule.OpGTE:
		return cmp >= 0
	case rule.OpLT:
		return cmp < 0
	case rule.OpLTE:
		return cmp <= 0
	case rule.OpEq:
		return cmp == 0
	default:
		return false
	}
}

func memberOf(needle, haystack any) (bool, error) {
	arr, ok := haystack.([]any)
	if !ok {
		return false, errExpectedArray()
	}
	for _, v := range arr {
		if deepEqual(needle, v) {
			return true, nil
		}
	}
	return false, nil
}

func containsValue(container, needle any) (bool, error) {
	switch c := container.(type) {
	case []any:
		for _, v := range c {
			if deepEqual(v, needle) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, errExpectedString()
		}
		return stringContains(c, s), nil
	default:
		return false, errUncontainable()
	}
}

func stringContains(s, substr string) bool {
	return strings.Contains(s, substr)
}

func matchesRegex(left, right any) (bool, error) {
	s, ok := left.(string)
	if !ok {
		return false, errExpectedString()
	}
	pattern, ok := right.(string)
	if !ok {
		return false, errExpectedString()
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}
