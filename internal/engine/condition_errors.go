package engine

import (
	"fmt"

	"github.com/kestrelflow/reactor/domain/rule"
)

func unknownOperatorErr(op rule.Operator) error {
	return fmt.Errorf("unknown condition operator %q", op)
}

func errComparisonUncomparable(left, right any) error {
	return fmt.Errorf("cannot order-compare %T and %T", left, right)
}

func errExpectedArray() error {
	return fmt.Errorf("expected an array operand")
}

func errExpectedString() error {
	return fmt.Errorf("expected a string operand")
}

func errUncontainable() error {
	return fmt.Errorf("operand does not support containment check")
}

func errUnknownActionKind(k rule.ActionKind) error {
	return fmt.Errorf("unknown action kind %q", k)
}

func errMissingField(name string) error {
	return fmt.Errorf("missing required field %q", name)
}

func errNoServiceHandler(service string) error {
	return fmt.Errorf("no service handler registered for %q", service)
}
