// Package compose groups CandidateFacts into draft Rules: LLM
// composition, Applies-When DSL validation, authority derivation, and
// source-conflict detection.
package compose

import (
	"errors"
	"fmt"
)

// MaxDSLDepth bounds Applies-When recursion.
const MaxDSLDepth = 16

// TrivialAccept is the fallback expression for rules that apply
// unconditionally and for invalid LLM-produced expressions.
func TrivialAccept() map[string]any { return map[string]any{"op": "true"} }

var ErrInvalidDSL = errors.New("compose: invalid applies_when expression")

// dslOperators maps each operator to its argument shape.
type dslShape int

const (
	shapeNullary    dslShape = iota // true, false
	shapeUnary                      // not: "arg"
	shapeVariadic                   // and, or: "args" with >= 1 items
	shapeComparison                 // eq..lte: "field" + "value"
	shapeIn                         // in: "field" + "values" array
	shapeBetween                    // between: "field" + "min" + "max"
)

var dslOperators = map[string]dslShape{
	"true":    shapeNullary,
	"false":   shapeNullary,
	"not":     shapeUnary,
	"and":     shapeVariadic,
	"or":      shapeVariadic,
	"eq":      shapeComparison,
	"neq":     shapeComparison,
	"gt":      shapeComparison,
	"gte":     shapeComparison,
	"lt":      shapeComparison,
	"lte":     shapeComparison,
	"in":      shapeIn,
	"between": shapeBetween,
}

// ValidateDSL checks an Applies-When expression: exactly one op per
// object, operator-specific arity, string field references, and bounded
// depth. The field vocabulary itself is open; only its type is checked.
func ValidateDSL(expr map[string]any) error {
	return validateNode(expr, 1)
}

func validateNode(expr map[string]any, depth int) error {
	if depth > MaxDSLDepth {
		return fmt.Errorf("%w: depth exceeds %d", ErrInvalidDSL, MaxDSLDepth)
	}
	rawOp, ok := expr["op"]
	if !ok {
		return fmt.Errorf("%w: missing op", ErrInvalidDSL)
	}
	op, ok := rawOp.(string)
	if !ok {
		return fmt.Errorf("%w: op must be a string", ErrInvalidDSL)
	}
	shape, ok := dslOperators[op]
	if !ok {
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidDSL, op)
	}

	switch shape {
	case shapeNullary:
		if len(expr) != 1 {
			return fmt.Errorf("%w: %q takes no arguments", ErrInvalidDSL, op)
		}
	case shapeUnary:
		child, ok := expr["arg"].(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %q requires an expression arg", ErrInvalidDSL, op)
		}
		return validateNode(child, depth+1)
	case shapeVariadic:
		args, ok := expr["args"].([]any)
		if !ok || len(args) == 0 {
			return fmt.Errorf("%w: %q requires a non-empty args array", ErrInvalidDSL, op)
		}
		for _, raw := range args {
			child, ok := raw.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: %q args must be expressions", ErrInvalidDSL, op)
			}
			if err := validateNode(child, depth+1); err != nil {
				return err
			}
		}
	case shapeComparison:
		if err := requireField(expr, op); err != nil {
			return err
		}
		if _, ok := expr["value"]; !ok {
			return fmt.Errorf("%w: %q requires a value", ErrInvalidDSL, op)
		}
	case shapeIn:
		if err := requireField(expr, op); err != nil {
			return err
		}
		values, ok := expr["values"].([]any)
		if !ok || len(values) == 0 {
			return fmt.Errorf("%w: %q requires a non-empty values array", ErrInvalidDSL, op)
		}
	case shapeBetween:
		if err := requireField(expr, op); err != nil {
			return err
		}
		if _, ok := expr["min"]; !ok {
			return fmt.Errorf("%w: %q requires min", ErrInvalidDSL, op)
		}
		if _, ok := expr["max"]; !ok {
			return fmt.Errorf("%w: %q requires max", ErrInvalidDSL, op)
		}
	}
	return nil
}

func requireField(expr map[string]any, op string) error {
	field, ok := expr["field"].(string)
	if !ok || field == "" {
		return fmt.Errorf("%w: %q requires a string field", ErrInvalidDSL, op)
	}
	return nil
}
