// Package expression - evaluator implementation
package expression

import (
	"context"
	"fmt"

	"github.com/gridware/telecore/errors"
)

const floatTolerance = 1e-9

// Evaluator processes logical expressions against a resolver.
type Evaluator struct {
	operators map[string]OperatorFunc
}

// NewEvaluator creates an evaluator with all supported operators.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		operators: map[string]OperatorFunc{
			OpEqual:            func(v float64, c Condition) bool { return equal(v, c.Value) },
			OpNotEqual:         func(v float64, c Condition) bool { return !equal(v, c.Value) },
			OpLessThan:         func(v float64, c Condition) bool { return v < c.Value },
			OpLessThanEqual:    func(v float64, c Condition) bool { return v <= c.Value },
			OpGreaterThan:      func(v float64, c Condition) bool { return v > c.Value },
			OpGreaterThanEqual: func(v float64, c Condition) bool { return v >= c.Value },
			OpBetween:          func(v float64, c Condition) bool { return v >= c.Value && v <= c.High },
		},
	}
}

// Evaluate computes the boolean result of a logical expression. An empty
// condition list passes. Evaluation errors carry errors.ErrCondition.
func (e *Evaluator) Evaluate(ctx context.Context, resolver Resolver, expr Logical) (bool, error) {
	if len(expr.Conditions) == 0 {
		return true, nil
	}

	results := make([]bool, len(expr.Conditions))
	for i, condition := range expr.Conditions {
		result, err := e.evaluateCondition(ctx, resolver, condition)
		if err != nil {
			return false, fmt.Errorf("%w: %w", errors.ErrCondition, err)
		}
		results[i] = result
	}

	switch expr.Logic {
	case LogicOr, "":
		for _, result := range results {
			if result {
				return true, nil
			}
		}
		return false, nil

	case LogicAnd:
		for _, result := range results {
			if !result {
				return false, nil
			}
		}
		return true, nil

	default:
		return false, fmt.Errorf("%w: %w", errors.ErrCondition, &EvaluationError{
			Message: fmt.Sprintf("unsupported logic operator: %s", expr.Logic),
		})
	}
}

func (e *Evaluator) evaluateCondition(ctx context.Context, resolver Resolver, condition Condition) (bool, error) {
	value, exists, err := resolver.ResolveField(ctx, condition.Field)
	if err != nil {
		return false, &EvaluationError{
			Field:   condition.Field,
			Message: "failed to resolve operand",
			Err:     err,
		}
	}

	if !exists {
		if condition.Required {
			return false, &EvaluationError{
				Field:   condition.Field,
				Message: "required operand not found",
			}
		}
		// optional operand missing, condition fails
		return false, nil
	}

	opFunc, ok := e.operators[condition.Operator]
	if !ok {
		return false, &EvaluationError{
			Field:    condition.Field,
			Operator: condition.Operator,
			Message:  "unsupported operator",
		}
	}
	return opFunc(value, condition), nil
}

func equal(a, b float64) bool {
	diff := a - b
	return diff < floatTolerance && diff > -floatTolerance
}
