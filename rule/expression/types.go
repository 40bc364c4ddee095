// Package expression - numeric condition DSL for rule evaluation
package expression

import (
	"context"
	"fmt"
)

// Condition is a single field/operator/value comparison. Field names
// address bus operands: "<channel>:<type>:<point>" for raw points or
// "model:<model_id>:<point_name>" for realtime view fields.
type Condition struct {
	Field    string  `json:"field"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
	High     float64 `json:"high,omitempty"` // upper bound for between
	Required bool    `json:"required"`       // missing operand fails evaluation when set
}

// Logical combines conditions with a logic operator.
type Logical struct {
	Conditions []Condition `json:"conditions"`
	Logic      string      `json:"logic"` // "and", "or"
}

// Resolver fetches an operand's current value. exists is false when the
// operand is absent from the bus.
type Resolver interface {
	ResolveField(ctx context.Context, field string) (value float64, exists bool, err error)
}

// OperatorFunc implements one comparison operator.
type OperatorFunc func(fieldValue float64, cond Condition) bool

// EvaluationError reports a condition that could not be evaluated.
type EvaluationError struct {
	Field    string
	Operator string
	Message  string
	Err      error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s: %v",
			e.Field, e.Operator, e.Message, e.Err)
	}
	return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s",
		e.Field, e.Operator, e.Message)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Supported operators
const (
	OpEqual            = "eq"
	OpNotEqual         = "ne"
	OpLessThan         = "lt"
	OpLessThanEqual    = "lte"
	OpGreaterThan      = "gt"
	OpGreaterThanEqual = "gte"
	OpBetween          = "between"
)

// Logic operators
const (
	LogicAnd = "and"
	LogicOr  = "or"
)
