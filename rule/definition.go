// Package rule evaluates alarm and control rules against live bus
// values. Rules fire on a false-to-true condition transition, bounded
// by a per-rule cooldown window so flapping conditions cannot storm.
package rule

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gridware/telecore/alarm"
	"github.com/gridware/telecore/bus"
	"github.com/gridware/telecore/errors"
	"github.com/gridware/telecore/point"
	"github.com/gridware/telecore/rule/expression"
)

// Action kinds
const (
	ActionAlarm   = "alarm"
	ActionCommand = "command"
)

// Action is one consequence of a rule firing. Actions marked OnRecover
// fire when the condition recovers instead of when it triggers.
type Action struct {
	Type      string `json:"type"`
	OnRecover bool   `json:"on_recover,omitempty"`

	// alarm actions
	Level   alarm.Level `json:"level,omitempty"`
	Title   string      `json:"title,omitempty"`
	Message string      `json:"message,omitempty"`

	// command actions
	ChannelID int        `json:"channel_id,omitempty"`
	PointID   int        `json:"point_id,omitempty"`
	PointType point.Type `json:"point_type,omitempty"`
	Value     float64    `json:"value,omitempty"`
}

// Definition is a stored rule.
type Definition struct {
	RuleID    string             `json:"rule_id"`
	Name      string             `json:"name,omitempty"`
	Condition expression.Logical `json:"condition"`
	Actions   []Action           `json:"actions"`
	Cooldown  int64              `json:"cooldown_seconds"`
	Enabled   bool               `json:"enabled"`
}

// Source returns the alarm source identity owned by this rule.
func (d Definition) Source() string {
	return "rule:" + d.RuleID
}

// Validate checks the definition before it is saved.
func (d Definition) Validate() error {
	if d.RuleID == "" {
		return fmt.Errorf("rule id is required: %w", errors.ErrValidation)
	}
	if d.Cooldown < 0 {
		return fmt.Errorf("rule %q: negative cooldown: %w", d.RuleID, errors.ErrValidation)
	}
	for i, action := range d.Actions {
		switch action.Type {
		case ActionAlarm:
			if !action.Level.Valid() {
				return fmt.Errorf("rule %q action %d: unknown alarm level %q: %w",
					d.RuleID, i, action.Level, errors.ErrValidation)
			}
		case ActionCommand:
			if action.ChannelID <= 0 || action.PointID <= 0 {
				return fmt.Errorf("rule %q action %d: channel and point must be positive: %w",
					d.RuleID, i, errors.ErrValidation)
			}
			if !action.PointType.Writable() {
				return fmt.Errorf("rule %q action %d: command point type %q is not writable: %w",
					d.RuleID, i, action.PointType, errors.ErrValidation)
			}
		default:
			return fmt.Errorf("rule %q action %d: unknown action type %q: %w",
				d.RuleID, i, action.Type, errors.ErrValidation)
		}
	}
	return nil
}

// State is the persisted evaluation state. Keeping it on the bus lets a
// restarted evaluator resume its cooldown discipline instead of
// re-firing everything.
type State struct {
	ConditionMet  bool    `json:"condition_met"`
	LastValue     float64 `json:"last_value,omitempty"`
	LastTriggered int64   `json:"last_triggered,omitempty"` // Unix seconds
	TriggerCount  int64   `json:"trigger_count"`
	ErrorCount    int64   `json:"error_count,omitempty"`
	LastError     string  `json:"last_error,omitempty"`
}

// SaveDefinition validates and persists a rule.
func SaveDefinition(ctx context.Context, ks bus.Keyspace, d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(d)
	if err != nil {
		return errors.WrapInvalid(err, "Definition", "SaveDefinition", "marshal rule")
	}
	if err := ks.Set(ctx, bus.RuleKey(d.RuleID), string(b), 0); err != nil {
		return errors.WrapTransient(err, "Definition", "SaveDefinition", "write rule")
	}
	return nil
}

// LoadDefinition reads a rule. Unknown ids return ErrNotFound.
func LoadDefinition(ctx context.Context, ks bus.Keyspace, ruleID string) (Definition, error) {
	raw, err := ks.Get(ctx, bus.RuleKey(ruleID))
	if err != nil {
		if errors.IsNotFound(err) {
			return Definition{}, fmt.Errorf("rule %q: %w", ruleID, errors.ErrNotFound)
		}
		return Definition{}, errors.WrapTransient(err, "Definition", "LoadDefinition", "read rule")
	}
	var d Definition
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Definition{}, errors.WrapInvalid(err, "Definition", "LoadDefinition", "unmarshal rule")
	}
	return d, nil
}

// LoadState reads a rule's persisted state; a missing key yields the
// zero state.
func LoadState(ctx context.Context, ks bus.Keyspace, ruleID string) (State, error) {
	raw, err := ks.Get(ctx, bus.RuleStateKey(ruleID))
	if err != nil {
		if errors.IsNotFound(err) {
			return State{}, nil
		}
		return State{}, errors.WrapTransient(err, "Definition", "LoadState", "read rule state")
	}
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return State{}, errors.WrapInvalid(err, "Definition", "LoadState", "unmarshal rule state")
	}
	return s, nil
}

// SaveState persists a rule's evaluation state.
func SaveState(ctx context.Context, ks bus.Keyspace, ruleID string, s State) error {
	b, err := json.Marshal(s)
	if err != nil {
		return errors.WrapInvalid(err, "Definition", "SaveState", "marshal rule state")
	}
	if err := ks.Set(ctx, bus.RuleStateKey(ruleID), string(b), 0); err != nil {
		return errors.WrapTransient(err, "Definition", "SaveState", "write rule state")
	}
	return nil
}
