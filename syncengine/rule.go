// Package syncengine keeps raw channel point maps and model realtime
// views consistent. Sync rules declare which source fields flow to which
// target fields with a linear transform; reverse-enabled rules also
// mirror target writes back down to the source and the command path.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/gridware/telecore/bus"
	"github.com/gridware/telecore/errors"
	"github.com/gridware/telecore/point"
)

// Transform is the linear value transform applied on the forward path.
// The reverse path applies its inverse. A zero Scale means unset and is
// treated as 1, so every loadable transform is invertible.
type Transform struct {
	Scale  float64 `json:"scale"`
	Offset float64 `json:"offset"`
}

// Apply computes the forward transform value*scale + offset.
func (t Transform) Apply(v float64) float64 {
	scale := t.Scale
	if scale == 0 {
		scale = 1
	}
	return v*scale + t.Offset
}

// Invert computes the reverse transform (v - offset) / scale.
func (t Transform) Invert(v float64) float64 {
	scale := t.Scale
	if scale == 0 {
		scale = 1
	}
	return (v - t.Offset) / scale
}

// Rule declares one source-to-target field flow.
type Rule struct {
	RuleID         string            `json:"rule_id"`
	SourcePattern  string            `json:"source_pattern"` // bus key of the source map
	SourceKind     point.Type        `json:"source_kind"`
	TargetPattern  string            `json:"target_pattern"` // bus key of the target map
	TargetKind     point.Type        `json:"target_kind"`
	FieldMapping   map[string]string `json:"field_mapping"` // source field -> target field
	Transform      Transform         `json:"transform"`
	ReverseEnabled bool              `json:"reverse_enabled"`
	Enabled        bool              `json:"enabled"`
}

// Validate checks a rule at load time so the engine never runs a rule
// it cannot safely invert.
func (r Rule) Validate() error {
	if r.RuleID == "" {
		return fmt.Errorf("sync rule id is required: %w", errors.ErrValidation)
	}
	if r.SourcePattern == "" || r.TargetPattern == "" {
		return fmt.Errorf("sync rule %q: source and target patterns are required: %w", r.RuleID, errors.ErrValidation)
	}
	if len(r.FieldMapping) == 0 {
		return fmt.Errorf("sync rule %q: field mapping is empty: %w", r.RuleID, errors.ErrValidation)
	}
	if !r.SourceKind.Valid() || !r.TargetKind.Valid() {
		return fmt.Errorf("sync rule %q: unknown point kind: %w", r.RuleID, errors.ErrValidation)
	}
	if math.IsNaN(r.Transform.Scale) || math.IsInf(r.Transform.Scale, 0) ||
		math.IsNaN(r.Transform.Offset) || math.IsInf(r.Transform.Offset, 0) {
		return fmt.Errorf("sync rule %q: non-finite transform: %w", r.RuleID, errors.ErrValidation)
	}
	return nil
}

// Stats tracks per-rule sync outcomes, persisted across restarts.
type Stats struct {
	SyncCount  int64  `json:"sync_count"`
	ErrorCount int64  `json:"error_count"`
	LastSync   int64  `json:"last_sync,omitempty"` // Unix seconds
	LastError  string `json:"last_error,omitempty"`
}

// reverseRef is the registry payload letting a target write find its way
// back to the source field that produced it.
type reverseRef struct {
	RuleID      string `json:"rule_id"`
	SourceKey   string `json:"source_key"`
	SourceField string `json:"source_field"`
}

// SaveRule validates and persists a sync rule definition.
func SaveRule(ctx context.Context, ks bus.Keyspace, r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return errors.WrapInvalid(err, "Rule", "SaveRule", "marshal sync rule")
	}
	if err := ks.Set(ctx, bus.SyncRuleKey(r.RuleID), string(b), 0); err != nil {
		return errors.WrapTransient(err, "Rule", "SaveRule", "write sync rule")
	}
	return nil
}

// LoadRule reads a sync rule definition. Unknown ids return ErrNotFound.
func LoadRule(ctx context.Context, ks bus.Keyspace, ruleID string) (Rule, error) {
	raw, err := ks.Get(ctx, bus.SyncRuleKey(ruleID))
	if err != nil {
		if errors.IsNotFound(err) {
			return Rule{}, fmt.Errorf("sync rule %q: %w", ruleID, errors.ErrNotFound)
		}
		return Rule{}, errors.WrapTransient(err, "Rule", "LoadRule", "read sync rule")
	}
	var r Rule
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Rule{}, errors.WrapInvalid(err, "Rule", "LoadRule", "unmarshal sync rule")
	}
	return r, nil
}

// LoadStats reads a rule's persisted statistics; a missing key yields
// zero stats.
func LoadStats(ctx context.Context, ks bus.Keyspace, ruleID string) (Stats, error) {
	raw, err := ks.Get(ctx, bus.SyncStatsKey(ruleID))
	if err != nil {
		if errors.IsNotFound(err) {
			return Stats{}, nil
		}
		return Stats{}, errors.WrapTransient(err, "Rule", "LoadStats", "read sync stats")
	}
	var s Stats
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Stats{}, errors.WrapInvalid(err, "Rule", "LoadStats", "unmarshal sync stats")
	}
	return s, nil
}
