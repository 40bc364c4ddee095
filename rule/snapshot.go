package rule

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gridware/telecore/bus"
	"github.com/gridware/telecore/errors"
	"github.com/gridware/telecore/point"
)

// Snapshot resolves condition operands from the bus. Two field syntaxes
// are understood:
//
//	<channel>:<type>:<point>   raw point map field, e.g. "1001:T:1"
//	model:<model_id>:<name>    realtime view field, e.g. "model:pump-01:temperature"
type Snapshot struct {
	ks     bus.Keyspace
	source string
}

// NewSnapshot creates a resolver reading raw points under the given
// source prefix.
func NewSnapshot(ks bus.Keyspace, source string) *Snapshot {
	return &Snapshot{ks: ks, source: source}
}

// ResolveField implements expression.Resolver.
func (s *Snapshot) ResolveField(ctx context.Context, field string) (float64, bool, error) {
	parts := strings.Split(field, ":")
	if len(parts) != 3 {
		return 0, false, fmt.Errorf("malformed operand %q: %w", field, errors.ErrValidation)
	}

	if parts[0] == "model" {
		return s.resolveModel(ctx, parts[1], parts[2])
	}
	return s.resolveRaw(ctx, parts)
}

func (s *Snapshot) resolveRaw(ctx context.Context, parts []string) (float64, bool, error) {
	channelID, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false, fmt.Errorf("malformed channel in operand %q: %w", strings.Join(parts, ":"), errors.ErrValidation)
	}
	typ, err := point.ParseType(parts[1])
	if err != nil {
		return 0, false, err
	}

	raw, err := s.ks.HGet(ctx, bus.PointKey(s.source, channelID, string(typ)), parts[2])
	if err != nil {
		if errors.IsNotFound(err) {
			return 0, false, nil
		}
		return 0, false, errors.WrapTransient(err, "Snapshot", "ResolveField", "read raw point")
	}

	v, err := point.DecodeValue(raw)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// operandPoint extracts channel and point ids from a raw operand field,
// for alarm context. Model operands yield zeros.
func operandPoint(field string) (channelID, pointID int) {
	parts := strings.Split(field, ":")
	if len(parts) != 3 || parts[0] == "model" {
		return 0, 0
	}
	ch, err1 := strconv.Atoi(parts[0])
	pt, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return ch, pt
}

// resolveModel reads a view field, preferring the measurement namespace
// and falling back to actions.
func (s *Snapshot) resolveModel(ctx context.Context, modelID, name string) (float64, bool, error) {
	for _, key := range []string{bus.MeasurementKey(modelID), bus.ActionKey(modelID)} {
		raw, err := s.ks.HGet(ctx, key, name)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return 0, false, errors.WrapTransient(err, "Snapshot", "ResolveField", "read view field")
		}
		v, err := point.DecodeValue(raw)
		if err != nil {
			return 0, false, err
		}
		return v, true, nil
	}
	return 0, false, nil
}
