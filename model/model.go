// Package model maintains device-model definitions and their realtime
// views on the bus. A model names raw channel points (measurements and
// actions) and the store keeps a reverse index so raw point writes can
// be resolved back to the owning model.
package model

import (
	"encoding/json"
	"fmt"

	"github.com/gridware/telecore/errors"
	"github.com/gridware/telecore/point"
)

// Mapping binds a model point name to a raw channel point.
type Mapping struct {
	Channel int        `json:"channel"`
	Point   int        `json:"point"`
	Type    point.Type `json:"type"`
}

// Model is a device-model definition. Measurements map read-only point
// names (Telemetry/Signal), Actions map writable ones (Control/Adjustment).
type Model struct {
	ModelID      string             `json:"model_id"`
	Name         string             `json:"name"`
	Template     string             `json:"template,omitempty"`
	Properties   map[string]string  `json:"properties,omitempty"`
	Measurements map[string]Mapping `json:"measurements,omitempty"`
	Actions      map[string]Mapping `json:"actions,omitempty"`
}

// Validate checks the definition before it is saved.
func (m Model) Validate() error {
	if m.ModelID == "" {
		return fmt.Errorf("model id is required: %w", errors.ErrValidation)
	}
	for name, mapping := range m.Measurements {
		if err := mapping.validate(name); err != nil {
			return err
		}
		if mapping.Type.Writable() {
			return fmt.Errorf("measurement %q has writable type %s: %w", name, mapping.Type, errors.ErrValidation)
		}
	}
	for name, mapping := range m.Actions {
		if err := mapping.validate(name); err != nil {
			return err
		}
		if !mapping.Type.Writable() {
			return fmt.Errorf("action %q has read-only type %s: %w", name, mapping.Type, errors.ErrValidation)
		}
	}
	return nil
}

func (m Mapping) validate(name string) error {
	if name == "" {
		return fmt.Errorf("mapping point name is required: %w", errors.ErrValidation)
	}
	if m.Channel <= 0 || m.Point <= 0 {
		return fmt.Errorf("mapping %q: channel and point must be positive: %w", name, errors.ErrValidation)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("mapping %q: unknown point type %q: %w", name, m.Type, errors.ErrValidation)
	}
	return nil
}

// Encode serializes the model for the bus.
func (m Model) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", errors.WrapInvalid(err, "Model", "Encode", "marshal model")
	}
	return string(b), nil
}

// Decode parses a model definition read from the bus.
func Decode(raw string) (Model, error) {
	var m Model
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Model{}, errors.WrapInvalid(err, "Model", "Decode", "unmarshal model")
	}
	return m, nil
}

// ReverseEntry is the reverse index payload stored per raw point.
type ReverseEntry struct {
	ModelID   string `json:"model_id"`
	PointName string `json:"point_name"`
}

func (e ReverseEntry) encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", errors.WrapInvalid(err, "ReverseEntry", "encode", "marshal reverse entry")
	}
	return string(b), nil
}

func decodeReverseEntry(raw string) (ReverseEntry, error) {
	var e ReverseEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return ReverseEntry{}, errors.WrapInvalid(err, "ReverseEntry", "decodeReverseEntry", "unmarshal reverse entry")
	}
	return e, nil
}
