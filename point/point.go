// Package point defines the raw data model shared across the platform:
// point types, the bus value encoding, and the control command codec.
// It knows nothing about where values are stored.
package point

import (
	"fmt"
	"math"
	"strconv"

	"github.com/gridware/telecore/errors"
)

// Type classifies a point by its direction and semantics.
type Type string

// Point types as they appear in bus key names.
const (
	Telemetry  Type = "T" // analog input, read from device
	Signal     Type = "S" // digital input, read from device
	Control    Type = "C" // digital output, written to device
	Adjustment Type = "A" // analog output, written to device
)

// Valid reports whether t is one of the four known point types.
func (t Type) Valid() bool {
	switch t {
	case Telemetry, Signal, Control, Adjustment:
		return true
	}
	return false
}

// Writable reports whether the type flows toward the device.
func (t Type) Writable() bool {
	return t == Control || t == Adjustment
}

// ParseType validates a point type string.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown point type %q: %w", s, errors.ErrValidation)
	}
	return t, nil
}

// EncodeValue renders a point value in the bus wire encoding: a decimal
// string with six fractional digits. Non-finite values are rejected.
func EncodeValue(v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", fmt.Errorf("non-finite value %v: %w", v, errors.ErrTransform)
	}
	return strconv.FormatFloat(v, 'f', 6, 64), nil
}

// DecodeValue parses a bus-encoded point value.
func DecodeValue(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed value %q: %w", s, errors.ErrValidation)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q: %w", s, errors.ErrTransform)
	}
	return v, nil
}
