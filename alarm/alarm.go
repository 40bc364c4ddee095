// Package alarm manages the alarm lifecycle: raise with per-source
// deduplication, operator acknowledgement, and clearing on recovery.
// Every index mutation happens atomically with the record write so a
// reader never sees an alarm present in one index and absent from another.
package alarm

import (
	"encoding/json"
	"fmt"

	"github.com/gridware/telecore/errors"
)

// Level grades alarm severity.
type Level string

// Alarm severity levels
const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical:
		return true
	}
	return false
}

// Status is the alarm lifecycle state.
type Status string

// Alarm lifecycle states
const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusCleared      Status = "cleared"
)

// Alarm is one alarm record.
type Alarm struct {
	AlarmID        string  `json:"alarm_id"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	Level          Level   `json:"level"`
	Status         Status  `json:"status"`
	Source         string  `json:"source"`
	ChannelID      int     `json:"channel_id,omitempty"`
	PointID        int     `json:"point_id,omitempty"`
	Value          float64 `json:"value,omitempty"`
	Timestamp      int64   `json:"timestamp"` // Unix seconds
	AcknowledgedBy string  `json:"acknowledged_by,omitempty"`
	AcknowledgedAt int64   `json:"acknowledged_at,omitempty"`
}

// Validate checks a candidate before it is raised.
func (a Alarm) Validate() error {
	if a.Source == "" {
		return fmt.Errorf("alarm source is required: %w", errors.ErrValidation)
	}
	if !a.Level.Valid() {
		return fmt.Errorf("unknown alarm level %q: %w", a.Level, errors.ErrValidation)
	}
	return nil
}

func (a Alarm) encode() (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", errors.WrapInvalid(err, "Alarm", "encode", "marshal alarm")
	}
	return string(b), nil
}

func decode(raw string) (Alarm, error) {
	var a Alarm
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Alarm{}, errors.WrapInvalid(err, "Alarm", "decode", "unmarshal alarm")
	}
	return a, nil
}

// Event is published to in-process subscribers when an alarm is raised,
// refreshed or cleared.
type Event struct {
	Alarm     Alarm
	Triggered bool // false on clear
}
