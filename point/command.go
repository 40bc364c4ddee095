package point

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gridware/telecore/errors"
)

// DefaultCommandTTL bounds how long a queued command stays executable.
const DefaultCommandTTL = 30 * time.Second

// Command is a queued request to write a Control or Adjustment point.
// Source and CommandID are optional; both are required for client-visible
// acknowledgement correlation.
type Command struct {
	PointID   int     `json:"point_id"`
	Value     float64 `json:"value"`
	Source    string  `json:"source,omitempty"`
	CommandID string  `json:"command_id,omitempty"`
	IssuedAt  int64   `json:"timestamp,omitempty"` // Unix seconds
	TTL       int64   `json:"ttl,omitempty"`       // seconds, 0 = DefaultCommandTTL
}

// NewCommandID returns a command identifier with millisecond precision
// for uniqueness across rapid submissions.
func NewCommandID() string {
	return fmt.Sprintf("cmd-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Expired reports whether the command's execution window has elapsed.
func (c Command) Expired(now time.Time) bool {
	if c.IssuedAt == 0 {
		return false
	}
	ttl := time.Duration(c.TTL) * time.Second
	if ttl <= 0 {
		ttl = DefaultCommandTTL
	}
	return now.Sub(time.Unix(c.IssuedAt, 0)) >= ttl
}

// Deadline returns the first instant at which the command must be
// dropped; a command popped at or after its deadline never executes.
func (c Command) Deadline() time.Time {
	ttl := time.Duration(c.TTL) * time.Second
	if ttl <= 0 {
		ttl = DefaultCommandTTL
	}
	return time.Unix(c.IssuedAt, 0).Add(ttl)
}

// Encode serializes the command for the trigger queue.
func (c Command) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", errors.WrapInvalid(err, "Command", "Encode", "marshal command")
	}
	return string(b), nil
}

// DecodeCommand parses a trigger queue item.
func DecodeCommand(raw string) (Command, error) {
	var c Command
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Command{}, errors.WrapInvalid(err, "Command", "DecodeCommand", "unmarshal command")
	}
	return c, nil
}

// Completion statuses reported by the dispatcher.
const (
	CompletionSuccess = "success"
	CompletionFailed  = "failed"
	CompletionTimeout = "timeout"
)

// Completion is the execution outcome record for a command that carried
// a command id. It is written to the bus with a short TTL and consumed
// by the subscription broker for control acknowledgements.
type Completion struct {
	CommandID   string  `json:"command_id"`
	Status      string  `json:"status"`
	Success     bool    `json:"success"`
	ActualValue float64 `json:"actual_value,omitempty"`
	Error       string  `json:"error,omitempty"`
	CompletedAt int64   `json:"completed_at"` // Unix seconds
}

// Encode serializes the completion record for the bus.
func (r Completion) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", errors.WrapInvalid(err, "Completion", "Encode", "marshal completion")
	}
	return string(b), nil
}

// DecodeCompletion parses a completion record read from the bus.
func DecodeCompletion(raw string) (Completion, error) {
	var r Completion
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Completion{}, errors.WrapInvalid(err, "Completion", "DecodeCompletion", "unmarshal completion")
	}
	return r, nil
}
