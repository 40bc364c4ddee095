// Package broker serves the live-connection protocol: clients subscribe
// to channel/type sets with their own delivery interval, receive
// coalesced change batches and alarm pushes, and submit control requests
// that travel the command path.
package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/gridware/telecore/errors"
)

// Message types, client to server
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeControl     = "control"
	TypePing        = "ping"
)

// Message types, server to client
const (
	TypeConnectionEstablished = "connection_established"
	TypeDataBatch             = "data_batch"
	TypeDataUpdate            = "data_update"
	TypeAlarm                 = "alarm"
	TypeSubscribeAck          = "subscribe_ack"
	TypeControlAck            = "control_ack"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// Envelope wraps every protocol message.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope around a payload.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.WrapInvalid(err, "Envelope", "NewEnvelope", "marshal payload")
	}
	return Envelope{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}, nil
}

// SubscribeRequest is the subscribe payload.
type SubscribeRequest struct {
	ClientID   string   `json:"client_id,omitempty"`
	Channels   []int    `json:"channels"`
	DataTypes  []string `json:"data_types"`
	IntervalMS int      `json:"interval_ms"`
}

// UnsubscribeRequest removes channels from the subscription.
type UnsubscribeRequest struct {
	Channels []int `json:"channels"`
}

// ControlRequest asks for a point write.
type ControlRequest struct {
	ChannelID   int     `json:"channel_id"`
	PointID     int     `json:"point_id"`
	CommandType string  `json:"command_type"` // "C" or "A"
	Value       float64 `json:"value"`
	Operator    string  `json:"operator,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// ConnectionEstablished is pushed once after upgrade.
type ConnectionEstablished struct {
	ClientID   string `json:"client_id"`
	ServerTime int64  `json:"server_time"` // Unix milliseconds
}

// ChannelUpdate carries the changed fields of one channel/type map.
type ChannelUpdate struct {
	ChannelID int                `json:"channel_id"`
	DataType  string             `json:"data_type"`
	Values    map[string]float64 `json:"values"` // point_id -> value
}

// DataBatch is the periodic coalesced push.
type DataBatch struct {
	Updates []ChannelUpdate `json:"updates"`
}

// AlarmNotice is an alarm push. Status is 1 when triggered, 0 on recovery.
type AlarmNotice struct {
	AlarmID   string  `json:"alarm_id"`
	ChannelID int     `json:"channel_id"`
	PointID   int     `json:"point_id"`
	Status    int     `json:"status"`
	Level     string  `json:"level"`
	Value     float64 `json:"value"`
	Message   string  `json:"message"`
}

// SubscribeAck reports which channels were accepted.
type SubscribeAck struct {
	RequestID  string `json:"request_id"`
	Subscribed []int  `json:"subscribed"`
	Failed     []int  `json:"failed"`
	Total      int    `json:"total"`
}

// ControlAck reports a command outcome.
type ControlAck struct {
	RequestID string  `json:"request_id"`
	CommandID string  `json:"command_id"`
	Status    string  `json:"status"` // success, failed, timeout
	Result    float64 `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// ErrorNotice reports a request the broker could not serve.
type ErrorNotice struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Pong answers a ping.
type Pong struct {
	ServerTime int64 `json:"server_time"` // Unix milliseconds
	Latency    int64 `json:"latency"`     // milliseconds, from the ping's timestamp
}
