package bus

import (
	"fmt"
	"strconv"
	"strings"
)

// Keyspace naming. Every shared entity lives under a service-prefixed
// composite key; the exact layout is part of the wire contract with the
// protocol adapters and must not change.
const (
	// SourceInst is the default raw data source written by protocol adapters.
	SourceInst = "inst"
	// SourceComsrv is the communication service source (raw channel values).
	SourceComsrv = "comsrv"
)

// PointKey returns the per-channel-per-type point map key, e.g. "comsrv:1001:T".
func PointKey(source string, channelID int, dataType string) string {
	return fmt.Sprintf("%s:%d:%s", source, channelID, dataType)
}

// TriggerKey returns the command queue key for a channel/type, e.g.
// "inst:trigger:1001:C".
func TriggerKey(source string, channelID int, dataType string) string {
	return fmt.Sprintf("%s:trigger:%d:%s", source, channelID, dataType)
}

// ResultKey returns the command completion record key for a command id.
func ResultKey(source, commandID string) string {
	return fmt.Sprintf("%s:result:%s", source, commandID)
}

// ModelKey returns the model definition key, e.g. "modsrv:model:pump-01".
func ModelKey(modelID string) string {
	return "modsrv:model:" + modelID
}

// MeasurementKey returns the model measurement view key.
func MeasurementKey(modelID string) string {
	return "modsrv:model:" + modelID + ":measurement"
}

// ActionKey returns the model action view key.
func ActionKey(modelID string) string {
	return "modsrv:model:" + modelID + ":action"
}

// ReverseKey returns the measurement reverse index key for a raw point.
func ReverseKey(channelID, pointID int) string {
	return fmt.Sprintf("modsrv:reverse:%d:%d", channelID, pointID)
}

// ReverseActionKey returns the action reverse index key for a raw point.
func ReverseActionKey(channelID, pointID int) string {
	return fmt.Sprintf("modsrv:reverse:action:%d:%d", channelID, pointID)
}

// ModelsByTemplateKey returns the set key listing models for a template.
func ModelsByTemplateKey(template string) string {
	return "modsrv:models:by_template:" + template
}

// RuleKey returns the rule definition key, e.g. "rulesrv:rule:overtemp".
func RuleKey(ruleID string) string {
	return "rulesrv:rule:" + ruleID
}

// RuleStateKey returns the persisted evaluation state key for a rule.
func RuleStateKey(ruleID string) string {
	return "rulesrv:state:" + ruleID
}

// SyncRuleKey returns the sync rule definition key.
func SyncRuleKey(ruleID string) string {
	return "syncsrv:rule:" + ruleID
}

// SyncStatsKey returns the per-rule sync statistics key.
func SyncStatsKey(ruleID string) string {
	return "syncsrv:stats:" + ruleID
}

// SyncReverseKey returns the reverse mapping registry key for a target key.
func SyncReverseKey(targetKey string) string {
	return "syncsrv:reverse:" + targetKey
}

// AlarmKey returns the alarm record key.
func AlarmKey(alarmID string) string {
	return "alarmsrv:" + alarmID
}

// AlarmStatusKey returns the by-status alarm index key.
func AlarmStatusKey(status string) string {
	return "alarmsrv:status:" + status
}

// AlarmLevelKey returns the by-level alarm index key.
func AlarmLevelKey(level string) string {
	return "alarmsrv:level:" + level
}

// AlarmSourceKey returns the by-source alarm index key.
func AlarmSourceKey(source string) string {
	return "alarmsrv:source:" + source
}

// AlarmIndexKey is the global alarm index holding all alarm ids ever raised.
const AlarmIndexKey = "alarmsrv:index"

// AlarmActiveKey returns the key mapping a source to its single Active
// alarm id, used for O(1) dedup on Raise.
func AlarmActiveKey(source string) string {
	return "alarmsrv:active:" + source
}

// ParsePointKey splits "<source>:<channel>:<type>" back into its parts.
// Returns ok=false for keys that do not match the point map layout.
func ParsePointKey(key string) (source string, channelID int, dataType string, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return "", 0, "", false
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], id, parts[2], true
}
