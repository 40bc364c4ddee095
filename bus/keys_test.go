package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "comsrv:1001:T", PointKey(SourceComsrv, 1001, "T"))
	assert.Equal(t, "inst:trigger:1001:C", TriggerKey(SourceInst, 1001, "C"))
	assert.Equal(t, "inst:result:cmd-42", ResultKey(SourceInst, "cmd-42"))
	assert.Equal(t, "modsrv:model:pump-01", ModelKey("pump-01"))
	assert.Equal(t, "modsrv:model:pump-01:measurement", MeasurementKey("pump-01"))
	assert.Equal(t, "modsrv:model:pump-01:action", ActionKey("pump-01"))
	assert.Equal(t, "modsrv:reverse:1001:1", ReverseKey(1001, 1))
	assert.Equal(t, "modsrv:reverse:action:1001:7", ReverseActionKey(1001, 7))
	assert.Equal(t, "modsrv:models:by_template:pump", ModelsByTemplateKey("pump"))
	assert.Equal(t, "rulesrv:rule:overtemp", RuleKey("overtemp"))
	assert.Equal(t, "rulesrv:state:overtemp", RuleStateKey("overtemp"))
	assert.Equal(t, "syncsrv:rule:r1", SyncRuleKey("r1"))
	assert.Equal(t, "syncsrv:stats:r1", SyncStatsKey("r1"))
	assert.Equal(t, "syncsrv:reverse:modsrv:model:pump-01:measurement", SyncReverseKey("modsrv:model:pump-01:measurement"))
	assert.Equal(t, "alarmsrv:alarm:pump:1", AlarmKey("alarm:pump:1"))
	assert.Equal(t, "alarmsrv:status:active", AlarmStatusKey("active"))
	assert.Equal(t, "alarmsrv:level:critical", AlarmLevelKey("critical"))
	assert.Equal(t, "alarmsrv:source:pump-01", AlarmSourceKey("pump-01"))
	assert.Equal(t, "alarmsrv:active:pump-01", AlarmActiveKey("pump-01"))
}

func TestParsePointKey(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		wantOK    bool
		source    string
		channelID int
		dataType  string
	}{
		{name: "telemetry", key: "comsrv:1001:T", wantOK: true, source: "comsrv", channelID: 1001, dataType: "T"},
		{name: "signal", key: "inst:7:S", wantOK: true, source: "inst", channelID: 7, dataType: "S"},
		{name: "too few parts", key: "comsrv:1001", wantOK: false},
		{name: "too many parts", key: "comsrv:1001:T:extra", wantOK: false},
		{name: "non numeric channel", key: "comsrv:abc:T", wantOK: false},
		{name: "empty", key: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, channelID, dataType, ok := ParsePointKey(tt.key)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.source, source)
				assert.Equal(t, tt.channelID, channelID)
				assert.Equal(t, tt.dataType, dataType)
			}
		})
	}
}
