package rule

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridware/telecore/alarm"
	"github.com/gridware/telecore/bus"
	"github.com/gridware/telecore/errors"
	"github.com/gridware/telecore/point"
	"github.com/gridware/telecore/rule/expression"
)

type testRig struct {
	ks        bus.Keyspace
	alarms    *alarm.Manager
	evaluator *Evaluator
	clock     time.Time
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	srv := miniredis.RunT(t)
	client, err := bus.NewClient(context.Background(), srv.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	rig := &testRig{
		ks:     client,
		alarms: alarm.NewManager(client),
		clock:  time.Unix(1700000000, 0),
	}
	rig.evaluator = NewEvaluator(client, rig.alarms, NewSnapshot(client, bus.SourceComsrv), time.Second)
	rig.evaluator.now = func() time.Time { return rig.clock }
	return rig
}

func (r *testRig) setPoint(t *testing.T, channelID int, typ point.Type, pointID, value string) {
	t.Helper()
	key := bus.PointKey(bus.SourceComsrv, channelID, string(typ))
	require.NoError(t, r.ks.HSet(context.Background(), key, map[string]string{pointID: value}))
}

func overtempRule() Definition {
	return Definition{
		RuleID: "overtemp",
		Name:   "Overtemperature",
		Condition: expression.Logical{
			Conditions: []expression.Condition{
				{Field: "1001:T:1", Operator: expression.OpGreaterThan, Value: 90},
			},
		},
		Actions: []Action{
			{Type: ActionAlarm, Level: alarm.LevelHigh, Title: "Overtemperature", Message: "bearing over limit"},
		},
		Cooldown: 60,
		Enabled:  true,
	}
}

func TestEvaluateFiresOnTransition(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	def := overtempRule()

	rig.setPoint(t, 1001, point.Telemetry, "1", "95.000000")
	require.NoError(t, rig.evaluator.Evaluate(ctx, def))

	state, err := LoadState(ctx, rig.ks, def.RuleID)
	require.NoError(t, err)
	assert.True(t, state.ConditionMet)
	assert.Equal(t, int64(1), state.TriggerCount)
	assert.InDelta(t, 95, state.LastValue, 1e-9)

	active, err := rig.alarms.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "rule:overtemp", active[0].Source)
	assert.Equal(t, 1001, active[0].ChannelID)
	assert.Equal(t, 1, active[0].PointID)

	// condition still true: no re-fire
	require.NoError(t, rig.evaluator.Evaluate(ctx, def))
	state, err = LoadState(ctx, rig.ks, def.RuleID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.TriggerCount)
}

func TestEvaluateCooldownSuppressesRefire(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	def := overtempRule()

	// trigger
	rig.setPoint(t, 1001, point.Telemetry, "1", "95.000000")
	require.NoError(t, rig.evaluator.Evaluate(ctx, def))

	// recover 10s later
	rig.clock = rig.clock.Add(10 * time.Second)
	rig.setPoint(t, 1001, point.Telemetry, "1", "50.000000")
	require.NoError(t, rig.evaluator.Evaluate(ctx, def))

	// re-trigger inside the 60s cooldown: condition latches, no actions
	rig.clock = rig.clock.Add(10 * time.Second)
	rig.setPoint(t, 1001, point.Telemetry, "1", "96.000000")
	require.NoError(t, rig.evaluator.Evaluate(ctx, def))

	state, err := LoadState(ctx, rig.ks, def.RuleID)
	require.NoError(t, err)
	assert.True(t, state.ConditionMet)
	assert.Equal(t, int64(1), state.TriggerCount)

	active, err := rig.alarms.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// recover again, then re-trigger after the window: fires
	rig.clock = rig.clock.Add(5 * time.Second)
	rig.setPoint(t, 1001, point.Telemetry, "1", "50.000000")
	require.NoError(t, rig.evaluator.Evaluate(ctx, def))

	rig.clock = rig.clock.Add(60 * time.Second)
	rig.setPoint(t, 1001, point.Telemetry, "1", "97.000000")
	require.NoError(t, rig.evaluator.Evaluate(ctx, def))

	state, err = LoadState(ctx, rig.ks, def.RuleID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.TriggerCount)
}

func TestEvaluateRecoveryClearsAlarm(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	def := overtempRule()

	rig.setPoint(t, 1001, point.Telemetry, "1", "95.000000")
	require.NoError(t, rig.evaluator.Evaluate(ctx, def))

	rig.clock = rig.clock.Add(5 * time.Second)
	rig.setPoint(t, 1001, point.Telemetry, "1", "50.000000")
	require.NoError(t, rig.evaluator.Evaluate(ctx, def))

	state, err := LoadState(ctx, rig.ks, def.RuleID)
	require.NoError(t, err)
	assert.False(t, state.ConditionMet)

	active, err := rig.alarms.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestEvaluateRecoveryActions(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	def := overtempRule()
	def.Actions = append(def.Actions, Action{
		Type:      ActionCommand,
		OnRecover: true,
		ChannelID: 1001,
		PointID:   7,
		PointType: point.Control,
		Value:     0,
	})

	rig.setPoint(t, 1001, point.Telemetry, "1", "95.000000")
	require.NoError(t, rig.evaluator.Evaluate(ctx, def))

	// no command on trigger, the action is recovery-only
	n, err := rig.ks.LLen(ctx, bus.TriggerKey(bus.SourceInst, 1001, "C"))
	require.NoError(t, err)
	assert.Zero(t, n)

	rig.clock = rig.clock.Add(5 * time.Second)
	rig.setPoint(t, 1001, point.Telemetry, "1", "50.000000")
	require.NoError(t, rig.evaluator.Evaluate(ctx, def))

	item, err := rig.ks.LPop(ctx, bus.TriggerKey(bus.SourceInst, 1001, "C"))
	require.NoError(t, err)
	cmd, err := point.DecodeCommand(item)
	require.NoError(t, err)
	assert.Equal(t, 7, cmd.PointID)
	assert.Zero(t, cmd.Value)
	assert.Equal(t, "rulesrv", cmd.Source)
}

func TestEvaluateCommandAction(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	def := overtempRule()
	def.Actions = []Action{{
		Type:      ActionCommand,
		ChannelID: 1001,
		PointID:   7,
		PointType: point.Control,
		Value:     1,
	}}

	rig.setPoint(t, 1001, point.Telemetry, "1", "95.000000")
	require.NoError(t, rig.evaluator.Evaluate(ctx, def))

	item, err := rig.ks.LPop(ctx, bus.TriggerKey(bus.SourceInst, 1001, "C"))
	require.NoError(t, err)
	cmd, err := point.DecodeCommand(item)
	require.NoError(t, err)
	assert.Equal(t, 7, cmd.PointID)
	assert.InDelta(t, 1, cmd.Value, 1e-9)
	assert.NotEmpty(t, cmd.CommandID)
}

func TestEvaluateConditionErrorIsRecorded(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	def := overtempRule()
	def.Condition.Conditions[0].Required = true
	// operand never written

	require.NoError(t, rig.evaluator.Evaluate(ctx, def))

	state, err := LoadState(ctx, rig.ks, def.RuleID)
	require.NoError(t, err)
	assert.False(t, state.ConditionMet)
	assert.Equal(t, int64(1), state.ErrorCount)
	assert.NotEmpty(t, state.LastError)
	assert.Zero(t, state.TriggerCount)
}

func TestEvaluateStateSurvivesRestart(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	def := overtempRule()

	rig.setPoint(t, 1001, point.Telemetry, "1", "95.000000")
	require.NoError(t, rig.evaluator.Evaluate(ctx, def))

	// a fresh evaluator over the same bus resumes the cooldown window
	restarted := NewEvaluator(rig.ks, rig.alarms, NewSnapshot(rig.ks, bus.SourceComsrv), time.Second)
	restarted.now = func() time.Time { return rig.clock.Add(10 * time.Second) }

	rig.setPoint(t, 1001, point.Telemetry, "1", "50.000000")
	require.NoError(t, restarted.Evaluate(ctx, def))
	rig.setPoint(t, 1001, point.Telemetry, "1", "96.000000")
	require.NoError(t, restarted.Evaluate(ctx, def))

	state, err := LoadState(ctx, rig.ks, def.RuleID)
	require.NoError(t, err)
	assert.True(t, state.ConditionMet)
	assert.Equal(t, int64(1), state.TriggerCount)
}

func TestDefinitionValidate(t *testing.T) {
	def := overtempRule()
	require.NoError(t, def.Validate())

	bad := def
	bad.RuleID = ""
	assert.ErrorIs(t, bad.Validate(), errors.ErrValidation)

	bad = overtempRule()
	bad.Actions = []Action{{Type: "email"}}
	assert.ErrorIs(t, bad.Validate(), errors.ErrValidation)

	bad = overtempRule()
	bad.Actions = []Action{{Type: ActionCommand, ChannelID: 1001, PointID: 7, PointType: point.Telemetry}}
	assert.ErrorIs(t, bad.Validate(), errors.ErrValidation)
}

func TestSaveLoadDefinition(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, SaveDefinition(ctx, rig.ks, overtempRule()))

	got, err := LoadDefinition(ctx, rig.ks, "overtemp")
	require.NoError(t, err)
	assert.Equal(t, "overtemp", got.RuleID)
	assert.Len(t, got.Actions, 1)

	_, err = LoadDefinition(ctx, rig.ks, "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestEvaluatorLoop(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, SaveDefinition(ctx, rig.ks, overtempRule()))
	rig.setPoint(t, 1001, point.Telemetry, "1", "95.000000")

	fast := NewEvaluator(rig.ks, rig.alarms, NewSnapshot(rig.ks, bus.SourceComsrv), 10*time.Millisecond)
	require.NoError(t, fast.Start(ctx))
	assert.ErrorIs(t, fast.Start(ctx), errors.ErrAlreadyStarted)

	assert.Eventually(t, func() bool {
		active, err := rig.alarms.Active(ctx)
		return err == nil && len(active) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, fast.Stop(time.Second))
}
