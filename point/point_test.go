package point

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridware/telecore/errors"
)

func TestTypeValid(t *testing.T) {
	for _, typ := range []Type{Telemetry, Signal, Control, Adjustment} {
		assert.True(t, typ.Valid(), string(typ))
	}
	assert.False(t, Type("X").Valid())
	assert.False(t, Type("").Valid())

	assert.True(t, Control.Writable())
	assert.True(t, Adjustment.Writable())
	assert.False(t, Telemetry.Writable())
	assert.False(t, Signal.Writable())
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("T")
	require.NoError(t, err)
	assert.Equal(t, Telemetry, typ)

	_, err = ParseType("Q")
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestEncodeValue(t *testing.T) {
	tests := []struct {
		name    string
		value   float64
		want    string
		wantErr error
	}{
		{name: "plain", value: 25.5, want: "25.500000"},
		{name: "negative", value: -380.2, want: "-380.200000"},
		{name: "zero", value: 0, want: "0.000000"},
		{name: "rounds to six digits", value: 1.23456789, want: "1.234568"},
		{name: "nan", value: math.NaN(), wantErr: errors.ErrTransform},
		{name: "inf", value: math.Inf(1), wantErr: errors.ErrTransform},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeValue(tt.value)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeValue(t *testing.T) {
	v, err := DecodeValue("25.500000")
	require.NoError(t, err)
	assert.InDelta(t, 25.5, v, 1e-9)

	// adapters may write plain short forms
	v, err = DecodeValue("380.2")
	require.NoError(t, err)
	assert.InDelta(t, 380.2, v, 1e-9)

	_, err = DecodeValue("not-a-number")
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestCommandExpiry(t *testing.T) {
	cmd := Command{PointID: 1, Value: 1, IssuedAt: time.Now().Unix(), TTL: 30}
	t0 := time.Unix(cmd.IssuedAt, 0)

	assert.False(t, cmd.Expired(t0.Add(29*time.Second)))
	// the window is half-open: the deadline instant itself is too late
	assert.True(t, cmd.Expired(t0.Add(30*time.Second)))
	assert.True(t, cmd.Expired(t0.Add(31*time.Second)))
	assert.Equal(t, t0.Add(30*time.Second), cmd.Deadline())

	// zero TTL falls back to the default window
	cmd.TTL = 0
	assert.False(t, cmd.Expired(t0.Add(DefaultCommandTTL-time.Second)))
	assert.True(t, cmd.Expired(t0.Add(DefaultCommandTTL+time.Second)))

	// missing issue time never expires; dispatcher treats it as fresh
	assert.False(t, Command{PointID: 1}.Expired(t0.Add(time.Hour)))
}

func TestCommandCodec(t *testing.T) {
	cmd := Command{
		PointID:   7,
		Value:     1,
		Source:    "ws-client-1",
		CommandID: "cmd-123",
		IssuedAt:  1700000000,
		TTL:       30,
	}

	raw, err := cmd.Encode()
	require.NoError(t, err)
	assert.Contains(t, raw, `"point_id":7`)
	assert.Contains(t, raw, `"command_id":"cmd-123"`)

	decoded, err := DecodeCommand(raw)
	require.NoError(t, err)
	assert.Equal(t, cmd, decoded)

	_, err = DecodeCommand("{broken")
	assert.True(t, errors.IsInvalid(err))
}

func TestNewCommandID(t *testing.T) {
	id1 := NewCommandID()
	id2 := NewCommandID()
	assert.True(t, strings.HasPrefix(id1, "cmd-"))
	assert.NotEqual(t, id1, id2)
}

func TestCompletionCodec(t *testing.T) {
	rec := Completion{
		CommandID:   "cmd-123",
		Status:      CompletionSuccess,
		Success:     true,
		ActualValue: 1,
		CompletedAt: 1700000042,
	}

	raw, err := rec.Encode()
	require.NoError(t, err)

	decoded, err := DecodeCompletion(raw)
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}
