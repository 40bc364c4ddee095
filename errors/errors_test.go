package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestWrap(t *testing.T) {
	base := New("boom")
	err := Wrap(base, "SyncEngine", "ApplySync", "read source")
	require.Error(t, err)
	assert.Equal(t, "SyncEngine.ApplySync: read source failed: boom", err.Error())
	assert.True(t, Is(err, base))

	assert.NoError(t, Wrap(nil, "c", "m", "a"))
}

func TestClassifiedWrappers(t *testing.T) {
	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		check func(error) bool
	}{
		{"transient", WrapTransient, IsTransient},
		{"invalid", WrapInvalid, IsInvalid},
		{"fatal", WrapFatal, IsFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wrap(New("boom"), "Dispatcher", "Dispatch", "pop")
			assert.True(t, tt.check(err))

			var ce *ClassifiedError
			require.True(t, As(err, &ce))
			assert.Equal(t, "Dispatcher", ce.Component)
		})
	}
}

func TestIsTransient_Sentinels(t *testing.T) {
	assert.True(t, IsTransient(ErrCommandTimeout))
	assert.True(t, IsTransient(ErrNoConnection))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("dial tcp: connection refused")))
	assert.False(t, IsTransient(ErrValidation))
	assert.False(t, IsTransient(nil))
}

func TestIsInvalid_DomainSentinels(t *testing.T) {
	assert.True(t, IsInvalid(ErrValidation))
	assert.True(t, IsInvalid(fmt.Errorf("field 3: %w", ErrTransform)))
	assert.False(t, IsInvalid(ErrCommandTimeout))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(ErrNotFound))
	assert.True(t, IsNotFound(fmt.Errorf("alarm x: %w", ErrKeyNotFound)))
	assert.False(t, IsNotFound(ErrAdapter))
}
