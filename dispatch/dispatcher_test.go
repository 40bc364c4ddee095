package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridware/telecore/bus"
	"github.com/gridware/telecore/errors"
	"github.com/gridware/telecore/point"
)

// fakeAdapter records executions and replies with a scripted outcome.
type fakeAdapter struct {
	mu       sync.Mutex
	executed []point.Command
	ack      bool
	err      error
	delay    time.Duration
}

func (f *fakeAdapter) Execute(ctx context.Context, channelID, pointID int, value float64) (bool, float64, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return false, 0, ctx.Err()
		}
	}
	f.mu.Lock()
	f.executed = append(f.executed, point.Command{PointID: pointID, Value: value})
	f.mu.Unlock()
	if f.err != nil {
		return false, 0, f.err
	}
	return f.ack, value, nil
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

func newTestDispatcher(t *testing.T, adapter Adapter) (*Dispatcher, bus.Keyspace) {
	t.Helper()
	srv := miniredis.RunT(t)
	client, err := bus.NewClient(context.Background(), srv.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	d := NewDispatcher(client, adapter, bus.SourceInst,
		WithPopWait(50*time.Millisecond),
		WithExecTimeout(200*time.Millisecond),
		WithResultTTL(time.Minute),
		WithDiscoveryInterval(50*time.Millisecond),
	)
	return d, client
}

func enqueue(t *testing.T, ks bus.Keyspace, q Queue, cmd point.Command) {
	t.Helper()
	item, err := cmd.Encode()
	require.NoError(t, err)
	require.NoError(t, ks.RPush(context.Background(), bus.TriggerKey(bus.SourceInst, q.ChannelID, string(q.Type)), item))
}

func TestDispatchSuccess(t *testing.T) {
	adapter := &fakeAdapter{ack: true}
	d, ks := newTestDispatcher(t, adapter)
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))
	defer func() { _ = d.Stop(time.Second) }()

	q := Queue{ChannelID: 1001, Type: point.Control}
	d.EnsureQueue(ctx, q)

	enqueue(t, ks, q, point.Command{
		PointID:   7,
		Value:     1,
		CommandID: "cmd-1",
		IssuedAt:  time.Now().Unix(),
		TTL:       30,
	})

	assert.Eventually(t, func() bool { return adapter.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// executed value written back to the point map
	assert.Eventually(t, func() bool {
		v, err := ks.HGet(ctx, bus.PointKey(bus.SourceInst, 1001, "C"), "7")
		return err == nil && v == "1.000000"
	}, 2*time.Second, 10*time.Millisecond)

	// completion record readable by the broker
	raw, err := ks.Get(ctx, bus.ResultKey(bus.SourceInst, "cmd-1"))
	require.NoError(t, err)
	rec, err := point.DecodeCompletion(raw)
	require.NoError(t, err)
	assert.Equal(t, point.CompletionSuccess, rec.Status)
	assert.True(t, rec.Success)
	assert.InDelta(t, 1, rec.ActualValue, 1e-9)
}

func TestDispatchExpiredCommandNeverExecutes(t *testing.T) {
	adapter := &fakeAdapter{ack: true}
	d, ks := newTestDispatcher(t, adapter)
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))
	defer func() { _ = d.Stop(time.Second) }()

	q := Queue{ChannelID: 1001, Type: point.Control}
	d.EnsureQueue(ctx, q)

	enqueue(t, ks, q, point.Command{
		PointID:   7,
		Value:     1,
		CommandID: "cmd-old",
		IssuedAt:  time.Now().Add(-time.Minute).Unix(),
		TTL:       30,
	})

	var rec point.Completion
	assert.Eventually(t, func() bool {
		raw, err := ks.Get(ctx, bus.ResultKey(bus.SourceInst, "cmd-old"))
		if err != nil {
			return false
		}
		rec, err = point.DecodeCompletion(raw)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, point.CompletionTimeout, rec.Status)
	assert.False(t, rec.Success)
	assert.Zero(t, adapter.count())
}

func TestDispatchAdapterError(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("device offline")}
	d, ks := newTestDispatcher(t, adapter)
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))
	defer func() { _ = d.Stop(time.Second) }()

	q := Queue{ChannelID: 1001, Type: point.Adjustment}
	d.EnsureQueue(ctx, q)

	enqueue(t, ks, q, point.Command{
		PointID:   3,
		Value:     42,
		CommandID: "cmd-err",
		IssuedAt:  time.Now().Unix(),
		TTL:       30,
	})

	var rec point.Completion
	assert.Eventually(t, func() bool {
		raw, err := ks.Get(ctx, bus.ResultKey(bus.SourceInst, "cmd-err"))
		if err != nil {
			return false
		}
		rec, err = point.DecodeCompletion(raw)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, point.CompletionFailed, rec.Status)
	assert.Contains(t, rec.Error, "device offline")

	// no write-back on failure
	_, err := ks.HGet(ctx, bus.PointKey(bus.SourceInst, 1001, "A"), "3")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestDispatchForwardProgressAfterFailure(t *testing.T) {
	adapter := &fakeAdapter{ack: true}
	d, ks := newTestDispatcher(t, adapter)
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))
	defer func() { _ = d.Stop(time.Second) }()

	q := Queue{ChannelID: 1001, Type: point.Control}
	d.EnsureQueue(ctx, q)

	// malformed item followed by a good one
	require.NoError(t, ks.RPush(ctx, bus.TriggerKey(bus.SourceInst, 1001, "C"), "{broken"))
	enqueue(t, ks, q, point.Command{
		PointID:  7,
		Value:    1,
		IssuedAt: time.Now().Unix(),
		TTL:      30,
	})

	assert.Eventually(t, func() bool { return adapter.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchDiscoversQueuesFromPointMaps(t *testing.T) {
	adapter := &fakeAdapter{ack: true}
	d, ks := newTestDispatcher(t, adapter)
	ctx := context.Background()

	// a writable point map implies a queue
	require.NoError(t, ks.HSet(ctx, bus.PointKey(bus.SourceInst, 2002, "C"), map[string]string{"1": "0.000000"}))

	require.NoError(t, d.Start(ctx))
	defer func() { _ = d.Stop(time.Second) }()

	enqueue(t, ks, Queue{ChannelID: 2002, Type: point.Control}, point.Command{
		PointID:  1,
		Value:    1,
		IssuedAt: time.Now().Unix(),
		TTL:      30,
	})

	assert.Eventually(t, func() bool { return adapter.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchStartStop(t *testing.T) {
	adapter := &fakeAdapter{ack: true}
	d, _ := newTestDispatcher(t, adapter)
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))
	assert.ErrorIs(t, d.Start(ctx), errors.ErrAlreadyStarted)
	require.NoError(t, d.Stop(time.Second))
	require.NoError(t, d.Stop(time.Second))
}
