package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridware/telecore/errors"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client, err := NewClient(context.Background(), srv.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestClientScalar(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "comsrv:1001:T", "ignored", 0))

	val, err := client.Get(ctx, "comsrv:1001:T")
	require.NoError(t, err)
	assert.Equal(t, "ignored", val)

	exists, err := client.Exists(ctx, "comsrv:1001:T")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, client.Delete(ctx, "comsrv:1001:T"))
	_, err = client.Get(ctx, "comsrv:1001:T")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)

	// expiry
	require.NoError(t, client.Set(ctx, "inst:result:cmd-1", "done", 30*time.Second))
	srv.FastForward(31 * time.Second)
	_, err = client.Get(ctx, "inst:result:cmd-1")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestClientGetMissingKey(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.Get(context.Background(), "no:such:key")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestClientHashOps(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	key := PointKey(SourceComsrv, 1001, "T")
	require.NoError(t, client.HSet(ctx, key, map[string]string{
		"1": "25.500000",
		"2": "380.200000",
	}))

	val, err := client.HGet(ctx, key, "1")
	require.NoError(t, err)
	assert.Equal(t, "25.500000", val)

	all, err := client.HGetAll(ctx, key)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "380.200000", all["2"])

	require.NoError(t, client.HDel(ctx, key, "1"))
	_, err = client.HGet(ctx, key, "1")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)

	// missing hash reads as an empty map
	all, err = client.HGetAll(ctx, "comsrv:9999:T")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestClientListOps(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	queue := TriggerKey(SourceInst, 1001, "C")
	require.NoError(t, client.RPush(ctx, queue, "first", "second"))

	n, err := client.LLen(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	val, err := client.LPop(ctx, queue)
	require.NoError(t, err)
	assert.Equal(t, "first", val)

	val, err = client.BLPop(ctx, time.Second, queue)
	require.NoError(t, err)
	assert.Equal(t, "second", val)

	_, err = client.LPop(ctx, queue)
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestClientSetOps(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	key := AlarmStatusKey("active")
	require.NoError(t, client.SAdd(ctx, key, "alarm:pump:1", "alarm:pump:2"))

	members, err := client.SMembers(ctx, key)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alarm:pump:1", "alarm:pump:2"}, members)

	require.NoError(t, client.SRem(ctx, key, "alarm:pump:1"))
	members, err = client.SMembers(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"alarm:pump:2"}, members)
}

func TestClientKeysPattern(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.HSet(ctx, "comsrv:1001:T", map[string]string{"1": "1.000000"}))
	require.NoError(t, client.HSet(ctx, "comsrv:1002:T", map[string]string{"1": "2.000000"}))
	require.NoError(t, client.HSet(ctx, "comsrv:1001:S", map[string]string{"1": "0.000000"}))

	keys, err := client.Keys(ctx, "comsrv:*:T")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"comsrv:1001:T", "comsrv:1002:T"}, keys)
}

func TestClientBatch(t *testing.T) {
	client, srv := newTestClient(t)
	ctx := context.Background()

	err := client.Batch(ctx, []Op{
		{Kind: OpSet, Key: "alarmsrv:alarm:pump:1", Value: `{"status":"active"}`},
		{Kind: OpSAdd, Key: AlarmStatusKey("active"), Names: []string{"alarm:pump:1"}},
		{Kind: OpSAdd, Key: AlarmIndexKey, Names: []string{"alarm:pump:1"}},
		{Kind: OpHSet, Key: "comsrv:1001:T", Fields: map[string]string{"1": "25.500000"}},
		{Kind: OpSet, Key: "inst:result:cmd-1", Value: "done", TTL: time.Minute},
	})
	require.NoError(t, err)

	val, err := client.Get(ctx, "alarmsrv:alarm:pump:1")
	require.NoError(t, err)
	assert.Equal(t, `{"status":"active"}`, val)

	members, err := client.SMembers(ctx, AlarmStatusKey("active"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alarm:pump:1"}, members)

	field, err := client.HGet(ctx, "comsrv:1001:T", "1")
	require.NoError(t, err)
	assert.Equal(t, "25.500000", field)

	srv.FastForward(2 * time.Minute)
	_, err = client.Get(ctx, "inst:result:cmd-1")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestClientBatchRejectsUnknownOp(t *testing.T) {
	client, _ := newTestClient(t)

	err := client.Batch(context.Background(), []Op{{Kind: OpKind(99), Key: "x"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestClientPingAndClose(t *testing.T) {
	client, _ := newTestClient(t)

	require.NoError(t, client.Ping(context.Background()))
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}
