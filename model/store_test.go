package model

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridware/telecore/bus"
	"github.com/gridware/telecore/errors"
	"github.com/gridware/telecore/point"
)

func newTestStore(t *testing.T) (*Store, bus.Keyspace) {
	t.Helper()
	srv := miniredis.RunT(t)
	client, err := bus.NewClient(context.Background(), srv.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client), client
}

func pumpModel() Model {
	return Model{
		ModelID:  "pump-01",
		Name:     "Feed pump",
		Template: "pump",
		Measurements: map[string]Mapping{
			"temperature": {Channel: 1001, Point: 1, Type: point.Telemetry},
			"voltage_a":   {Channel: 1001, Point: 2, Type: point.Telemetry},
			"running":     {Channel: 1001, Point: 3, Type: point.Signal},
		},
		Actions: map[string]Mapping{
			"start": {Channel: 1001, Point: 7, Type: point.Control},
		},
	}
}

func TestStoreSaveAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, pumpModel()))

	got, err := store.Get(ctx, "pump-01")
	require.NoError(t, err)
	assert.Equal(t, "Feed pump", got.Name)
	assert.Len(t, got.Measurements, 3)
	assert.Len(t, got.Actions, 1)
}

func TestStoreGetUnknown(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStoreValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	m := pumpModel()
	m.ModelID = ""
	assert.ErrorIs(t, store.Save(ctx, m), errors.ErrValidation)

	m = pumpModel()
	m.Measurements["bad"] = Mapping{Channel: 1001, Point: 9, Type: point.Control}
	assert.ErrorIs(t, store.Save(ctx, m), errors.ErrValidation)

	m = pumpModel()
	m.Actions["bad"] = Mapping{Channel: 1001, Point: 9, Type: point.Telemetry}
	assert.ErrorIs(t, store.Save(ctx, m), errors.ErrValidation)

	m = pumpModel()
	m.Actions["bad"] = Mapping{Channel: 0, Point: 9, Type: point.Control}
	assert.ErrorIs(t, store.Save(ctx, m), errors.ErrValidation)
}

func TestStoreResolve(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, pumpModel()))

	entry, err := store.Resolve(ctx, 1001, 1, KindMeasurement)
	require.NoError(t, err)
	assert.Equal(t, ReverseEntry{ModelID: "pump-01", PointName: "temperature"}, entry)

	entry, err = store.Resolve(ctx, 1001, 7, KindAction)
	require.NoError(t, err)
	assert.Equal(t, ReverseEntry{ModelID: "pump-01", PointName: "start"}, entry)

	_, err = store.Resolve(ctx, 9999, 1, KindMeasurement)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStoreSaveRemovesStaleReverseEntries(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, pumpModel()))

	m := pumpModel()
	delete(m.Measurements, "voltage_a")
	require.NoError(t, store.Save(ctx, m))

	_, err := store.Resolve(ctx, 1001, 2, KindMeasurement)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	// surviving mappings stay resolvable
	_, err = store.Resolve(ctx, 1001, 1, KindMeasurement)
	assert.NoError(t, err)
}

func TestStoreTemplateMembership(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	m1 := pumpModel()
	m2 := pumpModel()
	m2.ModelID = "pump-02"
	m2.Measurements = map[string]Mapping{
		"temperature": {Channel: 1002, Point: 1, Type: point.Telemetry},
	}
	m2.Actions = nil

	require.NoError(t, store.Save(ctx, m1))
	require.NoError(t, store.Save(ctx, m2))

	ids, err := store.ModelsByTemplate(ctx, "pump")
	require.NoError(t, err)
	assert.Equal(t, []string{"pump-01", "pump-02"}, ids)

	// retemplating moves membership
	m2.Template = "compressor"
	require.NoError(t, store.Save(ctx, m2))

	ids, err = store.ModelsByTemplate(ctx, "pump")
	require.NoError(t, err)
	assert.Equal(t, []string{"pump-01"}, ids)
}

func TestStoreView(t *testing.T) {
	store, ks := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, ks.HSet(ctx, bus.MeasurementKey("pump-01"), map[string]string{
		"temperature": "25.500000",
		"voltage_a":   "380.200000",
		UpdatedField:  "1700000000",
	}))

	values, updated, err := store.View(ctx, "pump-01", KindMeasurement)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), updated)
	assert.Equal(t, map[string]string{
		"temperature": "25.500000",
		"voltage_a":   "380.200000",
	}, values)

	// never written view reads empty
	values, updated, err = store.View(ctx, "pump-99", KindMeasurement)
	require.NoError(t, err)
	assert.Empty(t, values)
	assert.Zero(t, updated)
}

func TestStoreDelete(t *testing.T) {
	store, ks := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, pumpModel()))
	require.NoError(t, ks.HSet(ctx, bus.MeasurementKey("pump-01"), map[string]string{"temperature": "1.000000"}))

	require.NoError(t, store.Delete(ctx, "pump-01"))

	_, err := store.Get(ctx, "pump-01")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = store.Resolve(ctx, 1001, 1, KindMeasurement)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	ids, err := store.ModelsByTemplate(ctx, "pump")
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.ErrorIs(t, store.Delete(ctx, "pump-01"), errors.ErrNotFound)
}

func TestStoreListAndChannels(t *testing.T) {
	store, ks := newTestStore(t)
	ctx := context.Background()

	m2 := pumpModel()
	m2.ModelID = "pump-02"
	m2.Measurements = map[string]Mapping{"temperature": {Channel: 1002, Point: 1, Type: point.Telemetry}}
	m2.Actions = nil

	require.NoError(t, store.Save(ctx, pumpModel()))
	require.NoError(t, store.Save(ctx, m2))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pump-01", "pump-02"}, ids)

	require.NoError(t, ks.HSet(ctx, bus.PointKey(bus.SourceComsrv, 1001, "T"), map[string]string{"1": "25.500000"}))
	require.NoError(t, ks.HSet(ctx, bus.PointKey(bus.SourceComsrv, 1002, "T"), map[string]string{"1": "30.000000"}))
	require.NoError(t, ks.HSet(ctx, bus.PointKey(bus.SourceComsrv, 1001, "S"), map[string]string{"3": "1.000000"}))

	channels, err := store.Channels(ctx, bus.SourceComsrv, point.Telemetry)
	require.NoError(t, err)
	assert.Equal(t, []int{1001, 1002}, channels)
}
