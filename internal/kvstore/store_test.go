package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/basestation/internal/schedule"
	"github.com/banshee-data/basestation/internal/station"
	"github.com/banshee-data/basestation/internal/timeutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpenWithPath(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	cfg := schedule.TimeConfig{BaselineTimePoint: t0, MeasurementPeriod: 10 * time.Second, CommsPeriod: time.Minute}
	require.NoError(t, s.AppendConfigHistory(ctx, cfg))
	require.NoError(t, s.Close())

	s, err = Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()
	got, err := s.LoadConfigHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, []schedule.TimeConfig{cfg}, got)
}

func TestConfigHistoryKeepsNewest(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	h := schedule.NewHistory()
	var want []schedule.TimeConfig
	for i := 0; i < schedule.MaxHistory+3; i++ {
		cfg, err := h.Append(schedule.Cadence{MeasurementPeriod: 10 * time.Second, CommsPeriod: time.Minute}, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.NoError(t, s.AppendConfigHistory(ctx, cfg))
		want = append(want, cfg)
	}

	got, err := s.LoadConfigHistory(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(want[3:], got); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestMeasurements(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, sensor := range []uint32{1, 2, 256} {
		for i := uint32(1); i <= 5; i++ {
			require.NoError(t, s.PersistMeasurement(ctx, station.Measurement{
				SensorID:   sensor,
				Index:      i,
				AssignedAt: t0.Add(time.Duration(i) * 10 * time.Second),
				Reading:    station.Reading{TemperatureC: float64(sensor), HumidityPct: float64(i)},
			}))
		}
	}

	idx, err := s.StoredIndices(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 4, 5}, idx)

	ms, err := s.QueryRange(ctx, 256, t0.Add(20*time.Second), t0.Add(40*time.Second))
	require.NoError(t, err)
	require.Len(t, ms, 3)
	assert.Equal(t, uint32(2), ms[0].Index)
	assert.Equal(t, 256.0, ms[0].TemperatureC)
	assert.True(t, ms[2].AssignedAt.Equal(t0.Add(40*time.Second)))
}

func TestSensors(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	a := station.Sensor{ID: 1, UID: "uid-a", Address: "radio-a", BoundAt: t0}
	require.NoError(t, s.SaveSensor(ctx, a))
	assert.Error(t, s.SaveSensor(ctx, station.Sensor{ID: 2, Address: "radio-a"}))
	assert.Error(t, s.SaveSensor(ctx, station.Sensor{ID: 1, Address: "radio-b"}), "ids are unique")

	a.PrunedFloor, a.StoredCount = 7, 12
	require.NoError(t, s.UpdateSensorStorage(ctx, a))

	got, err := s.LoadSensors(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint32(7), got[0].PrunedFloor)
	assert.Equal(t, "uid-a", got[0].UID)

	require.NoError(t, s.DeleteSensor(ctx, 1))
	assert.ErrorIs(t, s.DeleteSensor(ctx, 1), ErrNotFound)
	assert.ErrorIs(t, s.UpdateSensorStorage(ctx, a), ErrNotFound)
}

func TestEngineOnBadger(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	clock := timeutil.NewMockClock(t0)

	e := station.NewEngine(s, station.Options{Clock: clock})
	require.NoError(t, e.Load(ctx))
	_, err := e.SetCadence(ctx, schedule.Cadence{MeasurementPeriod: 10 * time.Second, CommsPeriod: time.Minute})
	require.NoError(t, err)
	sensor, err := e.Bind(ctx, "radio-a")
	require.NoError(t, err)

	p := station.NewPipeline(e, station.PipelineOptions{})
	for _, i := range []uint32{3, 1, 2} {
		require.NoError(t, p.Enqueue(station.PendingItem{SensorID: sensor.ID, MeasurementIndex: i, ReceivedAt: t0}))
	}
	require.NoError(t, p.RunOnce(ctx))

	e2 := station.NewEngine(s, station.Options{Clock: clock})
	require.NoError(t, e2.Load(ctx))
	status, err := e2.Sensor(sensor.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), status.ConfirmedBase)
}

func TestNextSensorID(t *testing.T) {
	ctx := context.Background()

	t.Run("counts from one", func(t *testing.T) {
		s := openTestStore(t)
		for want := uint32(1); want <= 3; want++ {
			id, err := s.NextSensorID(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, id)
		}
	})

	t.Run("seeded past existing keys", func(t *testing.T) {
		s := openTestStore(t)
		require.NoError(t, s.SaveSensor(ctx, station.Sensor{ID: 4, Address: "radio-d"}))
		require.NoError(t, s.PersistMeasurement(ctx, station.Measurement{SensorID: 300, Index: 0xFFFFFFFF}))

		id, err := s.NextSensorID(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint32(301), id)
	})

	t.Run("survives reopen", func(t *testing.T) {
		dir := t.TempDir()
		s, err := Open(DefaultConfig(dir))
		require.NoError(t, err)
		_, err = s.NextSensorID(ctx)
		require.NoError(t, err)
		require.NoError(t, s.Close())

		s, err = Open(DefaultConfig(dir))
		require.NoError(t, err)
		defer s.Close()
		id, err := s.NextSensorID(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), id)
	})
}

func TestSensorIDsNotReusedAfterUnbind(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	clock := timeutil.NewMockClock(t0)

	e := station.NewEngine(s, station.Options{Clock: clock})
	require.NoError(t, e.Load(ctx))
	b, err := e.Bind(ctx, "radio-b")
	require.NoError(t, err)
	require.NoError(t, e.Unbind(ctx, b.ID))

	e2 := station.NewEngine(s, station.Options{Clock: clock})
	require.NoError(t, e2.Load(ctx))
	c, err := e2.Bind(ctx, "radio-c")
	require.NoError(t, err)
	assert.Greater(t, c.ID, b.ID)
}
