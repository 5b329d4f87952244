package station

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(sensor, index uint32) PendingItem {
	return PendingItem{
		SensorID:         sensor,
		MeasurementIndex: index,
		Payload:          Reading{TemperatureC: 20 + float64(index)/10, HumidityPct: 45},
		ReceivedAt:       t0,
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *Engine, *memStore) {
	t.Helper()
	e, store, _, _ := newTestEngine(t)
	_, err := e.Bind(context.Background(), "radio-a")
	require.NoError(t, err)
	return NewPipeline(e, PipelineOptions{}), e, store
}

func TestPipeline_PersistsInIndexOrder(t *testing.T) {
	p, e, store := newTestPipeline(t)

	for _, i := range []uint32{3, 1, 2} {
		require.NoError(t, p.Enqueue(item(1, i)))
	}
	require.NoError(t, p.RunOnce(context.Background()))

	assert.Equal(t, []uint32{1, 2, 3}, store.persistOrder(1))
	status, err := e.Sensor(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), status.ConfirmedBase)
	assert.Empty(t, status.ConfirmedAbove)

	m, ok := store.row(1, 2)
	require.True(t, ok)
	assert.True(t, m.AssignedAt.Equal(t0.Add(20*time.Second)), "assigned %v", m.AssignedAt)
	assert.Zero(t, p.Backlog())
}

func TestPipeline_RetriesRemainderAfterFailure(t *testing.T) {
	p, e, store := newTestPipeline(t)
	ctx := context.Background()

	store.failOn = func(m Measurement) bool { return m.Index == 2 }
	for _, i := range []uint32{1, 2, 3} {
		require.NoError(t, p.Enqueue(item(1, i)))
	}

	err := p.RunOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.False(t, p.Healthy())
	assert.Equal(t, 2, p.Backlog())
	assert.Equal(t, []uint32{1}, store.persistOrder(1))

	status, _ := e.Sensor(1)
	assert.Equal(t, uint32(1), status.ConfirmedBase)

	store.mu.Lock()
	store.failOn = nil
	store.mu.Unlock()
	require.NoError(t, p.Enqueue(item(1, 4)))
	require.NoError(t, p.RunOnce(ctx))

	assert.True(t, p.Healthy())
	assert.Zero(t, p.Backlog())
	assert.Equal(t, []uint32{1, 2, 3, 4}, store.persistOrder(1))
	status, _ = e.Sensor(1)
	assert.Equal(t, uint32(4), status.ConfirmedBase)
}

func TestPipeline_DropsUnknownSensors(t *testing.T) {
	p, _, store := newTestPipeline(t)

	require.NoError(t, p.Enqueue(item(99, 1)))
	require.NoError(t, p.Enqueue(item(1, 1)))
	require.NoError(t, p.RunOnce(context.Background()))

	assert.Equal(t, 1, store.count())
	assert.Zero(t, p.Backlog())
	assert.True(t, p.Healthy())
}

func TestPipeline_ConvergesUnderAnyArrivalOrder(t *testing.T) {
	p, e, _ := newTestPipeline(t)
	ctx := context.Background()

	const n = 200
	indices := make([]uint32, 0, 2*n)
	for i := uint32(1); i <= n; i++ {
		indices = append(indices, i)
	}
	// Duplicates model sensors re-sending unacknowledged samples.
	indices = append(indices, indices[:n/2]...)

	rng := rand.New(rand.NewSource(3))
	rng.Shuffle(len(indices), func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })

	for len(indices) > 0 {
		chunk := min(len(indices), 1+rng.Intn(17))
		for _, i := range indices[:chunk] {
			require.NoError(t, p.Enqueue(item(1, i)))
		}
		indices = indices[chunk:]
		require.NoError(t, p.RunOnce(ctx))
	}

	status, err := e.Sensor(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(n), status.ConfirmedBase)
	assert.Empty(t, status.ConfirmedAbove)
}

func TestPipeline_AppliesStateReports(t *testing.T) {
	p, e, store := newTestPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.Enqueue(item(1, 10)))
	require.NoError(t, p.Enqueue(item(1, 11)))
	require.NoError(t, p.RunOnce(ctx))

	status, _ := e.Sensor(1)
	assert.Zero(t, status.ConfirmedBase)
	assert.Equal(t, []uint32{10, 11}, status.ConfirmedAbove)

	require.NoError(t, p.EnqueueState(StateReport{SensorID: 1, FirstStoredIndex: 10, StoredCount: 2}))
	require.NoError(t, p.EnqueueState(StateReport{SensorID: 77, FirstStoredIndex: 1}))
	require.NoError(t, p.RunOnce(ctx))

	status, _ = e.Sensor(1)
	assert.Equal(t, uint32(11), status.ConfirmedBase)
	assert.Empty(t, status.ConfirmedAbove)

	saved, ok := store.sensor(1)
	require.True(t, ok)
	assert.Equal(t, uint32(11), saved.PrunedFloor)
	assert.Equal(t, uint32(10), saved.FirstStoredIndex)
	assert.Equal(t, uint32(2), saved.StoredCount)
}

func TestPipeline_WorkerTicks(t *testing.T) {
	e, store, clock, rec := newTestEngine(t)
	_, err := e.Bind(context.Background(), "radio-a")
	require.NoError(t, err)

	p := NewPipeline(e, PipelineOptions{TickInterval: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	for _, i := range []uint32{2, 1} {
		require.NoError(t, p.Enqueue(item(1, i)))
	}
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return store.count() == 2
	}, 2*time.Second, time.Millisecond)

	p.Stop()
	assert.ErrorIs(t, p.Enqueue(item(1, 3)), ErrShutdown)
	assert.ErrorIs(t, p.EnqueueState(StateReport{SensorID: 1}), ErrShutdown)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.persisted, 2)
}

func TestPipeline_StopDrainsPending(t *testing.T) {
	p, e, store := newTestPipeline(t)
	p.Start(context.Background())

	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, p.Enqueue(item(1, i)))
	}
	p.Stop()
	p.Stop()

	assert.Equal(t, 5, store.count())
	status, _ := e.Sensor(1)
	assert.Equal(t, uint32(5), status.ConfirmedBase)
}

func TestPipeline_ContextCancelDrains(t *testing.T) {
	p, _, store := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	require.NoError(t, p.Enqueue(item(1, 1)))
	cancel()
	p.Stop()

	assert.Equal(t, 1, store.count())
}

func TestPipeline_RetriesFailedStateReports(t *testing.T) {
	p, e, store := newTestPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.Enqueue(item(1, 10)))
	require.NoError(t, p.Enqueue(item(1, 11)))
	require.NoError(t, p.RunOnce(ctx))

	store.failStorage = 1
	require.NoError(t, p.EnqueueState(StateReport{SensorID: 1, FirstStoredIndex: 10, StoredCount: 2}))
	err := p.RunOnce(ctx)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.False(t, p.Healthy())
	saved, _ := store.sensor(1)
	assert.Zero(t, saved.PrunedFloor)

	require.NoError(t, p.RunOnce(ctx))
	assert.True(t, p.Healthy())
	saved, _ = store.sensor(1)
	assert.Equal(t, uint32(11), saved.PrunedFloor)

	before, err := e.Sensor(1)
	require.NoError(t, err)
	restarted := NewEngine(store, Options{Clock: e.clock})
	require.NoError(t, restarted.Load(ctx))
	after, err := restarted.Sensor(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), before.ConfirmedBase)
	assert.GreaterOrEqual(t, after.ConfirmedBase, before.ConfirmedBase, "confirmed base must survive a restart")
}

func TestPipeline_RunOnceAlongsideWorker(t *testing.T) {
	p, e, _ := newTestPipeline(t)
	ctx := context.Background()
	p.Start(ctx)
	t.Cleanup(p.Stop)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = p.Enqueue(item(1, uint32(g*25+i+1)))
				_ = p.RunOnce(ctx)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, p.RunOnce(ctx))

	status, err := e.Sensor(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), status.ConfirmedBase)
	assert.Zero(t, p.Backlog())
}
