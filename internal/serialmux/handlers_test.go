package serialmux

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/basestation/internal/station"
	"github.com/banshee-data/basestation/internal/timeutil"
)

type fakeRoster struct {
	mu      sync.Mutex
	byAddr  map[string]uint32
	nextID  uint32
	bindErr error
}

func (r *fakeRoster) SensorIDForAddress(addr string) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byAddr[addr]
	return id, ok
}

func (r *fakeRoster) Bind(_ context.Context, addr string) (station.Sensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bindErr != nil {
		return station.Sensor{}, r.bindErr
	}
	if id, ok := r.byAddr[addr]; ok {
		return station.Sensor{ID: id, Address: addr}, nil
	}
	r.nextID++
	r.byAddr[addr] = r.nextID
	return station.Sensor{ID: r.nextID, Address: addr}, nil
}

func (r *fakeRoster) OutboundConfig(id uint32, now time.Time) (station.OutboundConfig, error) {
	return station.OutboundConfig{SensorID: id, CommsPeriod: time.Minute, NextCommsDelay: time.Duration(now.Second()) * time.Second}, nil
}

type fakeQueue struct {
	mu     sync.Mutex
	items  []station.PendingItem
	states []station.StateReport
	err    error
}

func (q *fakeQueue) Enqueue(item station.PendingItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) EnqueueState(r station.StateReport) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.states = append(q.states, r)
	return nil
}

var bridgeNow = time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

func newTestBridge() (*Bridge, *DisabledSerialMux, *fakeRoster, *fakeQueue) {
	mux := NewDisabledSerialMux()
	roster := &fakeRoster{byAddr: map[string]uint32{"a1": 1}, nextID: 1}
	queue := &fakeQueue{}
	b := &Bridge{Mux: mux, Roster: roster, Queue: queue, Clock: timeutil.NewMockClock(bridgeNow)}
	return b, mux, roster, queue
}

func decodeSent(t *testing.T, line string) (string, station.OutboundConfig) {
	t.Helper()
	f := strings.Fields(line)
	require.Len(t, f, 3)
	require.Equal(t, "CFG", f[0])
	raw, err := hex.DecodeString(f[2])
	require.NoError(t, err)
	cfg, err := DecodeConfig(raw)
	require.NoError(t, err)
	return f[1], cfg
}

func TestBridge_Measurement(t *testing.T) {
	b, mux, _, queue := newTestBridge()
	ctx := context.Background()

	require.NoError(t, b.HandleLine(ctx, `{"type":"measurement","addr":"a1","index":9,"temp_c":20.5,"rh":48}`))
	require.NoError(t, b.HandleLine(ctx, `{"type":"upload","addr":"a1","first":3,"samples":[[1,2],[3,4]]}`))

	require.Len(t, queue.items, 3)
	assert.Equal(t, station.PendingItem{SensorID: 1, MeasurementIndex: 9, Payload: station.Reading{TemperatureC: 20.5, HumidityPct: 48}, ReceivedAt: bridgeNow}, queue.items[0])
	assert.Equal(t, uint32(4), queue.items[2].MeasurementIndex)
	assert.Empty(t, mux.Sent())
}

func TestBridge_UnknownAddressIsToldToRebind(t *testing.T) {
	b, mux, _, queue := newTestBridge()

	err := b.HandleLine(context.Background(), `{"type":"measurement","addr":"zz","index":1}`)
	assert.ErrorIs(t, err, station.ErrUnknownSensor)
	assert.Empty(t, queue.items)
	assert.Equal(t, []string{"UNBOUND zz"}, mux.Sent())
}

func TestBridge_State(t *testing.T) {
	b, _, _, queue := newTestBridge()

	require.NoError(t, b.HandleLine(context.Background(), `{"type":"state","addr":"a1","first":5,"count":3}`))
	assert.Equal(t, []station.StateReport{{SensorID: 1, FirstStoredIndex: 5, StoredCount: 3, ReceivedAt: bridgeNow}}, queue.states)
}

func TestBridge_BindRepliesWithConfig(t *testing.T) {
	b, mux, roster, _ := newTestBridge()

	require.NoError(t, b.HandleLine(context.Background(), `{"type":"bind","addr":"b2"}`))
	id, ok := roster.SensorIDForAddress("b2")
	require.True(t, ok)

	sent := mux.Sent()
	require.Len(t, sent, 1)
	addr, cfg := decodeSent(t, sent[0])
	assert.Equal(t, "b2", addr)
	assert.Equal(t, id, cfg.SensorID)
	assert.Equal(t, 30*time.Second, cfg.NextCommsDelay)

	roster.bindErr = errors.New("store down")
	assert.Error(t, b.HandleLine(context.Background(), `{"type":"bind","addr":"c3"}`))
	assert.Len(t, mux.Sent(), 1)
}

func TestBridge_ConfigRequest(t *testing.T) {
	b, mux, _, _ := newTestBridge()

	require.NoError(t, b.HandleLine(context.Background(), `{"type":"config","addr":"a1"}`))
	addr, cfg := decodeSent(t, mux.Sent()[0])
	assert.Equal(t, "a1", addr)
	assert.Equal(t, uint32(1), cfg.SensorID)
}

func TestBridge_Malformed(t *testing.T) {
	b, mux, _, queue := newTestBridge()

	assert.ErrorIs(t, b.HandleLine(context.Background(), "garbage"), ErrMalformedFrame)
	assert.Empty(t, queue.items)
	assert.Empty(t, mux.Sent())
}

func TestBridge_Run(t *testing.T) {
	b, mux, _, queue := newTestBridge()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	// Run subscribes asynchronously; keep injecting until the line lands.
	require.Eventually(t, func() bool {
		mux.Inject(`{"type":"state","addr":"a1","first":1,"count":1}`)
		queue.mu.Lock()
		defer queue.mu.Unlock()
		return len(queue.states) > 0
	}, time.Second, 5*time.Millisecond)

	queue.mu.Lock()
	queue.err = station.ErrShutdown
	queue.mu.Unlock()
	mux.Inject(`{"type":"state","addr":"a1","first":1,"count":1}`)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, station.ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop when the queue shut down")
	}
}
