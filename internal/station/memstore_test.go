package station

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/basestation/internal/schedule"
)

var (
	errStoreDown = errors.New("disk I/O error")
	errNoSensor  = errors.New("no such sensor")
)

type key struct{ sensor, index uint32 }

// memStore is an in-memory Store with injectable failures.
type memStore struct {
	mu       sync.Mutex
	history  []schedule.TimeConfig
	sensors  map[uint32]Sensor
	rows     map[key]Measurement
	order    []key
	lastID   uint32
	failNext int
	failOn   func(m Measurement) bool
	// failStorage fails that many UpdateSensorStorage calls.
	failStorage int
}

func newMemStore() *memStore {
	return &memStore{
		sensors: make(map[uint32]Sensor),
		rows:    make(map[key]Measurement),
	}
}

func (s *memStore) LoadConfigHistory(context.Context) ([]schedule.TimeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schedule.TimeConfig(nil), s.history...), nil
}

func (s *memStore) AppendConfigHistory(_ context.Context, cfg schedule.TimeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errStoreDown
	}
	s.history = append(s.history, cfg)
	return nil
}

func (s *memStore) PersistMeasurement(_ context.Context, m Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errStoreDown
	}
	if s.failOn != nil && s.failOn(m) {
		return errStoreDown
	}
	k := key{m.SensorID, m.Index}
	if _, ok := s.rows[k]; !ok {
		s.order = append(s.order, k)
	}
	s.rows[k] = m
	return nil
}

func (s *memStore) StoredIndices(_ context.Context, sensorID, floor uint32) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint32
	for k := range s.rows {
		if k.sensor == sensorID && k.index > floor {
			out = append(out, k.index)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *memStore) QueryRange(_ context.Context, sensorID uint32, from, to time.Time) ([]Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Measurement
	for _, m := range s.rows {
		if m.SensorID == sensorID && !m.AssignedAt.Before(from) && !m.AssignedAt.After(to) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *memStore) LoadSensors(context.Context) ([]Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sensor, 0, len(s.sensors))
	for _, sn := range s.sensors {
		out = append(out, sn)
	}
	return out, nil
}

func (s *memStore) NextSensorID(context.Context) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	return s.lastID, nil
}

func (s *memStore) SaveSensor(_ context.Context, sn Sensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sensors[sn.ID]; ok {
		return fmt.Errorf("sensor %d already exists", sn.ID)
	}
	for _, e := range s.sensors {
		if e.Address == sn.Address {
			return fmt.Errorf("address %q already bound to sensor %d", sn.Address, e.ID)
		}
	}
	s.sensors[sn.ID] = sn
	return nil
}

func (s *memStore) DeleteSensor(_ context.Context, id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sensors[id]; !ok {
		return errNoSensor
	}
	delete(s.sensors, id)
	return nil
}

func (s *memStore) UpdateSensorStorage(_ context.Context, sn Sensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStorage > 0 {
		s.failStorage--
		return errStoreDown
	}
	cur, ok := s.sensors[sn.ID]
	if !ok {
		return errNoSensor
	}
	cur.PrunedFloor = sn.PrunedFloor
	cur.FirstStoredIndex = sn.FirstStoredIndex
	cur.StoredCount = sn.StoredCount
	cur.LastSeen = sn.LastSeen
	s.sensors[sn.ID] = cur
	return nil
}

func (s *memStore) sensor(id uint32) (Sensor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn, ok := s.sensors[id]
	return sn, ok
}

// persistOrder returns the indices of sensorID in first-write order.
func (s *memStore) persistOrder(sensorID uint32) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint32
	for _, k := range s.order {
		if k.sensor == sensorID {
			out = append(out, k.index)
		}
	}
	return out
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *memStore) row(sensorID, index uint32) (Measurement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[key{sensorID, index}]
	return m, ok
}

// recorder is an Observer that keeps what it saw.
type recorder struct {
	mu        sync.Mutex
	persisted []Measurement
	bound     []Sensor
}

func (r *recorder) MeasurementPersisted(m Measurement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted = append(r.persisted, m)
}

func (r *recorder) SensorBound(s Sensor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound = append(r.bound, s)
}
