package kvstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/schedule"
	"github.com/banshee-data/basestation/internal/station"
)

// Key layout. Integers are big-endian so that byte order is numeric order.
//
//	cfg/<seq u64>                 -> TimeConfig
//	sensor/<id u32>               -> Sensor
//	m/<sensor u32><index u32>     -> Measurement
//	seq/sensor                    -> last allocated sensor id (u32)
var (
	prefixConfig      = []byte("cfg/")
	prefixSensor      = []byte("sensor/")
	prefixMeasurement = []byte("m/")
	keyConfigSeq      = []byte("seq/cfg")
	keySensorSeq      = []byte("seq/sensor")
)

// maxKeySuffix sorts after any id or index suffix.
var maxKeySuffix = bytes.Repeat([]byte{0xFF}, 9)

// ErrNotFound is returned when updating or deleting a missing sensor.
var ErrNotFound = errors.New("not found")

// Store implements station.Store on badger.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
	gc  *gcRunner
}

var _ station.Store = (*Store)(nil)

// Open opens or creates a store.
func Open(cfg Config) (*Store, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence(keyConfigSeq, 16)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("config sequence: %w", err)
	}

	s := &Store{db: db, seq: seq}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = &gcRunner{
			db:       db,
			interval: cfg.GCInterval,
			ratio:    cfg.GCDiscardRatio,
			stopCh:   make(chan struct{}),
			doneCh:   make(chan struct{}),
		}
		s.gc.start()
	}
	return s, nil
}

// Close stops GC, returns unused sequence leases and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	if err := s.seq.Release(); err != nil {
		monitoring.Logf("[badger] release sequence: %v", err)
	}
	return s.db.Close()
}

func u32(b []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(b, v) }

func sensorKey(id uint32) []byte {
	return u32(slices.Clone(prefixSensor), id)
}

func sensorMeasurementPrefix(id uint32) []byte {
	return u32(slices.Clone(prefixMeasurement), id)
}

func measurementKey(sensorID, index uint32) []byte {
	return u32(sensorMeasurementPrefix(sensorID), index)
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

func (s *Store) LoadConfigHistory(_ context.Context) ([]schedule.TimeConfig, error) {
	var out []schedule.TimeConfig
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefixConfig
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(slices.Clone(prefixConfig), 0xFF)
		for it.Seek(seek); it.Valid() && len(out) < schedule.MaxHistory; it.Next() {
			var c schedule.TimeConfig
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &c) }); err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	slices.Reverse(out)
	return out, err
}

func (s *Store) AppendConfigHistory(_ context.Context, c schedule.TimeConfig) error {
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("next config sequence: %w", err)
	}
	key := binary.BigEndian.AppendUint64(slices.Clone(prefixConfig), n)
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, key, c)
	})
}

func (s *Store) PersistMeasurement(_ context.Context, m station.Measurement) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, measurementKey(m.SensorID, m.Index), m)
	})
}

func (s *Store) StoredIndices(_ context.Context, sensorID, floor uint32) ([]uint32, error) {
	prefix := sensorMeasurementPrefix(sensorID)
	var out []uint32
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(measurementKey(sensorID, floor+1)); it.Valid(); it.Next() {
			key := it.Item().Key()
			out = append(out, binary.BigEndian.Uint32(key[len(prefix):]))
		}
		return nil
	})
	return out, err
}

// QueryRange scans the sensor's measurements in index order and keeps those
// assigned within [from, to]. Assigned time is monotonic in index, so the
// scan stops at the first sample past to.
func (s *Store) QueryRange(_ context.Context, sensorID uint32, from, to time.Time) ([]station.Measurement, error) {
	var out []station.Measurement
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sensorMeasurementPrefix(sensorID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var m station.Measurement
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				return err
			}
			if m.AssignedAt.After(to) {
				break
			}
			if !m.AssignedAt.Before(from) {
				out = append(out, m)
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) LoadSensors(_ context.Context) ([]station.Sensor, error) {
	var out []station.Sensor
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = s.sensorsIn(txn)
		return err
	})
	return out, err
}

// NextSensorID bumps a counter kept beside the roster. A store written
// before the counter existed is seeded past every sensor and measurement
// key, so IDs of unbound sensors are not handed out again.
func (s *Store) NextSensorID(_ context.Context) (uint32, error) {
	var id uint32
	err := s.db.Update(func(txn *badger.Txn) error {
		last, err := lastSensorID(txn)
		if err != nil {
			return err
		}
		id = last + 1
		return txn.Set(slices.Clone(keySensorSeq), binary.BigEndian.AppendUint32(nil, id))
	})
	if err != nil {
		return 0, fmt.Errorf("next sensor id: %w", err)
	}
	return id, nil
}

func lastSensorID(txn *badger.Txn) (uint32, error) {
	item, err := txn.Get(keySensorSeq)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return max(highestID(txn, prefixSensor), highestID(txn, prefixMeasurement)), nil
	} else if err != nil {
		return 0, err
	}
	var last uint32
	err = item.Value(func(v []byte) error {
		if len(v) != 4 {
			return fmt.Errorf("sensor sequence has %d bytes", len(v))
		}
		last = binary.BigEndian.Uint32(v)
		return nil
	})
	return last, err
}

// highestID returns the largest sensor id leading a key under prefix.
func highestID(txn *badger.Txn, prefix []byte) uint32 {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(append(slices.Clone(prefix), maxKeySuffix...))
	if !it.Valid() {
		return 0
	}
	key := it.Item().Key()
	if len(key) < len(prefix)+4 {
		return 0
	}
	return binary.BigEndian.Uint32(key[len(prefix):])
}

func (s *Store) SaveSensor(_ context.Context, sn station.Sensor) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(sensorKey(sn.ID)); err == nil {
			return fmt.Errorf("sensor %d already exists", sn.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		existing, err := s.sensorsIn(txn)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.Address == sn.Address {
				return fmt.Errorf("address %q already bound to sensor %d", sn.Address, e.ID)
			}
		}
		return putJSON(txn, sensorKey(sn.ID), sn)
	})
}

func (s *Store) sensorsIn(txn *badger.Txn) ([]station.Sensor, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefixSensor
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []station.Sensor
	for it.Rewind(); it.Valid(); it.Next() {
		var sn station.Sensor
		if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &sn) }); err != nil {
			return nil, err
		}
		out = append(out, sn)
	}
	return out, nil
}

func (s *Store) DeleteSensor(_ context.Context, sensorID uint32) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := sensorKey(sensorID)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("sensor %d: %w", sensorID, ErrNotFound)
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

func (s *Store) UpdateSensorStorage(_ context.Context, sn station.Sensor) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := sensorKey(sn.ID)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("sensor %d: %w", sn.ID, ErrNotFound)
		} else if err != nil {
			return err
		}
		var cur station.Sensor
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &cur) }); err != nil {
			return err
		}
		cur.PrunedFloor = sn.PrunedFloor
		cur.FirstStoredIndex = sn.FirstStoredIndex
		cur.StoredCount = sn.StoredCount
		cur.LastSeen = sn.LastSeen
		return putJSON(txn, key, cur)
	})
}
