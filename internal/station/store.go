package station

import (
	"context"
	"time"

	"github.com/banshee-data/basestation/internal/confirm"
	"github.com/banshee-data/basestation/internal/schedule"
)

// Store is the durable side of the engine. Implementations live in
// internal/db (SQLite) and internal/kvstore (badger).
type Store interface {
	LoadConfigHistory(ctx context.Context) ([]schedule.TimeConfig, error)
	AppendConfigHistory(ctx context.Context, cfg schedule.TimeConfig) error

	// PersistMeasurement stores one sample. Storing the same sensor and
	// index twice must not fail.
	PersistMeasurement(ctx context.Context, m Measurement) error
	// StoredIndices lists the stored indices of a sensor above floor.
	StoredIndices(ctx context.Context, sensorID, floor uint32) ([]uint32, error)
	QueryRange(ctx context.Context, sensorID uint32, from, to time.Time) ([]Measurement, error)

	// NextSensorID allocates a sensor ID from a persisted sequence. An ID
	// is never handed out twice, even after its sensor is unbound, since
	// the sensor's measurements stay keyed by it.
	NextSensorID(ctx context.Context) (uint32, error)
	LoadSensors(ctx context.Context) ([]Sensor, error)
	// SaveSensor inserts a new roster record. It fails if the ID or the
	// address is already bound.
	SaveSensor(ctx context.Context, s Sensor) error
	DeleteSensor(ctx context.Context, sensorID uint32) error
	UpdateSensorStorage(ctx context.Context, s Sensor) error
}

// LoadConfirmedState rebuilds a sensor's tracker from what the store holds
// above its pruned floor.
func LoadConfirmedState(ctx context.Context, store Store, s Sensor) (*confirm.Tracker, error) {
	stored, err := store.StoredIndices(ctx, s.ID, s.PrunedFloor)
	if err != nil {
		return nil, err
	}
	return confirm.Rebuild(s.PrunedFloor, stored), nil
}
