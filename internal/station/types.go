// Package station is the base station's measurement engine: it owns the
// cadence history, the comms scheduler and per-sensor confirmation state,
// and drains received measurements into durable storage.
package station

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/basestation/internal/schedule"
)

var (
	// ErrUnknownSensor is returned for reports from a sensor that is not in
	// the roster. Such reports are dropped.
	ErrUnknownSensor = errors.New("unknown sensor")

	// ErrPersistence wraps store failures. The affected batch is retried.
	ErrPersistence = errors.New("persistence failed")

	// ErrShutdown is returned by Enqueue once the pipeline has stopped.
	ErrShutdown = errors.New("pipeline stopped")

	// ErrNotConfigured is returned when no cadence has been set yet.
	ErrNotConfigured = errors.New("no cadence configured")
)

// Reading is the payload of one sample.
type Reading struct {
	TemperatureC float64 `json:"temperature_c"`
	HumidityPct  float64 `json:"humidity_pct"`
}

// PendingItem is a received measurement waiting to be persisted.
type PendingItem struct {
	SensorID         uint32
	MeasurementIndex uint32
	Payload          Reading
	ReceivedAt       time.Time
}

// StateReport carries what a sensor says is still held in its own flash.
// Anything older than FirstStoredIndex can never be uploaded again.
type StateReport struct {
	SensorID         uint32
	FirstStoredIndex uint32
	StoredCount      uint32
	ReceivedAt       time.Time
}

// Measurement is a persisted sample with its schedule-assigned time.
type Measurement struct {
	SensorID   uint32    `json:"sensor_id"`
	Index      uint32    `json:"index"`
	AssignedAt time.Time `json:"assigned_at"`
	Reading
}

// Sensor is a roster record.
type Sensor struct {
	ID      uint32    `json:"id"`
	UID     string    `json:"uid"`
	Address string    `json:"address"`
	BoundAt time.Time `json:"bound_at"`

	// PrunedFloor is the confirmed base recorded the last time the
	// sensor's storage range was applied. Startup rebuilds from it.
	PrunedFloor      uint32    `json:"pruned_floor"`
	FirstStoredIndex uint32    `json:"first_stored_index"`
	StoredCount      uint32    `json:"stored_count"`
	LastSeen         time.Time `json:"last_seen"`
}

func (s Sensor) String() string {
	return fmt.Sprintf("sensor %d (%s)", s.ID, s.Address)
}

// SensorStatus is a point-in-time view of a sensor for reporting.
type SensorStatus struct {
	Sensor
	Ordinal        int      `json:"ordinal"`
	ConfirmedBase  uint32   `json:"confirmed_base"`
	ConfirmedAbove []uint32 `json:"confirmed_above"`
}

// OutboundConfig is what a sensor is told at the end of its comms slot.
type OutboundConfig struct {
	SensorID             uint32             `json:"sensor_id"`
	NextCommsDelay       time.Duration      `json:"next_comms_delay"`
	CommsPeriod          time.Duration      `json:"comms_period"`
	NextMeasurementDelay time.Duration      `json:"next_measurement_delay"`
	NextMeasurementIndex uint32             `json:"next_measurement_index"`
	MeasurementPeriod    time.Duration      `json:"measurement_period"`
	LastConfirmedIndex   uint32             `json:"last_confirmed_index"`
	Slot                 schedule.CommsSlot `json:"slot"`
}

// ScheduleStatus summarises the time base for reporting.
type ScheduleStatus struct {
	History           []schedule.TimeConfig `json:"history"`
	ActualCommsPeriod time.Duration         `json:"actual_comms_period"`
	NextRound         time.Time             `json:"next_round"`
	SensorCount       int                   `json:"sensor_count"`
}
