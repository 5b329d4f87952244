package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/basestation/internal/schedule"
	"github.com/banshee-data/basestation/internal/station"
)

var _ station.Store = (*DB)(nil)

func unixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// LoadConfigHistory returns the newest schedule.MaxHistory cadence entries,
// oldest first.
func (db *DB) LoadConfigHistory(ctx context.Context) ([]schedule.TimeConfig, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT baseline_time_ns, baseline_index, measurement_period_ns, comms_period_ns
		FROM (
			SELECT * FROM time_configs ORDER BY config_id DESC LIMIT ?
		)
		ORDER BY config_id ASC`, schedule.MaxHistory)
	if err != nil {
		return nil, fmt.Errorf("query time_configs: %w", err)
	}
	defer rows.Close()

	var out []schedule.TimeConfig
	for rows.Next() {
		var (
			baselineNs, measureNs, commsNs int64
			c                              schedule.TimeConfig
		)
		if err := rows.Scan(&baselineNs, &c.BaselineIndex, &measureNs, &commsNs); err != nil {
			return nil, err
		}
		c.BaselineTimePoint = unixNano(baselineNs)
		c.MeasurementPeriod = time.Duration(measureNs)
		c.CommsPeriod = time.Duration(commsNs)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *DB) AppendConfigHistory(ctx context.Context, c schedule.TimeConfig) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO time_configs (baseline_time_ns, baseline_index, measurement_period_ns, comms_period_ns)
		VALUES (?, ?, ?, ?)`,
		nanos(c.BaselineTimePoint), c.BaselineIndex, int64(c.MeasurementPeriod), int64(c.CommsPeriod))
	if err != nil {
		return fmt.Errorf("insert time_config: %w", err)
	}
	return nil
}

// PersistMeasurement upserts so that a re-sent sample is not an error.
func (db *DB) PersistMeasurement(ctx context.Context, m station.Measurement) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO measurements (sensor_id, measurement_index, assigned_at_ns, temperature_c, humidity_pct)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (sensor_id, measurement_index) DO UPDATE SET
			assigned_at_ns = excluded.assigned_at_ns,
			temperature_c  = excluded.temperature_c,
			humidity_pct   = excluded.humidity_pct`,
		m.SensorID, m.Index, nanos(m.AssignedAt), m.TemperatureC, m.HumidityPct)
	if err != nil {
		return fmt.Errorf("insert measurement: %w", err)
	}
	return nil
}

func (db *DB) StoredIndices(ctx context.Context, sensorID, floor uint32) ([]uint32, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT measurement_index FROM measurements
		WHERE sensor_id = ? AND measurement_index > ?
		ORDER BY measurement_index`, sensorID, floor)
	if err != nil {
		return nil, fmt.Errorf("query stored indices: %w", err)
	}
	defer rows.Close()

	var out []uint32
	for rows.Next() {
		var i uint32
		if err := rows.Scan(&i); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// QueryRange returns samples whose assigned time lies within [from, to].
func (db *DB) QueryRange(ctx context.Context, sensorID uint32, from, to time.Time) ([]station.Measurement, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT measurement_index, assigned_at_ns, temperature_c, humidity_pct
		FROM measurements
		WHERE sensor_id = ? AND assigned_at_ns BETWEEN ? AND ?
		ORDER BY assigned_at_ns, measurement_index`, sensorID, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer rows.Close()

	var out []station.Measurement
	for rows.Next() {
		m := station.Measurement{SensorID: sensorID}
		var assignedNs int64
		if err := rows.Scan(&m.Index, &assignedNs, &m.TemperatureC, &m.HumidityPct); err != nil {
			return nil, err
		}
		m.AssignedAt = unixNano(assignedNs)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (db *DB) LoadSensors(ctx context.Context) ([]station.Sensor, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sensor_id, uid, address, bound_at_ns, pruned_floor, first_stored_index, stored_count, last_seen_ns
		FROM sensors ORDER BY sensor_id`)
	if err != nil {
		return nil, fmt.Errorf("query sensors: %w", err)
	}
	defer rows.Close()

	var out []station.Sensor
	for rows.Next() {
		var (
			s                   station.Sensor
			boundNs, lastSeenNs int64
		)
		if err := rows.Scan(&s.ID, &s.UID, &s.Address, &boundNs, &s.PrunedFloor, &s.FirstStoredIndex, &s.StoredCount, &lastSeenNs); err != nil {
			return nil, err
		}
		s.BoundAt = unixNano(boundNs)
		s.LastSeen = unixNano(lastSeenNs)
		out = append(out, s)
	}
	return out, rows.Err()
}

// NextSensorID bumps the persisted sequence in one statement, so binds from
// the CLI and a running service never hand out the same ID.
func (db *DB) NextSensorID(ctx context.Context) (uint32, error) {
	var id uint32
	err := db.QueryRowContext(ctx, `
		UPDATE sensor_id_seq SET last_id = last_id + 1
		WHERE singleton = 1
		RETURNING last_id`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("next sensor id: %w", err)
	}
	return id, nil
}

func (db *DB) SaveSensor(ctx context.Context, s station.Sensor) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sensors (sensor_id, uid, address, bound_at_ns, pruned_floor, first_stored_index, stored_count, last_seen_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UID, s.Address, nanos(s.BoundAt), s.PrunedFloor, s.FirstStoredIndex, s.StoredCount, nanos(s.LastSeen))
	if err != nil {
		return fmt.Errorf("insert sensor: %w", err)
	}
	return nil
}

func (db *DB) DeleteSensor(ctx context.Context, sensorID uint32) error {
	res, err := db.ExecContext(ctx, `DELETE FROM sensors WHERE sensor_id = ?`, sensorID)
	if err != nil {
		return fmt.Errorf("delete sensor: %w", err)
	}
	return expectOne(res, sensorID)
}

func (db *DB) UpdateSensorStorage(ctx context.Context, s station.Sensor) error {
	res, err := db.ExecContext(ctx, `
		UPDATE sensors
		SET pruned_floor = ?, first_stored_index = ?, stored_count = ?, last_seen_ns = ?
		WHERE sensor_id = ?`,
		s.PrunedFloor, s.FirstStoredIndex, s.StoredCount, nanos(s.LastSeen), s.ID)
	if err != nil {
		return fmt.Errorf("update sensor storage: %w", err)
	}
	return expectOne(res, s.ID)
}

func expectOne(res sql.Result, sensorID uint32) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sensor %d: %w", sensorID, sql.ErrNoRows)
	}
	return nil
}
