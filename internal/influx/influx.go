// Package influx mirrors persisted measurements into an InfluxDB bucket so
// they can be graphed alongside other site telemetry. SQLite stays the
// system of record; the mirror is best effort.
package influx

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/station"
)

// Measurement is the InfluxDB measurement name readings are written under.
const Measurement = "sensor_reading"

var ErrNotReady = errors.New("influxdb not ready")

// Config selects the InfluxDB instance and bucket.
type Config struct {
	URL    string `yaml:"url" json:"url" validate:"required,url"`
	Token  string `yaml:"token" json:"token"`
	Org    string `yaml:"org" json:"org" validate:"required"`
	Bucket string `yaml:"bucket" json:"bucket" validate:"required"`

	// Station tags every point so several base stations can share a bucket.
	Station string `yaml:"station" json:"station"`
}

// Mirror is a station.Observer writing each persisted measurement as a
// point. Writes are batched by the client's non-blocking WriteAPI.
type Mirror struct {
	client  influxdb2.Client
	write   api.WriteAPI
	station string
	done    chan struct{}
}

// New connects to InfluxDB and checks its health before returning.
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(100).SetFlushInterval(1000))

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("%w: status %s", ErrNotReady, health.Status)
	}

	m := &Mirror{
		client:  client,
		write:   client.WriteAPI(cfg.Org, cfg.Bucket),
		station: cfg.Station,
		done:    make(chan struct{}),
	}
	go m.logErrors()
	return m, nil
}

func (m *Mirror) logErrors() {
	errs := m.write.Errors()
	for {
		select {
		case err, ok := <-errs:
			if !ok {
				return
			}
			monitoring.Logf("[influx] write failed: %v", err)
		case <-m.done:
			return
		}
	}
}

func (m *Mirror) MeasurementPersisted(ms station.Measurement) {
	tags := map[string]string{
		"sensor": strconv.FormatUint(uint64(ms.SensorID), 10),
	}
	if m.station != "" {
		tags["station"] = m.station
	}
	m.write.WritePoint(influxdb2.NewPoint(
		Measurement,
		tags,
		map[string]interface{}{
			"index":         int64(ms.Index),
			"temperature_c": ms.TemperatureC,
			"humidity_pct":  ms.HumidityPct,
		},
		ms.AssignedAt,
	))
}

func (m *Mirror) SensorBound(station.Sensor) {}

// Flush writes any buffered points.
func (m *Mirror) Flush() {
	m.write.Flush()
}

// Close flushes and releases the client.
func (m *Mirror) Close() {
	m.write.Flush()
	close(m.done)
	m.client.Close()
}

func waitTimeout(ctx context.Context, d time.Duration, fn func()) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the mirror, giving up after d if InfluxDB is unresponsive.
func (m *Mirror) Shutdown(ctx context.Context, d time.Duration) error {
	return waitTimeout(ctx, d, m.Close)
}
