package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/basestation/internal/config"
	"github.com/banshee-data/basestation/internal/schedule"
	"github.com/banshee-data/basestation/internal/security"
	"github.com/banshee-data/basestation/internal/station"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o644)
}

func TestCLI_SQLiteRoundTrip(t *testing.T) {
	dbFile := filepath.Join(t.TempDir(), "station.db")

	out, err := run(t, "--db", dbFile, "cadence", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "no cadence configured")

	out, err = run(t, "--db", dbFile, "cadence", "set", "--measurement", "1m", "--comms", "10m")
	require.NoError(t, err)
	assert.Contains(t, out, "measure every 1m0s")

	_, err = run(t, "--db", dbFile, "cadence", "set", "--measurement", "1s")
	assert.ErrorIs(t, err, schedule.ErrInvalidPeriod)

	out, err = run(t, "--db", dbFile, "sensors", "bind", "radio-7")
	require.NoError(t, err)
	assert.Contains(t, out, "bound sensor 1 (radio-7)")

	out, err = run(t, "--db", dbFile, "sensors", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "radio-7")

	out, err = run(t, "--db", dbFile, "cadence", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "1 sensors, comms round every 10m0s")

	out, err = run(t, "--db", dbFile, "export", "1", "--out", "-")
	require.NoError(t, err)
	assert.Equal(t, "sensor_id,index,assigned_at,temperature_c,humidity_pct\n", out)

	csvFile := filepath.Join(t.TempDir(), "export.csv")
	out, err = run(t, "--db", dbFile, "export", "1", "--out", csvFile)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 0 measurements")
	_, err = run(t, "--db", dbFile, "export", "1", "--out", "/etc/basestation-export.csv")
	assert.ErrorIs(t, err, security.ErrOutsideAllowedDirs)

	_, err = run(t, "--db", dbFile, "sensors", "unbind", "1")
	require.NoError(t, err)
	_, err = run(t, "--db", dbFile, "sensors", "unbind", "1")
	assert.ErrorIs(t, err, station.ErrUnknownSensor)
	_, err = run(t, "--db", dbFile, "sensors", "unbind", "x")
	assert.Error(t, err)

	out, err = run(t, "--db", dbFile, "migrate", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "(clean)")
}

func TestWriteCSV(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, writeCSV(&buf, []station.Measurement{
		{SensorID: 2, Index: 40, AssignedAt: at, Reading: station.Reading{TemperatureC: 21.456, HumidityPct: 40}},
	}))
	assert.Equal(t, "sensor_id,index,assigned_at,temperature_c,humidity_pct\n2,40,2026-03-01T12:00:00Z,21.46,40.00\n", buf.String())
}

func TestCLI_MigrateRequiresSQLite(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "station.yaml")
	require.NoError(t, writeConfig(cfgFile, "storage:\n  backend: badger\n  path: "+filepath.Join(t.TempDir(), "kv")+"\n"))

	_, err := run(t, "--config", cfgFile, "migrate", "up")
	assert.ErrorIs(t, err, errNotSQLite)

	out, err := run(t, "--config", cfgFile, "sensors", "bind", "radio-1")
	require.NoError(t, err, out)
	assert.Contains(t, out, "bound sensor 1")
}

func TestServe_StartsAndStops(t *testing.T) {
	configPath, dbPath = "", ""
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.HealthListen = "127.0.0.1:0"
	cfg.Radio.Disabled = true
	cfg.Storage.Path = filepath.Join(t.TempDir(), "serve.db")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, serve(ctx, cfg))

	// The configured cadence was recorded on first start.
	b, err := openBackend(cfg.Storage)
	require.NoError(t, err)
	defer b.Close()
	history, err := b.LoadConfigHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 5*time.Minute, history[0].MeasurementPeriod)
}

func TestApplyCadence_SkipsUnchanged(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "cadence.db")
	b, err := openBackend(cfg.Storage)
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	e := station.NewEngine(b, station.Options{})
	require.NoError(t, e.Load(ctx))

	c := schedule.Cadence{MeasurementPeriod: time.Minute, CommsPeriod: 10 * time.Minute}
	require.NoError(t, applyCadence(ctx, e, c))
	require.NoError(t, applyCadence(ctx, e, c))
	assert.Len(t, e.History(), 1)

	c.CommsPeriod = 20 * time.Minute
	require.NoError(t, applyCadence(ctx, e, c))
	assert.Len(t, e.History(), 2)
}
