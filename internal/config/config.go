// Package config loads the base station's service configuration.
//
// Files may be YAML or JSON; JSON is parsed as YAML. Durations are Go
// duration strings such as "30s" or "5m". Omitted fields take the values
// from Default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/basestation/internal/influx"
	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/schedule"
	"github.com/banshee-data/basestation/internal/serialmux"
	"github.com/banshee-data/basestation/internal/station"
)

// DefaultConfigPath is where serve looks when --config is not given.
const DefaultConfigPath = "/etc/basestation/basestation.yaml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Duration is a time.Duration read from a duration string.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"30s\"", n.Line)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type StorageConfig struct {
	// Backend selects the Store implementation.
	Backend string `yaml:"backend" json:"backend" validate:"oneof=sqlite badger"`
	Path    string `yaml:"path" json:"path" validate:"required"`
}

type RadioConfig struct {
	Port     string                `yaml:"port" json:"port" validate:"required_unless=Disabled true"`
	Disabled bool                  `yaml:"disabled" json:"disabled"`
	Serial   serialmux.PortOptions `yaml:"serial" json:"serial"`
}

// CadenceConfig is the cadence applied at startup and on reload when it
// differs from the active one.
type CadenceConfig struct {
	MeasurementPeriod Duration `yaml:"measurement_period" json:"measurement_period"`
	CommsPeriod       Duration `yaml:"comms_period" json:"comms_period"`
}

func (c CadenceConfig) Cadence() schedule.Cadence {
	return schedule.Cadence{MeasurementPeriod: c.MeasurementPeriod.Std(), CommsPeriod: c.CommsPeriod.Std()}
}

type ScheduleConfig struct {
	SlotDuration      Duration `yaml:"slot_duration" json:"slot_duration"`
	MeasurementJitter Duration `yaml:"measurement_jitter" json:"measurement_jitter"`
}

type PipelineConfig struct {
	TickInterval    Duration `yaml:"tick_interval" json:"tick_interval"`
	RefreshInterval Duration `yaml:"refresh_interval" json:"refresh_interval"`
}

type Config struct {
	Listen       string `yaml:"listen" json:"listen" validate:"required,hostname_port"`
	HealthListen string `yaml:"health_listen" json:"health_listen" validate:"omitempty,hostname_port"`
	// StationName tags mirrored points.
	StationName string `yaml:"station_name" json:"station_name"`

	Storage  StorageConfig             `yaml:"storage" json:"storage"`
	Radio    RadioConfig               `yaml:"radio" json:"radio"`
	Cadence  CadenceConfig             `yaml:"cadence" json:"cadence"`
	Schedule ScheduleConfig            `yaml:"schedule" json:"schedule"`
	Pipeline PipelineConfig            `yaml:"pipeline" json:"pipeline"`
	Log      monitoring.LogFileOptions `yaml:"log" json:"log"`
	Influx   *influx.Config            `yaml:"influx,omitempty" json:"influx,omitempty"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	return &Config{
		Listen:       "0.0.0.0:8080",
		HealthListen: "0.0.0.0:9090",
		Storage:      StorageConfig{Backend: "sqlite", Path: "basestation.db"},
		Radio:        RadioConfig{Port: "/dev/ttyUSB0"},
		Cadence: CadenceConfig{
			MeasurementPeriod: Duration(5 * time.Minute),
			CommsPeriod:       Duration(15 * time.Minute),
		},
		Schedule: ScheduleConfig{
			SlotDuration:      Duration(schedule.DefaultSlotDuration),
			MeasurementJitter: Duration(schedule.DefaultMeasurementJitter),
		},
		Pipeline: PipelineConfig{
			TickInterval:    Duration(station.DefaultTickInterval),
			RefreshInterval: Duration(station.DefaultRefreshInterval),
		},
	}
}

// Load reads a config file. The file must have a .yaml, .yml or .json
// extension and be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("config file must have .yaml, .yml or .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML or JSON document over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that the cadence would be accepted.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q check", fe.Namespace(), fe.Tag())
		}
		return err
	}
	if err := c.Cadence.Cadence().Validate(); err != nil {
		return err
	}
	if !c.Radio.Disabled {
		if _, err := c.Radio.Serial.Normalize(); err != nil {
			return fmt.Errorf("radio.serial: %w", err)
		}
	}
	for name, d := range map[string]Duration{
		"schedule.slot_duration":      c.Schedule.SlotDuration,
		"schedule.measurement_jitter": c.Schedule.MeasurementJitter,
		"pipeline.tick_interval":      c.Pipeline.TickInterval,
		"pipeline.refresh_interval":   c.Pipeline.RefreshInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d.Std())
		}
	}
	return nil
}

// EngineOptions converts the schedule section for station.NewEngine.
func (c *Config) EngineOptions() station.Options {
	return station.Options{
		SlotDuration:      c.Schedule.SlotDuration.Std(),
		MeasurementJitter: c.Schedule.MeasurementJitter.Std(),
	}
}

// PipelineOptions converts the pipeline section for station.NewPipeline.
func (c *Config) PipelineOptions() station.PipelineOptions {
	return station.PipelineOptions{
		TickInterval:    c.Pipeline.TickInterval.Std(),
		RefreshInterval: c.Pipeline.RefreshInterval.Std(),
	}
}
