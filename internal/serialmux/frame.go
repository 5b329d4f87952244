package serialmux

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/basestation/internal/station"
)

// Frame types reported by the radio module, one JSON object per line.
const (
	FrameMeasurement = "measurement"
	FrameUpload      = "upload"
	FrameState       = "state"
	FrameBind        = "bind"
	FrameConfig      = "config"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a decoded line from the radio module. Which fields are set
// depends on Type:
//
//	measurement  Index, TemperatureC, HumidityPct
//	upload       First, Samples (consecutive indices from First)
//	state        First, Count
//	bind, config no payload
type Frame struct {
	Type         string       `json:"type"`
	Address      string       `json:"addr"`
	Index        uint32       `json:"index,omitempty"`
	TemperatureC float64      `json:"temp_c,omitempty"`
	HumidityPct  float64      `json:"rh,omitempty"`
	First        uint32       `json:"first,omitempty"`
	Count        uint32       `json:"count,omitempty"`
	Samples      [][2]float64 `json:"samples,omitempty"`
}

// ParseFrame decodes one line. Lines that are not JSON objects, lack an
// address or carry an unknown type are rejected with ErrMalformedFrame.
func ParseFrame(line string) (Frame, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Frame{}, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}
	var f Frame
	if err := json.Unmarshal([]byte(line), &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Address == "" {
		return Frame{}, fmt.Errorf("%w: missing addr", ErrMalformedFrame)
	}
	switch f.Type {
	case FrameMeasurement, FrameUpload, FrameState, FrameBind, FrameConfig:
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return f, nil
}

// Items expands a measurement or upload frame into pending items.
func (f Frame) Items(sensorID uint32, receivedAt time.Time) []station.PendingItem {
	switch f.Type {
	case FrameMeasurement:
		return []station.PendingItem{{
			SensorID:         sensorID,
			MeasurementIndex: f.Index,
			Payload:          station.Reading{TemperatureC: f.TemperatureC, HumidityPct: f.HumidityPct},
			ReceivedAt:       receivedAt,
		}}
	case FrameUpload:
		items := make([]station.PendingItem, len(f.Samples))
		for i, s := range f.Samples {
			items[i] = station.PendingItem{
				SensorID:         sensorID,
				MeasurementIndex: f.First + uint32(i),
				Payload:          station.Reading{TemperatureC: s[0], HumidityPct: s[1]},
				ReceivedAt:       receivedAt,
			}
		}
		return items
	}
	return nil
}

// Field numbers of the config message sent to sensors. Durations travel as
// whole milliseconds.
const (
	fieldSensorID             protowire.Number = 1
	fieldNextCommsDelay       protowire.Number = 2
	fieldCommsPeriod          protowire.Number = 3
	fieldNextMeasurementDelay protowire.Number = 4
	fieldNextMeasurementIndex protowire.Number = 5
	fieldMeasurementPeriod    protowire.Number = 6
	fieldLastConfirmedIndex   protowire.Number = 7
)

func millis(d time.Duration) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d / time.Millisecond)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// EncodeConfig serialises cfg in protobuf wire format.
func EncodeConfig(cfg station.OutboundConfig) []byte {
	var b []byte
	b = appendVarintField(b, fieldSensorID, uint64(cfg.SensorID))
	b = appendVarintField(b, fieldNextCommsDelay, millis(cfg.NextCommsDelay))
	b = appendVarintField(b, fieldCommsPeriod, millis(cfg.CommsPeriod))
	b = appendVarintField(b, fieldNextMeasurementDelay, millis(cfg.NextMeasurementDelay))
	b = appendVarintField(b, fieldNextMeasurementIndex, uint64(cfg.NextMeasurementIndex))
	b = appendVarintField(b, fieldMeasurementPeriod, millis(cfg.MeasurementPeriod))
	b = appendVarintField(b, fieldLastConfirmedIndex, uint64(cfg.LastConfirmedIndex))
	return b
}

// DecodeConfig parses a message produced by EncodeConfig. Unknown fields
// are skipped. The slot is not carried on the wire.
func DecodeConfig(b []byte) (station.OutboundConfig, error) {
	var cfg station.OutboundConfig
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return cfg, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return cfg, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return cfg, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		ms := time.Duration(v) * time.Millisecond
		switch num {
		case fieldSensorID:
			cfg.SensorID = uint32(v)
		case fieldNextCommsDelay:
			cfg.NextCommsDelay = ms
		case fieldCommsPeriod:
			cfg.CommsPeriod = ms
		case fieldNextMeasurementDelay:
			cfg.NextMeasurementDelay = ms
		case fieldNextMeasurementIndex:
			cfg.NextMeasurementIndex = uint32(v)
		case fieldMeasurementPeriod:
			cfg.MeasurementPeriod = ms
		case fieldLastConfirmedIndex:
			cfg.LastConfirmedIndex = uint32(v)
		}
	}
	return cfg, nil
}

// ConfigCommand formats the line that tells the radio module to deliver a
// config message to addr.
func ConfigCommand(addr string, cfg station.OutboundConfig) string {
	return fmt.Sprintf("CFG %s %s", addr, hex.EncodeToString(EncodeConfig(cfg)))
}

// UnboundCommand tells a sensor it is not in the roster and must re-bind.
func UnboundCommand(addr string) string {
	return "UNBOUND " + addr
}
