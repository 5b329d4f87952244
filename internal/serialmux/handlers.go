package serialmux

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/station"
	"github.com/banshee-data/basestation/internal/timeutil"
)

// Roster is the part of the engine the bridge needs.
type Roster interface {
	SensorIDForAddress(address string) (uint32, bool)
	Bind(ctx context.Context, address string) (station.Sensor, error)
	OutboundConfig(sensorID uint32, now time.Time) (station.OutboundConfig, error)
}

// Queue accepts received reports for the ingestion worker.
type Queue interface {
	Enqueue(item station.PendingItem) error
	EnqueueState(r station.StateReport) error
}

// Bridge turns radio frames into pipeline items and answers config and
// bind requests through the mux.
type Bridge struct {
	Mux    SerialMuxInterface
	Roster Roster
	Queue  Queue
	Clock  timeutil.Clock
}

// Run subscribes to the mux and handles lines until ctx is done or the
// mux closes the subscription.
func (b *Bridge) Run(ctx context.Context) error {
	id, lines := b.Mux.Subscribe()
	defer b.Mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := b.HandleLine(ctx, line); err != nil {
				monitoring.Logf("[radio] %v", err)
				if errors.Is(err, station.ErrShutdown) {
					return err
				}
			}
		}
	}
}

// HandleLine processes one line from the radio module.
func (b *Bridge) HandleLine(ctx context.Context, line string) error {
	f, err := ParseFrame(line)
	if err != nil {
		monitoring.DroppedItems.WithLabelValues(monitoring.DropMalformed).Inc()
		return err
	}
	now := b.now()

	if f.Type == FrameBind {
		s, err := b.Roster.Bind(ctx, f.Address)
		if err != nil {
			return fmt.Errorf("bind %s: %w", f.Address, err)
		}
		return b.sendConfig(f.Address, s.ID, now)
	}

	id, ok := b.Roster.SensorIDForAddress(f.Address)
	if !ok {
		monitoring.DroppedItems.WithLabelValues(monitoring.DropUnknownSensor).Inc()
		if err := b.Mux.SendCommand(UnboundCommand(f.Address)); err != nil {
			return err
		}
		return fmt.Errorf("%s frame from %s: %w", f.Type, f.Address, station.ErrUnknownSensor)
	}

	switch f.Type {
	case FrameMeasurement, FrameUpload:
		for _, item := range f.Items(id, now) {
			if err := b.Queue.Enqueue(item); err != nil {
				return err
			}
		}
	case FrameState:
		return b.Queue.EnqueueState(station.StateReport{
			SensorID:         id,
			FirstStoredIndex: f.First,
			StoredCount:      f.Count,
			ReceivedAt:       now,
		})
	case FrameConfig:
		return b.sendConfig(f.Address, id, now)
	}
	return nil
}

func (b *Bridge) sendConfig(addr string, sensorID uint32, now time.Time) error {
	cfg, err := b.Roster.OutboundConfig(sensorID, now)
	if err != nil {
		return fmt.Errorf("config for %s: %w", addr, err)
	}
	return b.Mux.SendCommand(ConfigCommand(addr, cfg))
}

func (b *Bridge) now() time.Time {
	if b.Clock == nil {
		return time.Now()
	}
	return b.Clock.Now()
}
