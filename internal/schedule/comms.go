package schedule

import (
	"sync"
	"time"
)

// Defaults for the TDMA layout. Slot duration covers one sensor exchange
// including radio turnaround; jitter covers sensor clock drift across one
// measurement period.
const (
	DefaultSlotDuration      = 5 * time.Second
	DefaultMeasurementJitter = 10 * time.Second
)

// CommsSlot is the window during which one sensor is expected to talk.
type CommsSlot struct {
	SensorOrdinal int           `json:"sensor_ordinal"`
	StartTime     time.Time     `json:"start_time"`
	Duration      time.Duration `json:"duration"`
}

// End returns the instant the slot closes.
func (s CommsSlot) End() time.Time {
	return s.StartTime.Add(s.Duration)
}

// ActualCommsPeriod returns the round length actually used. The configured
// comms period is only a request: a round must fit every sensor's slot and
// must outlast one measurement period plus the sensors' clock drift.
func ActualCommsPeriod(snapshot []TimeConfig, sensorCount int, slotDuration, measurementJitter time.Duration) time.Duration {
	if len(snapshot) == 0 {
		return 0
	}
	last := snapshot[len(snapshot)-1]
	return max(
		last.CommsPeriod,
		time.Duration(sensorCount)*slotDuration,
		last.MeasurementPeriod+measurementJitter,
	)
}

// SlotFor returns the start of a sensor's slot within a round.
func SlotFor(roundStart time.Time, sensorOrdinal int, slotDuration time.Duration) time.Time {
	return roundStart.Add(time.Duration(sensorOrdinal) * slotDuration)
}

// Scheduler tracks the start of the next comms round. The anchor persists
// across calls so that every sensor asking during the same round is given
// the same round start.
type Scheduler struct {
	SlotDuration      time.Duration
	MeasurementJitter time.Duration

	mu     sync.Mutex
	anchor time.Time
	period time.Duration
}

// NewScheduler creates a Scheduler with the given slot layout.
func NewScheduler(slotDuration, measurementJitter time.Duration) *Scheduler {
	return &Scheduler{
		SlotDuration:      slotDuration,
		MeasurementJitter: measurementJitter,
	}
}

// Period computes the actual comms period for the snapshot and caches it.
func (s *Scheduler) Period(snapshot []TimeConfig, sensorCount int) time.Duration {
	p := ActualCommsPeriod(snapshot, sensorCount, s.SlotDuration, s.MeasurementJitter)
	s.mu.Lock()
	s.period = p
	s.mu.Unlock()
	return p
}

// LastPeriod returns the most recently computed actual comms period.
func (s *Scheduler) LastPeriod() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

// NextCommsWindowStart advances the anchor by whole actual periods until it
// lies after now and returns it. The anchor starts at the first call's now.
func (s *Scheduler) NextCommsWindowStart(snapshot []TimeConfig, now time.Time, sensorCount int) time.Time {
	period := s.Period(snapshot, sensorCount)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.anchor.IsZero() {
		s.anchor = now
	}
	if period <= 0 {
		return s.anchor
	}
	// Jump close to now after long idle stretches, then step linearly.
	if behind := now.Sub(s.anchor); behind > period {
		s.anchor = s.anchor.Add((behind / period) * period)
	}
	for !s.anchor.After(now) {
		s.anchor = s.anchor.Add(period)
	}
	return s.anchor
}

// Anchor returns the current next-round anchor without advancing it.
func (s *Scheduler) Anchor() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anchor
}

// Slot returns the slot of the sensor at ordinal within the round starting
// at roundStart.
func (s *Scheduler) Slot(roundStart time.Time, sensorOrdinal int) CommsSlot {
	return CommsSlot{
		SensorOrdinal: sensorOrdinal,
		StartTime:     SlotFor(roundStart, sensorOrdinal, s.SlotDuration),
		Duration:      s.SlotDuration,
	}
}
