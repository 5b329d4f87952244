package station

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/basestation/internal/confirm"
	"github.com/banshee-data/basestation/internal/monitoring"
	"github.com/banshee-data/basestation/internal/schedule"
	"github.com/banshee-data/basestation/internal/timeutil"
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	SlotDuration      time.Duration
	MeasurementJitter time.Duration
	Clock             timeutil.Clock
	Observer          Observer
}

type sensorState struct {
	info    Sensor
	tracker *confirm.Tracker
}

// Engine owns the time base and the per-sensor runtime state.
//
// All sensor state sits behind mu. It is held for map lookups and tracker
// updates only, never across store I/O, and never re-entered.
type Engine struct {
	store     Store
	clock     timeutil.Clock
	observer  Observer
	history   *schedule.History
	scheduler *schedule.Scheduler

	// cadenceMu and bindMu serialise the read, persist, commit sequences
	// of cadence changes and binds.
	cadenceMu sync.Mutex
	bindMu    sync.Mutex

	mu        sync.Mutex
	sensors   map[uint32]*sensorState
	roster    []uint32
	addresses map[string]uint32
}

// NewEngine creates an engine on top of store. Call Load before use.
func NewEngine(store Store, opts Options) *Engine {
	if opts.SlotDuration <= 0 {
		opts.SlotDuration = schedule.DefaultSlotDuration
	}
	if opts.MeasurementJitter <= 0 {
		opts.MeasurementJitter = schedule.DefaultMeasurementJitter
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	return &Engine{
		store:     store,
		clock:     opts.Clock,
		observer:  opts.Observer,
		history:   schedule.NewHistory(),
		scheduler: schedule.NewScheduler(opts.SlotDuration, opts.MeasurementJitter),
		sensors:   make(map[uint32]*sensorState),
		addresses: make(map[string]uint32),
	}
}

// Load reads the cadence history and roster from the store and rebuilds
// every sensor's confirmation state.
func (e *Engine) Load(ctx context.Context) error {
	entries, err := e.store.LoadConfigHistory(ctx)
	if err != nil {
		return fmt.Errorf("load config history: %w", err)
	}
	e.history.Replace(entries)

	sensors, err := e.store.LoadSensors(ctx)
	if err != nil {
		return fmt.Errorf("load sensors: %w", err)
	}
	states := make(map[uint32]*sensorState, len(sensors))
	for _, s := range sensors {
		tr, err := LoadConfirmedState(ctx, e.store, s)
		if err != nil {
			return fmt.Errorf("load confirmed state for %s: %w", s, err)
		}
		states[s.ID] = &sensorState{info: s, tracker: tr}
	}

	e.mu.Lock()
	e.sensors = states
	e.addresses = make(map[string]uint32, len(states))
	e.roster = e.roster[:0]
	for id, st := range states {
		e.addresses[st.info.Address] = id
		e.roster = append(e.roster, id)
	}
	slices.Sort(e.roster)
	n := len(e.roster)
	e.mu.Unlock()

	monitoring.BoundSensors.Set(float64(n))
	monitoring.Logf("[engine] loaded %d config entries and %d sensors", len(entries), n)
	return nil
}

// History returns a snapshot of the cadence history.
func (e *Engine) History() []schedule.TimeConfig {
	return e.history.Snapshot()
}

// SetCadence appends a new cadence segment starting at the next sample
// boundary. The entry is persisted before it becomes active.
func (e *Engine) SetCadence(ctx context.Context, c schedule.Cadence) (schedule.TimeConfig, error) {
	e.cadenceMu.Lock()
	defer e.cadenceMu.Unlock()

	cfg, err := e.history.Resolve(c, e.clock.Now())
	if err != nil {
		return schedule.TimeConfig{}, err
	}
	if err := e.store.AppendConfigHistory(ctx, cfg); err != nil {
		return schedule.TimeConfig{}, fmt.Errorf("%w: append config: %v", ErrPersistence, err)
	}
	if err := e.history.Push(cfg); err != nil {
		return schedule.TimeConfig{}, err
	}
	monitoring.Logf("[engine] cadence changed: %s", cfg)
	return cfg, nil
}

// RefreshConfig reloads the cadence history from the store so that changes
// written by another process become visible.
func (e *Engine) RefreshConfig(ctx context.Context) error {
	e.cadenceMu.Lock()
	defer e.cadenceMu.Unlock()

	entries, err := e.store.LoadConfigHistory(ctx)
	if err != nil {
		monitoring.ConfigReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: load config history: %v", ErrPersistence, err)
	}
	e.history.Replace(entries)
	monitoring.ConfigReloads.WithLabelValues("ok").Inc()
	return nil
}

// Bind adds the sensor at address to the roster, or returns the existing
// record if it is already bound. A new sensor's confirmed base starts at the
// last completed index so it is never waited on for samples it never took.
func (e *Engine) Bind(ctx context.Context, address string) (Sensor, error) {
	e.bindMu.Lock()
	defer e.bindMu.Unlock()

	e.mu.Lock()
	if id, ok := e.addresses[address]; ok {
		s := e.sensors[id].info
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	id, err := e.store.NextSensorID(ctx)
	if err != nil {
		return Sensor{}, fmt.Errorf("%w: allocate sensor id: %v", ErrPersistence, err)
	}
	now := e.clock.Now()
	floor, _ := schedule.LastCompletedIndex(e.history.Snapshot(), now)
	s := Sensor{
		ID:          id,
		UID:         uuid.NewString(),
		Address:     address,
		BoundAt:     now,
		PrunedFloor: floor,
	}
	if err := e.store.SaveSensor(ctx, s); err != nil {
		return Sensor{}, fmt.Errorf("%w: save %s: %v", ErrPersistence, s, err)
	}

	e.mu.Lock()
	e.sensors[id] = &sensorState{info: s, tracker: confirm.NewTracker(floor)}
	e.addresses[address] = id
	e.roster = append(e.roster, id)
	slices.Sort(e.roster)
	n := len(e.roster)
	e.mu.Unlock()

	monitoring.BoundSensors.Set(float64(n))
	monitoring.Logf("[engine] bound %s uid=%s", s, s.UID)
	e.observer.SensorBound(s)
	return s, nil
}

// Unbind removes a sensor from the roster. Its stored measurements remain.
func (e *Engine) Unbind(ctx context.Context, sensorID uint32) error {
	e.mu.Lock()
	_, ok := e.sensors[sensorID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSensor, sensorID)
	}

	if err := e.store.DeleteSensor(ctx, sensorID); err != nil {
		return fmt.Errorf("%w: delete sensor %d: %v", ErrPersistence, sensorID, err)
	}

	e.mu.Lock()
	if st, ok := e.sensors[sensorID]; ok {
		delete(e.addresses, st.info.Address)
		delete(e.sensors, sensorID)
		e.roster = slices.DeleteFunc(e.roster, func(id uint32) bool { return id == sensorID })
	}
	n := len(e.roster)
	e.mu.Unlock()

	monitoring.BoundSensors.Set(float64(n))
	monitoring.Logf("[engine] unbound sensor %d", sensorID)
	return nil
}

// SensorIDForAddress looks up a bound sensor by its radio address.
func (e *Engine) SensorIDForAddress(address string) (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.addresses[address]
	return id, ok
}

// Sensors returns the status of every bound sensor in roster order.
func (e *Engine) Sensors() []SensorStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SensorStatus, 0, len(e.roster))
	for ordinal, id := range e.roster {
		out = append(out, e.statusLocked(id, ordinal))
	}
	return out
}

// Sensor returns the status of one sensor.
func (e *Engine) Sensor(sensorID uint32) (SensorStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ordinal := slices.Index(e.roster, sensorID)
	if ordinal < 0 {
		return SensorStatus{}, fmt.Errorf("%w: %d", ErrUnknownSensor, sensorID)
	}
	return e.statusLocked(sensorID, ordinal), nil
}

func (e *Engine) statusLocked(id uint32, ordinal int) SensorStatus {
	st := e.sensors[id]
	return SensorStatus{
		Sensor:         st.info,
		Ordinal:        ordinal,
		ConfirmedBase:  st.tracker.Base(),
		ConfirmedAbove: st.tracker.Above(),
	}
}

// Confirm records that index of sensorID is durably stored and compacts.
func (e *Engine) Confirm(sensorID, index uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.sensors[sensorID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSensor, sensorID)
	}
	st.tracker.Confirm(index)
	st.tracker.Compact()
	return nil
}

// persist writes one item with its schedule-assigned time and confirms it.
func (e *Engine) persist(ctx context.Context, item PendingItem, snapshot []schedule.TimeConfig) error {
	e.mu.Lock()
	_, ok := e.sensors[item.SensorID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSensor, item.SensorID)
	}

	m := Measurement{
		SensorID:   item.SensorID,
		Index:      item.MeasurementIndex,
		AssignedAt: item.ReceivedAt,
		Reading:    item.Payload,
	}
	if len(snapshot) > 0 {
		m.AssignedAt = schedule.IndexToTime(snapshot, item.MeasurementIndex)
	}
	if err := e.store.PersistMeasurement(ctx, m); err != nil {
		return fmt.Errorf("%w: sensor %d index %d: %v", ErrPersistence, m.SensorID, m.Index, err)
	}

	// The sensor may have been unbound while the write was in flight; the
	// row stays but there is no tracker left to confirm against.
	if err := e.Confirm(m.SensorID, m.Index); err != nil {
		return err
	}
	e.observer.MeasurementPersisted(m)
	return nil
}

// applyState folds a sensor's storage report into its tracker and records
// the new floor. The floor is written before the tracker moves, so a failed
// write leaves memory and store agreeing and the report can be retried.
func (e *Engine) applyState(ctx context.Context, r StateReport) error {
	e.mu.Lock()
	st, ok := e.sensors[r.SensorID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownSensor, r.SensorID)
	}
	next := st.tracker.Clone()
	info := st.info
	e.mu.Unlock()

	if r.FirstStoredIndex > 0 {
		next.PruneBelow(r.FirstStoredIndex - 1)
	}
	next.Compact()
	info.FirstStoredIndex = r.FirstStoredIndex
	info.StoredCount = r.StoredCount
	info.LastSeen = r.ReceivedAt
	info.PrunedFloor = next.Base()

	if err := e.store.UpdateSensorStorage(ctx, info); err != nil {
		return fmt.Errorf("%w: update storage of %s: %v", ErrPersistence, info, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok = e.sensors[r.SensorID]
	if !ok {
		return nil
	}
	st.tracker.PruneBelow(info.PrunedFloor)
	st.tracker.Compact()
	st.info.FirstStoredIndex = info.FirstStoredIndex
	st.info.StoredCount = info.StoredCount
	st.info.LastSeen = info.LastSeen
	st.info.PrunedFloor = info.PrunedFloor
	return nil
}

// OutboundConfig computes the schedule a sensor should follow from now.
func (e *Engine) OutboundConfig(sensorID uint32, now time.Time) (OutboundConfig, error) {
	snapshot := e.history.Snapshot()
	if len(snapshot) == 0 {
		return OutboundConfig{}, ErrNotConfigured
	}

	e.mu.Lock()
	ordinal := slices.Index(e.roster, sensorID)
	count := len(e.roster)
	var base uint32
	if ordinal >= 0 {
		base = e.sensors[sensorID].tracker.Base()
	}
	e.mu.Unlock()
	if ordinal < 0 {
		return OutboundConfig{}, fmt.Errorf("%w: %d", ErrUnknownSensor, sensorID)
	}

	roundStart := e.scheduler.NextCommsWindowStart(snapshot, now, count)
	slot := e.scheduler.Slot(roundStart, ordinal)
	nextAt, nextIndex := schedule.TimeToIndex(snapshot, now)
	active := snapshot[len(snapshot)-1]

	return OutboundConfig{
		SensorID:             sensorID,
		NextCommsDelay:       slot.StartTime.Sub(now),
		CommsPeriod:          e.scheduler.LastPeriod(),
		NextMeasurementDelay: nextAt.Sub(now),
		NextMeasurementIndex: nextIndex,
		MeasurementPeriod:    active.MeasurementPeriod,
		LastConfirmedIndex:   base,
		Slot:                 slot,
	}, nil
}

// Schedule reports the time base as seen at now.
func (e *Engine) Schedule(now time.Time) ScheduleStatus {
	snapshot := e.history.Snapshot()
	e.mu.Lock()
	count := len(e.roster)
	e.mu.Unlock()

	status := ScheduleStatus{History: snapshot, SensorCount: count}
	if len(snapshot) > 0 {
		status.NextRound = e.scheduler.NextCommsWindowStart(snapshot, now, count)
		status.ActualCommsPeriod = e.scheduler.LastPeriod()
	}
	return status
}

// Measurements returns stored samples of a sensor within [from, to].
func (e *Engine) Measurements(ctx context.Context, sensorID uint32, from, to time.Time) ([]Measurement, error) {
	ms, err := e.store.QueryRange(ctx, sensorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: query range: %v", ErrPersistence, err)
	}
	return ms, nil
}

// Now returns the engine clock's time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}
