// Package schedule holds the time base shared by every sensor: the history of
// measurement/comms cadences, the mapping between measurement indices and
// wall-clock time, and the TDMA comms-round scheduler.
package schedule

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Policy floors for operator-requested periods. They are not limits of the
// index arithmetic; they keep sensors from draining their batteries.
const (
	MinMeasurementPeriod = 10 * time.Second
	MinCommsPeriod       = 30 * time.Second

	// MaxHistory bounds how many cadence segments are retained.
	MaxHistory = 100
)

// ErrInvalidPeriod is returned when a requested cadence is rejected.
var ErrInvalidPeriod = errors.New("invalid period")

// TimeConfig anchors one segment of the index timeline: from
// BaselineTimePoint onward, index BaselineIndex occurs at BaselineTimePoint
// and indices advance every MeasurementPeriod.
type TimeConfig struct {
	BaselineTimePoint time.Time     `json:"baseline_time"`
	BaselineIndex     uint32        `json:"baseline_index"`
	MeasurementPeriod time.Duration `json:"measurement_period"`
	CommsPeriod       time.Duration `json:"comms_period"`
}

func (c TimeConfig) String() string {
	return fmt.Sprintf("index %d @ %s (measure every %s, comms every %s)",
		c.BaselineIndex, c.BaselineTimePoint.UTC().Format(time.RFC3339), c.MeasurementPeriod, c.CommsPeriod)
}

// Cadence is an operator request for new periods. The baseline of the
// resulting TimeConfig is always derived, never supplied.
type Cadence struct {
	MeasurementPeriod time.Duration
	CommsPeriod       time.Duration
}

// Validate checks the cadence against the policy floors.
func (c Cadence) Validate() error {
	if c.MeasurementPeriod < MinMeasurementPeriod {
		return fmt.Errorf("%w: measurement period %s is below the %s minimum", ErrInvalidPeriod, c.MeasurementPeriod, MinMeasurementPeriod)
	}
	if c.CommsPeriod < MinCommsPeriod {
		return fmt.Errorf("%w: comms period %s is below the %s minimum", ErrInvalidPeriod, c.CommsPeriod, MinCommsPeriod)
	}
	if c.CommsPeriod < c.MeasurementPeriod {
		return fmt.Errorf("%w: comms period %s is shorter than measurement period %s", ErrInvalidPeriod, c.CommsPeriod, c.MeasurementPeriod)
	}
	return nil
}

// History is the bounded, append-only list of TimeConfigs ordered by
// baseline. It is safe for concurrent use; readers work on snapshots.
type History struct {
	mu      sync.Mutex
	entries []TimeConfig
}

// NewHistory creates a history pre-populated with entries, which must
// already be ordered. It is trimmed to MaxHistory.
func NewHistory(entries ...TimeConfig) *History {
	h := &History{}
	h.Replace(entries)
	return h
}

// Resolve validates c and derives the TimeConfig that appending it at now
// would produce, without modifying the history.
func (h *History) Resolve(c Cadence, now time.Time) (TimeConfig, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return resolve(h.entries, c, now)
}

func resolve(entries []TimeConfig, c Cadence, now time.Time) (TimeConfig, error) {
	if err := c.Validate(); err != nil {
		return TimeConfig{}, err
	}
	cfg := TimeConfig{
		BaselineTimePoint: now,
		MeasurementPeriod: c.MeasurementPeriod,
		CommsPeriod:       c.CommsPeriod,
	}
	if len(entries) == 0 {
		return cfg, nil
	}
	// The new segment starts exactly where the old one places the next
	// real-time index, so the timeline has no discontinuity.
	_, index := TimeToIndex(entries, now)
	cfg.BaselineIndex = index
	cfg.BaselineTimePoint = IndexToTime(entries, index)
	return cfg, nil
}

// Append validates c, derives its baseline from the currently active
// segment and appends it. The stored entry is returned.
func (h *History) Append(c Cadence, now time.Time) (TimeConfig, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg, err := resolve(h.entries, c, now)
	if err != nil {
		return TimeConfig{}, err
	}
	h.entries = append(h.entries, cfg)
	h.trimLocked()
	return cfg, nil
}

// Push appends an already resolved entry, e.g. one that has just been
// persisted. Entries that would break ordering are rejected.
func (h *History) Push(cfg TimeConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.entries); n > 0 {
		last := h.entries[n-1]
		if cfg.BaselineTimePoint.Before(last.BaselineTimePoint) || cfg.BaselineIndex < last.BaselineIndex {
			return fmt.Errorf("config %s precedes active config %s", cfg, last)
		}
	}
	h.entries = append(h.entries, cfg)
	h.trimLocked()
	return nil
}

// Replace swaps the whole history, used when reloading from the store.
func (h *History) Replace(entries []TimeConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append([]TimeConfig(nil), entries...)
	h.trimLocked()
}

// Trim drops the oldest entries beyond MaxHistory.
func (h *History) Trim() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trimLocked()
}

func (h *History) trimLocked() {
	if excess := len(h.entries) - MaxHistory; excess > 0 {
		h.entries = append([]TimeConfig(nil), h.entries[excess:]...)
	}
}

// Snapshot returns a copy of the entries for lock-free use.
func (h *History) Snapshot() []TimeConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TimeConfig(nil), h.entries...)
}

// Active returns the last (open-ended) entry.
func (h *History) Active() (TimeConfig, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return TimeConfig{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
