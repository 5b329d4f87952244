// Package confirm tracks which measurement indices of a sensor have been
// durably stored. Confirmations may arrive in any order and any number of
// times; the tracker folds them into a monotonic low-water-mark.
package confirm

import (
	"maps"
	"slices"
)

// Tracker holds a confirmed base (every index at or below it is confirmed)
// plus the sparse set of confirmed indices above the base.
//
// Invariant: every member of above is greater than base, and base never
// decreases. Tracker is not safe for concurrent use; the owner serialises
// access.
type Tracker struct {
	base  uint32
	above map[uint32]struct{}
}

// NewTracker returns a tracker whose base starts at base.
func NewTracker(base uint32) *Tracker {
	return &Tracker{base: base}
}

// Confirm records index as stored. Indices at or below the base are already
// confirmed and ignored. Call Compact afterwards.
func (t *Tracker) Confirm(index uint32) {
	if index <= t.base {
		return
	}
	if t.above == nil {
		t.above = make(map[uint32]struct{})
	}
	t.above[index] = struct{}{}
}

// Compact advances the base through every contiguous confirmed index and
// returns how far it moved. It is safe to call any number of times.
func (t *Tracker) Compact() uint32 {
	start := t.base
	for {
		next := t.base + 1
		if _, ok := t.above[next]; !ok {
			break
		}
		delete(t.above, next)
		t.base = next
	}
	return t.base - start
}

// PruneBelow treats everything up to and including maxConfirmed as settled,
// used when a sensor reports that its own storage no longer holds older
// samples. Sparse entries at or below it are discarded.
func (t *Tracker) PruneBelow(maxConfirmed uint32) {
	if maxConfirmed <= t.base {
		return
	}
	for i := range t.above {
		if i <= maxConfirmed {
			delete(t.above, i)
		}
	}
	t.base = maxConfirmed
}

// Base returns the confirmed low-water-mark.
func (t *Tracker) Base() uint32 {
	return t.base
}

// Above returns the sparse confirmed indices above the base in ascending
// order. The result is never nil.
func (t *Tracker) Above() []uint32 {
	if len(t.above) == 0 {
		return []uint32{}
	}
	return slices.Sorted(maps.Keys(t.above))
}

// Clone returns an independent copy of the tracker.
func (t *Tracker) Clone() *Tracker {
	return &Tracker{base: t.base, above: maps.Clone(t.above)}
}

// Pending returns the number of sparse entries waiting for a gap to fill.
func (t *Tracker) Pending() int {
	return len(t.above)
}

// IsConfirmed reports whether index has been confirmed.
func (t *Tracker) IsConfirmed(index uint32) bool {
	if index <= t.base {
		return true
	}
	_, ok := t.above[index]
	return ok
}

// Rebuild replays a set of stored indices on top of base and compacts once,
// which is how state is restored at startup.
func Rebuild(base uint32, stored []uint32) *Tracker {
	t := NewTracker(base)
	for _, i := range stored {
		t.Confirm(i)
	}
	t.Compact()
	return t
}
