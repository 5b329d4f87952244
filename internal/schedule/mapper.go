package schedule

import "time"

// IndexToTime returns the wall-clock time at which index was (or will be)
// sampled. The segment whose range contains index is used; anything at or
// beyond the last baseline uses the open-ended active segment. An empty
// snapshot yields the zero time.
func IndexToTime(snapshot []TimeConfig, index uint32) time.Time {
	if len(snapshot) == 0 {
		return time.Time{}
	}
	for i := 0; i+1 < len(snapshot); i++ {
		if index < snapshot[i+1].BaselineIndex {
			return segmentTime(snapshot[i], index)
		}
	}
	return segmentTime(snapshot[len(snapshot)-1], index)
}

// segmentTime applies the linear mapping of a single segment. Signed steps
// let indices below a trimmed first baseline extrapolate backwards.
func segmentTime(c TimeConfig, index uint32) time.Time {
	steps := int64(index) - int64(c.BaselineIndex)
	return c.BaselineTimePoint.Add(time.Duration(steps) * c.MeasurementPeriod)
}

// TimeToIndex returns the next sample point at or after now together with
// its index. It predicts the upcoming sample rather than the last completed
// one; callers that need the latter subtract one from the index.
//
// Closed segments contribute the whole periods they covered, the open
// segment contributes floor(elapsed/period), and the candidate instant is
// then stepped forward one period at a time until it is no longer before
// now. All arithmetic is integer duration division.
func TimeToIndex(snapshot []TimeConfig, now time.Time) (time.Time, uint32) {
	if len(snapshot) == 0 {
		return time.Time{}, 0
	}

	index := snapshot[0].BaselineIndex
	for i := 0; i+1 < len(snapshot); i++ {
		prev, next := snapshot[i], snapshot[i+1]
		if prev.MeasurementPeriod <= 0 {
			continue
		}
		index += uint32(next.BaselineTimePoint.Sub(prev.BaselineTimePoint) / prev.MeasurementPeriod)
	}

	last := snapshot[len(snapshot)-1]
	at := last.BaselineTimePoint
	if last.MeasurementPeriod <= 0 {
		return at, index
	}
	if elapsed := now.Sub(at); elapsed > 0 {
		whole := elapsed / last.MeasurementPeriod
		at = at.Add(whole * last.MeasurementPeriod)
		index += uint32(whole)
	}
	for at.Before(now) {
		at = at.Add(last.MeasurementPeriod)
		index++
	}
	return at, index
}

// LastCompletedIndex returns the most recent index whose sample time is not
// after now. ok is false when no sample has been taken yet.
func LastCompletedIndex(snapshot []TimeConfig, now time.Time) (index uint32, ok bool) {
	at, next := TimeToIndex(snapshot, now)
	if len(snapshot) == 0 {
		return 0, false
	}
	if at.Equal(now) {
		return next, true
	}
	if next == 0 {
		return 0, false
	}
	return next - 1, true
}
