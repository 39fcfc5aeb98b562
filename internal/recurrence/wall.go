package recurrence

import "time"

// wallClone lifts a zoned time into UTC keeping its clock reading. Cron and
// RRULE iteration runs entirely in this frame so that zone transitions never
// distort field matching.
func wallClone(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// resolveWall maps a wall-clock reading back to a real instant in loc.
// A reading that exists twice resolves to the earlier instant. A reading
// inside a spring-forward gap resolves to the transition instant, the first
// legal moment after the gap.
func resolveWall(loc *time.Location, wall time.Time) time.Time {
	wallUnix := wall.Unix()

	// Offsets in force around this reading. Sampling a day on either side
	// covers every transition that could affect it.
	offsets := make(map[int]struct{}, 3)
	for _, delta := range []int64{-26 * 3600, 0, 26 * 3600} {
		_, off := time.Unix(wallUnix+delta, 0).In(loc).Zone()
		offsets[off] = struct{}{}
	}

	var earliest time.Time
	found := false
	for off := range offsets {
		cand := time.Unix(wallUnix-int64(off), int64(wall.Nanosecond())).In(loc)
		if !wallClone(cand).Equal(wall) {
			continue
		}
		if !found || cand.Before(earliest) {
			earliest = cand
			found = true
		}
	}
	if found {
		return earliest
	}

	// No offset reproduces the reading, so it sits inside a gap. Binary
	// search the surrounding window for the transition instant.
	lo := wallUnix - 26*3600
	hi := wallUnix + 26*3600
	_, loOff := time.Unix(lo, 0).In(loc).Zone()
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if _, off := time.Unix(mid, 0).In(loc).Zone(); off == loOff {
			lo = mid
		} else {
			hi = mid
		}
	}
	return time.Unix(hi, 0).In(loc)
}

// nextResolved advances a wall-frame iterator until the resolved instant
// lands strictly after ref.
func nextResolved(loc *time.Location, ref time.Time, nextWall func(time.Time) (time.Time, bool)) (time.Time, bool) {
	cursor := wallClone(ref.In(loc))
	for {
		wall, ok := nextWall(cursor)
		if !ok {
			return time.Time{}, false
		}
		resolved := resolveWall(loc, wall)
		if resolved.After(ref) {
			return resolved, true
		}
		cursor = wall
	}
}
