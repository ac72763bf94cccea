package race

import "time"

// DueKinds returns the kinds whose notify instant matches now at minute
// granularity. Pure; multiple kinds may be due simultaneously.
func DueKinds(r Race, now time.Time, loc *time.Location, kinds []Kind) []Kind {
	nowMin := now.Truncate(time.Minute)
	var due []Kind
	for _, k := range kinds {
		if k.NotifyInstant(r.At, loc).Truncate(time.Minute).Equal(nowMin) {
			due = append(due, k)
		}
	}
	return due
}

// DueKindsWithin returns the kinds whose notify instant falls in the half-open
// window [start, end).
func DueKindsWithin(r Race, start, end time.Time, loc *time.Location, kinds []Kind) []Kind {
	var due []Kind
	for _, k := range kinds {
		at := k.NotifyInstant(r.At, loc)
		if !at.Before(start) && at.Before(end) {
			due = append(due, k)
		}
	}
	return due
}

// DueKindsCovered returns the kinds due on a tick at now given the window
// start: the union of the half-open cover [start, now) and the exact-minute
// match at now. The window half keeps reminders missed while the process was
// down, or left undelivered by a failing dispatcher, due until a tick covers
// them; the exact-minute half fires a reminder whose instant equals the tick
// instant on that tick, not one tick late. Overlap between the two is safe:
// the dedup tracker keeps a covered kind from firing twice.
func DueKindsCovered(r Race, start, now time.Time, loc *time.Location, kinds []Kind) []Kind {
	due := DueKindsWithin(r, start, now, loc, kinds)
	for _, k := range DueKinds(r, now, loc, kinds) {
		dup := false
		for _, d := range due {
			if d == k {
				dup = true
				break
			}
		}
		if !dup {
			due = append(due, k)
		}
	}
	return due
}
