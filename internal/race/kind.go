package race

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies one reminder rule: a day offset before the race plus a fixed
// wall-clock trigger time in the reference zone.
type Kind struct {
	Days   int // days before the race's civil date
	Hour   int // trigger hour in the reference zone
	Minute int
}

// Key returns the stable identity used for delivery records, e.g. "3d@16:00".
// Changing this format invalidates persisted delivery state.
func (k Kind) Key() string {
	return fmt.Sprintf("%dd@%02d:%02d", k.Days, k.Hour, k.Minute)
}

func (k Kind) String() string { return k.Key() }

// NotifyInstant computes the absolute instant at which this reminder triggers
// for a race at target.
//
// The offset is subtracted on the civil calendar, not as N*24h of elapsed
// time: time.Date re-resolves the zone offset for the notify day, so a trigger
// three days before a race that sits just past a DST transition lands on the
// correct wall-clock time on the other side of it.
func (k Kind) NotifyInstant(target time.Time, loc *time.Location) time.Time {
	t := target.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day()-k.Days, k.Hour, k.Minute, 0, 0, loc)
}

// ParseKinds builds the configured kind set from day offsets and a shared
// "HH:MM" trigger. Offsets are deduplicated; order is preserved.
func ParseKinds(offsets []int, trigger string) ([]Kind, error) {
	h, m, err := parseHHMM(trigger)
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	kinds := make([]Kind, 0, len(offsets))
	for _, d := range offsets {
		if d < 0 {
			return nil, fmt.Errorf("reminder offset must be >= 0, got %d", d)
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		kinds = append(kinds, Kind{Days: d, Hour: h, Minute: m})
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("at least one reminder offset is required")
	}
	return kinds, nil
}

func parseHHMM(s string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid trigger time %q (want HH:MM)", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid trigger hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid trigger minute in %q", s)
	}
	return h, m, nil
}
