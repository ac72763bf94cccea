package race

import (
	"errors"
	"time"
)

// ErrInvalidTime marks date/time input that cannot be resolved to an
// unambiguous instant in the reference timezone (e.g. a wall-clock time that
// falls inside a daylight-saving spring-forward gap).
var ErrInvalidTime = errors.New("invalid time")

// Race is a stored event with a zone-aware target instant.
type Race struct {
	ID       int64
	At       time.Time // always offset-aware, normalized to the reference zone
	Location string
	Boat     string
}

// Clock supplies the current instant in the reference timezone.
// Abstracted so the scheduler can be driven by a fake clock in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct {
	loc *time.Location
}

// NewClock returns a Clock reporting system time in loc.
func NewClock(loc *time.Location) Clock {
	if loc == nil {
		loc = time.UTC
	}
	return systemClock{loc: loc}
}

func (c systemClock) Now() time.Time { return time.Now().In(c.loc) }

// ParseLocalDateTime resolves "YYYY-MM-DD" + "HH:MM" in loc.
//
// Inputs falling inside a spring-forward gap do not exist as wall-clock times;
// time.Date would silently normalize them forward, so we reject them instead.
func ParseLocalDateTime(date, hhmm string, loc *time.Location) (time.Time, error) {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, ErrInvalidTime
	}
	tm, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, ErrInvalidTime
	}
	t := time.Date(d.Year(), d.Month(), d.Day(), tm.Hour(), tm.Minute(), 0, 0, loc)
	if t.Hour() != tm.Hour() || t.Minute() != tm.Minute() {
		return time.Time{}, ErrInvalidTime
	}
	return t, nil
}
