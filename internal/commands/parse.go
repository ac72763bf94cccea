package commands

import (
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"racebot/internal/race"
)

// parseRaceArgs parses "YYYY-MM-DD HH:MM | location | boat".
func parseRaceArgs(args string, loc *time.Location) (at time.Time, location, boat string, err error) {
	parts := strings.Split(args, "|")
	if len(parts) != 3 {
		return time.Time{}, "", "", errors.New("expected date/time | location | boat")
	}
	location = strings.TrimSpace(parts[1])
	boat = strings.TrimSpace(parts[2])
	if location == "" || boat == "" {
		return time.Time{}, "", "", errors.New("location and boat must not be empty")
	}

	fields := strings.Fields(parts[0])
	if len(fields) != 2 {
		return time.Time{}, "", "", errors.New("expected date and time as YYYY-MM-DD HH:MM")
	}
	at, err = race.ParseLocalDateTime(fields[0], fields[1], loc)
	if err != nil {
		return time.Time{}, "", "", errors.New("invalid or ambiguous date/time (check DST gaps)")
	}
	return at, location, boat, nil
}

// parseLeadingID splits "<id> rest..." off the argument string.
func parseLeadingID(args string) (int64, string, error) {
	args = strings.TrimSpace(args)
	tok := args
	rest := ""
	if i := strings.IndexAny(args, " \t"); i >= 0 {
		tok, rest = args[:i], strings.TrimSpace(args[i+1:])
	}
	id, err := strconv.ParseInt(tok, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", errors.New("expected a numeric race id")
	}
	return id, rest, nil
}

func usageError(err error, usage string) string {
	return fmt.Sprintf("%s\nUsage: <code>%s</code>", html.EscapeString(err.Error()), html.EscapeString(usage))
}

const raceLineTimeFormat = "Jan 02 3:04 PM"

func formatRaceLine(r race.Race, loc *time.Location) string {
	return fmt.Sprintf("#%d • %s • %s • %s",
		r.ID, r.At.In(loc).Format(raceLineTimeFormat),
		html.EscapeString(r.Location), html.EscapeString(r.Boat))
}

func formatRaceTime(at time.Time, loc *time.Location) string {
	return at.In(loc).Format("January 2, 2006 3:04 PM MST")
}

// formatUntil renders a duration as "2d 3h 15m" (minute granularity).
func formatUntil(d time.Duration) string {
	if d < time.Minute {
		return "under a minute"
	}
	d = d.Round(time.Minute)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	mins := (d % time.Hour) / time.Minute

	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%dd ", days)
	}
	if hours > 0 || days > 0 {
		fmt.Fprintf(&b, "%dh ", hours)
	}
	fmt.Fprintf(&b, "%dm", mins)
	return b.String()
}
