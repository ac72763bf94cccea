package commands

import (
	"strings"
	"testing"
	"time"

	"racebot/internal/race"
)

func eastern(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func TestParseRaceArgs(t *testing.T) {
	t.Parallel()
	loc := eastern(t)

	at, location, boat, err := parseRaceArgs("2024-07-20 18:30 | Newport Harbor | J/105", loc)
	if err != nil {
		t.Fatalf("parseRaceArgs error: %v", err)
	}
	want := time.Date(2024, 7, 20, 18, 30, 0, 0, loc)
	if !at.Equal(want) {
		t.Fatalf("at = %v, want %v", at, want)
	}
	if location != "Newport Harbor" || boat != "J/105" {
		t.Fatalf("location=%q boat=%q", location, boat)
	}
}

func TestParseRaceArgsInvalid(t *testing.T) {
	t.Parallel()
	loc := eastern(t)

	tests := []struct {
		name string
		args string
	}{
		{"missing segments", "2024-07-20 18:30 | Newport"},
		{"too many segments", "2024-07-20 18:30 | a | b | c"},
		{"empty location", "2024-07-20 18:30 |  | J/105"},
		{"empty boat", "2024-07-20 18:30 | Newport | "},
		{"missing time", "2024-07-20 | Newport | J/105"},
		{"bad date", "07/20/2024 18:30 | Newport | J/105"},
		{"dst gap", "2024-03-10 02:30 | Newport | J/105"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, _, _, err := parseRaceArgs(tt.args, loc); err == nil {
				t.Fatalf("expected error for %q", tt.args)
			}
		})
	}
}

func TestParseLeadingID(t *testing.T) {
	t.Parallel()

	id, rest, err := parseLeadingID("12 2024-07-20 18:30 | Newport | J/105")
	if err != nil {
		t.Fatalf("parseLeadingID error: %v", err)
	}
	if id != 12 || rest != "2024-07-20 18:30 | Newport | J/105" {
		t.Fatalf("id=%d rest=%q", id, rest)
	}

	id, rest, err = parseLeadingID("7")
	if err != nil || id != 7 || rest != "" {
		t.Fatalf("bare id: id=%d rest=%q err=%v", id, rest, err)
	}

	for _, bad := range []string{"", "abc", "0", "-3", "12.5"} {
		if _, _, err := parseLeadingID(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		name string
		args string
		ok   bool
	}{
		{"/nextrace", "nextrace", "", true},
		{"/addrace 2024-07-20 18:30 | a | b", "addrace", "2024-07-20 18:30 | a | b", true},
		{"/NextRace@RaceBot", "nextrace", "", true},
		{"/deleterace@RaceBot 3", "deleterace", "3", true},
		{"  /help  ", "help", "", true},
		{"hello", "", "", false},
		{"/", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		name, args, ok := splitCommand(tt.text)
		if name != tt.name || args != tt.args || ok != tt.ok {
			t.Fatalf("splitCommand(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.text, name, args, ok, tt.name, tt.args, tt.ok)
		}
	}
}

func TestFormatUntil(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "under a minute"},
		{time.Minute, "1m"},
		{90 * time.Minute, "1h 30m"},
		{26*time.Hour + 15*time.Minute, "1d 2h 15m"},
		{48 * time.Hour, "2d 0h 0m"},
	}
	for _, tt := range tests {
		if got := formatUntil(tt.d); got != tt.want {
			t.Fatalf("formatUntil(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatRaceLineEscapesHTML(t *testing.T) {
	t.Parallel()
	loc := eastern(t)
	r := race.Race{
		ID:       3,
		At:       time.Date(2024, 7, 20, 18, 30, 0, 0, loc),
		Location: "Cape <Cod>",
		Boat:     "R&R",
	}
	line := formatRaceLine(r, loc)
	if strings.Contains(line, "<Cod>") || strings.Contains(line, "R&R") {
		t.Fatalf("unescaped HTML in %q", line)
	}
	if !strings.Contains(line, "#3") || !strings.Contains(line, "Jul 20 6:30 PM") {
		t.Fatalf("unexpected line %q", line)
	}
}
