package dispatch

import (
	"fmt"
	"html"
	"strings"
	"time"

	"racebot/internal/race"
)

const raceTimeFormat = "January 2, 2006 • 3:04 PM MST"

func formatReminder(r race.Race, k race.Kind, loc *time.Location, mention string) string {
	var b strings.Builder
	if strings.TrimSpace(mention) != "" {
		b.WriteString(html.EscapeString(mention))
		b.WriteString("\n")
	}
	switch k.Days {
	case 0:
		b.WriteString("<b>⏰ Race Day Reminder</b>\n")
	case 1:
		b.WriteString("<b>⏰ 1 Day Race Reminder</b>\n")
	default:
		fmt.Fprintf(&b, "<b>⏰ %d Day Race Reminder</b>\n", k.Days)
	}
	fmt.Fprintf(&b, "🕒 <b>Time:</b> %s\n", r.At.In(loc).Format(raceTimeFormat))
	fmt.Fprintf(&b, "📍 <b>Location:</b> %s\n", html.EscapeString(r.Location))
	fmt.Fprintf(&b, "🚣 <b>Boat:</b> %s", html.EscapeString(r.Boat))
	return b.String()
}
