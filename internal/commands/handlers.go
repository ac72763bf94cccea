package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"racebot/internal/eventbus"
	"racebot/internal/race"
	"racebot/internal/storage"
	logx "racebot/pkg/logx"
)

func (m *Manager) registerAll() {
	m.register(Command{
		Name:        "addrace",
		Description: "Add a race",
		Usage:       "/addrace YYYY-MM-DD HH:MM | location | boat",
		OwnerOnly:   true,
		Handle:      m.handleAddRace,
	})
	m.register(Command{
		Name:        "editrace",
		Description: "Edit a race",
		Usage:       "/editrace id YYYY-MM-DD HH:MM | location | boat",
		OwnerOnly:   true,
		Handle:      m.handleEditRace,
	})
	m.register(Command{
		Name:        "deleterace",
		Description: "Delete a race",
		Usage:       "/deleterace id",
		OwnerOnly:   true,
		Handle:      m.handleDeleteRace,
	})
	m.register(Command{
		Name:        "nextrace",
		Description: "Time until the next race",
		Handle:      m.handleNextRace,
	})
	m.register(Command{
		Name:        "upcomingraces",
		Description: "Next 3 upcoming races",
		Handle:      m.handleUpcomingRaces,
	})
	m.register(Command{
		Name:        "allraces",
		Description: "All saved races",
		Handle:      m.handleAllRaces,
	})
	m.register(Command{
		Name:        "help",
		Description: "Show available commands",
		Handle:      m.handleHelp,
	})
}

func (m *Manager) handleAddRace(ctx context.Context, req *Request) error {
	at, location, boat, err := parseRaceArgs(req.Args, m.deps.Location)
	if err != nil {
		m.reply(ctx, req, usageError(err, m.cmds["addrace"].Usage))
		return nil
	}

	id, err := m.deps.Store.CreateRace(ctx, at, location, boat)
	if err != nil {
		m.reply(ctx, req, "Could not save the race, try again.")
		return fmt.Errorf("create race: %w", err)
	}

	m.log.Info("race added", logx.Int64("race_id", id), logx.Time("at", at))
	m.publishSaved("added", id)
	m.reply(ctx, req, fmt.Sprintf("✅ Race #%d added — %s", id, formatRaceTime(at, m.deps.Location)))
	return nil
}

func (m *Manager) publishSaved(op string, raceID int64) {
	if m.deps.Bus == nil {
		return
	}
	m.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeRaceSaved, Data: map[string]any{
		"op": op, "race_id": raceID,
	}})
}

func (m *Manager) handleEditRace(ctx context.Context, req *Request) error {
	id, rest, err := parseLeadingID(req.Args)
	if err != nil {
		m.reply(ctx, req, usageError(err, m.cmds["editrace"].Usage))
		return nil
	}
	at, location, boat, err := parseRaceArgs(rest, m.deps.Location)
	if err != nil {
		m.reply(ctx, req, usageError(err, m.cmds["editrace"].Usage))
		return nil
	}

	old, err := m.deps.Store.GetRace(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		m.reply(ctx, req, fmt.Sprintf("Race #%d does not exist.", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("get race %d: %w", id, err)
	}

	updated := race.Race{ID: id, At: at, Location: location, Boat: boat}
	if err := m.deps.Store.UpdateRace(ctx, updated); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.reply(ctx, req, fmt.Sprintf("Race #%d does not exist.", id))
			return nil
		}
		m.reply(ctx, req, "Could not update the race, try again.")
		return fmt.Errorf("update race %d: %w", id, err)
	}

	// A changed target time invalidates every previously computed notify
	// instant: purge delivery records so reminders re-arm against the new
	// schedule.
	rearmed := false
	if !at.Equal(old.At) {
		n, err := m.deps.Tracker.Purge(ctx, id)
		if err != nil {
			m.reply(ctx, req, "Race updated, but reminder state could not be reset — reminders may not re-fire.")
			return fmt.Errorf("purge deliveries for race %d: %w", id, err)
		}
		rearmed = n > 0
		m.log.Info("race time changed; reminders re-armed",
			logx.Int64("race_id", id), logx.Int64("purged", n),
			logx.Time("old", old.At), logx.Time("new", at))
	}

	m.publishSaved("edited", id)
	msg := fmt.Sprintf("✏️ Race #%d updated.", id)
	if rearmed {
		msg += " Reminders re-armed for the new time."
	}
	m.reply(ctx, req, msg)
	return nil
}

func (m *Manager) handleDeleteRace(ctx context.Context, req *Request) error {
	id, rest, err := parseLeadingID(req.Args)
	if err != nil || strings.TrimSpace(rest) != "" {
		m.reply(ctx, req, usageError(errors.New("expected a single race id"), m.cmds["deleterace"].Usage))
		return nil
	}

	// Storage deletes race and delivery rows in one transaction; the tracker
	// purge afterwards clears any in-flight claim for the race.
	if err := m.deps.Store.DeleteRace(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.reply(ctx, req, fmt.Sprintf("Race #%d does not exist.", id))
			return nil
		}
		m.reply(ctx, req, "Could not delete the race, try again.")
		return fmt.Errorf("delete race %d: %w", id, err)
	}
	if _, err := m.deps.Tracker.Purge(ctx, id); err != nil {
		m.log.Warn("post-delete purge failed", logx.Int64("race_id", id), logx.Err(err))
	}

	m.log.Info("race deleted", logx.Int64("race_id", id))
	m.publishSaved("deleted", id)
	m.reply(ctx, req, fmt.Sprintf("🗑 Race #%d deleted.", id))
	return nil
}

func (m *Manager) handleNextRace(ctx context.Context, req *Request) error {
	races, err := m.deps.Store.ListRaces(ctx)
	if err != nil {
		m.reply(ctx, req, "Race list is unavailable right now.")
		return fmt.Errorf("list races: %w", err)
	}

	now := m.deps.Clock.Now()
	for _, r := range races {
		if r.At.After(now) {
			m.reply(ctx, req, fmt.Sprintf("⏱ <b>Next race in %s</b>\n%s",
				formatUntil(r.At.Sub(now)), formatRaceLine(r, m.deps.Location)))
			return nil
		}
	}
	m.reply(ctx, req, "No upcoming races.")
	return nil
}

func (m *Manager) handleUpcomingRaces(ctx context.Context, req *Request) error {
	races, err := m.deps.Store.ListRaces(ctx)
	if err != nil {
		m.reply(ctx, req, "Race list is unavailable right now.")
		return fmt.Errorf("list races: %w", err)
	}

	now := m.deps.Clock.Now()
	var upcoming []race.Race
	for _, r := range races {
		if r.At.After(now) {
			upcoming = append(upcoming, r)
			if len(upcoming) == 3 {
				break
			}
		}
	}
	if len(upcoming) == 0 {
		m.reply(ctx, req, "No upcoming races.")
		return nil
	}

	var b strings.Builder
	b.WriteString("<b>📅 Upcoming Races</b>\n")
	for _, r := range upcoming {
		b.WriteString(formatRaceLine(r, m.deps.Location))
		b.WriteString("\n")
	}
	m.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (m *Manager) handleAllRaces(ctx context.Context, req *Request) error {
	races, err := m.deps.Store.ListRaces(ctx)
	if err != nil {
		m.reply(ctx, req, "Race list is unavailable right now.")
		return fmt.Errorf("list races: %w", err)
	}
	if len(races) == 0 {
		m.reply(ctx, req, "No races saved.")
		return nil
	}

	var b strings.Builder
	b.WriteString("<b>🏁 All Races</b>\n")
	for _, r := range races {
		b.WriteString(formatRaceLine(r, m.deps.Location))
		b.WriteString("\n")
	}
	m.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (m *Manager) handleHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, name := range m.order {
		c := m.cmds[name]
		u := c.Usage
		if u == "" {
			u = "/" + c.Name
		}
		fmt.Fprintf(&b, "%s — %s\n", u, c.Description)
	}
	m.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}
