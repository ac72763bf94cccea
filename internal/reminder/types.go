package reminder

import (
	"time"

	"racebot/internal/dispatch"
	"racebot/internal/eventbus"
	"racebot/internal/race"
	"racebot/internal/storage"
	logx "racebot/pkg/logx"
)

// Config controls the scheduler service.
type Config struct {
	Enabled bool

	// Tick is the evaluation period (default 1m).
	Tick time.Duration

	// Location is the reference timezone for civil-date arithmetic.
	Location *time.Location

	// Kinds is the fixed, ordered reminder rule set.
	Kinds []race.Kind

	// DispatchTimeout bounds a single Deliver call; a hung dispatcher is
	// treated as a failure and retried next tick (default 15s).
	DispatchTimeout time.Duration

	// StoreFailThreshold is the number of consecutive aborted ticks after
	// which the service reports itself degraded (default 5).
	StoreFailThreshold int
}

// Deps are the scheduler's collaborators, injected once at construction.
// No global state: the store handle and dispatcher are explicit.
type Deps struct {
	Store      storage.Store
	Tracker    *Tracker
	Dispatcher dispatch.Dispatcher
	Clock      race.Clock
	Bus        eventbus.Bus
	Log        logx.Logger
}

// Snapshot is a point-in-time view for health/status output.
type Snapshot struct {
	Enabled       bool      `json:"enabled"`
	Degraded      bool      `json:"degraded"`
	LastTick      time.Time `json:"last_tick"`
	WindowStart   time.Time `json:"window_start"`
	Ticks         uint64    `json:"ticks"`
	TicksSkipped  uint64    `json:"ticks_skipped"`
	TicksAborted  uint64    `json:"ticks_aborted"`
	Delivered     uint64    `json:"delivered"`
	Deferred      uint64    `json:"deferred"`
	StoreFailures int       `json:"store_failures"`
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 15 * time.Second
	}
	if c.StoreFailThreshold <= 0 {
		c.StoreFailThreshold = 5
	}
	return c
}
