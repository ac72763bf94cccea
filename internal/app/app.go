package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"racebot/internal/commands"
	"racebot/internal/config"
	"racebot/internal/dispatch"
	"racebot/internal/eventbus"
	"racebot/internal/race"
	"racebot/internal/reminder"
	"racebot/internal/storage"
	rtsup "racebot/internal/runtime/supervisor"
	kit "racebot/internal/transport"
	telegram "racebot/internal/transport/telegram/adapter"
	logx "racebot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log       logx.Logger
	logs      *logx.Service
	bus       eventbus.Bus
	store     storage.Store
	storePath string
	loc       *time.Location

	adapter kit.Adapter
	tracker *reminder.Tracker
	sched   *reminder.Service
	cmdm    *commands.Manager

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	loc, err := loadLocation(cfg.Reminder.Timezone)
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	storeCfg, err := mapStorageConfig(cfg, loc)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("path", storeCfg.Path))

	bus := eventbus.New()
	tracker := reminder.NewTracker(store)
	clock := race.NewClock(loc)

	dispCfg, err := mapDispatchConfig(cfg, loc)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.NewTelegram(dispCfg, ad, logSvc.Logger().With(logx.String("comp", "dispatch")))

	remCfg, err := mapReminderConfig(cfg, loc)
	if err != nil {
		return nil, err
	}
	sched := reminder.New(remCfg, reminder.Deps{
		Store:      store,
		Tracker:    tracker,
		Dispatcher: dispatcher,
		Clock:      clock,
		Bus:        bus,
		Log:        logSvc.Logger().With(logx.String("comp", "scheduler")),
	})

	cmdm := commands.NewManager(commands.Deps{
		Adapter:  ad,
		Store:    store,
		Tracker:  tracker,
		Clock:    clock,
		Location: loc,
		Bus:      bus,
		Log:      logSvc.Logger().With(logx.String("comp", "commands")),
	}, cfg.Telegram.OwnerUserIDs)

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		storePath: storeCfg.Path,
		loc:       loc,
		adapter:   ad,
		tracker:   tracker,
		sched:     sched,
		cmdm:      cmdm,
		updates:   make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	// Best-effort bot menu registration.
	if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		a.sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := mu.UpdateMenuCommands(mctx, a.cmdm.MenuCommands()); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}

	// Log bus events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	a.startConfigReload()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startWatchdog()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// startWatchdog pets the systemd watchdog while the scheduler is healthy.
// A degraded scheduler (store unavailable past the threshold) stops petting,
// turning a silent stall into a visible unit failure.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if a.sched.Healthy() {
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		}
	})
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, newCfg)
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	// Logging first so later apply steps log at the new level.
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)

	// Storage and telegram transport are bound at startup.
	if newStore, err := mapStorageConfig(cfg, a.loc); err == nil && newStore.Path != a.storePath {
		a.log.Warn("storage path changed; restart required for changes to take effect")
	}

	newLoc, err := loadLocation(cfg.Reminder.Timezone)
	if err != nil {
		a.log.Warn("invalid reminder timezone; keeping previous", logx.Err(err))
		newLoc = a.loc
	}

	remCfg, err := mapReminderConfig(cfg, newLoc)
	if err != nil {
		a.log.Warn("invalid reminder config; keeping previous", logx.Err(err))
		return
	}

	prevEnabled := a.sched.Enabled()
	a.sched.Apply(remCfg)
	switch {
	case prevEnabled && !remCfg.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevEnabled && remCfg.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < max {
				max = rem
			}
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// ---- config mapping ----

const defaultTimezone = "America/New_York"

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("reminder.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapStorageConfig(cfg *config.Config, loc *time.Location) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{}, fmt.Errorf("config is nil")
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./racebot.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy, Location: loc}, nil
}

func mapDispatchConfig(cfg *config.Config, loc *time.Location) (dispatch.Config, error) {
	if cfg.Telegram.AnnounceChat == 0 {
		return dispatch.Config{}, fmt.Errorf("telegram.announce_chat is required")
	}
	return dispatch.Config{
		Target: kit.ChatTarget{
			ChatID:   cfg.Telegram.AnnounceChat,
			ThreadID: cfg.Telegram.AnnounceThread,
		},
		Mention:    cfg.Reminder.Mention,
		RatePerSec: cfg.Reminder.RatePerSec,
		Location:   loc,
	}, nil
}

func mapReminderConfig(cfg *config.Config, loc *time.Location) (reminder.Config, error) {
	rc := cfg.Reminder

	enabled := true
	if rc.Enabled != nil {
		enabled = *rc.Enabled
	}

	tick, err := config.ParseDurationOrDefault("reminder.tick", rc.Tick, time.Minute)
	if err != nil {
		return reminder.Config{}, err
	}
	dispatchTimeout, err := config.ParseDurationOrDefault("reminder.dispatch_timeout", rc.DispatchTimeout, 15*time.Second)
	if err != nil {
		return reminder.Config{}, err
	}

	offsets := rc.OffsetsDays
	if len(offsets) == 0 {
		offsets = []int{3, 2, 1}
	}
	trigger := strings.TrimSpace(rc.TriggerAt)
	if trigger == "" {
		trigger = "16:00"
	}
	kinds, err := race.ParseKinds(offsets, trigger)
	if err != nil {
		return reminder.Config{}, fmt.Errorf("reminder: %w", err)
	}

	threshold := rc.StoreFailThreshold
	if threshold < 0 {
		return reminder.Config{}, fmt.Errorf("reminder.store_fail_threshold must be >= 0")
	}

	return reminder.Config{
		Enabled:            enabled,
		Tick:               tick,
		Location:           loc,
		Kinds:              kinds,
		DispatchTimeout:    dispatchTimeout,
		StoreFailThreshold: threshold,
	}, nil
}

func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	loc, err := loadLocation(cfg.Reminder.Timezone)
	if err != nil {
		return err
	}
	if _, err := mapReminderConfig(cfg, loc); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg, loc); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg, loc); err != nil {
		return err
	}
	if cfg.Reminder.RatePerSec < 0 {
		return fmt.Errorf("reminder.rate_per_sec must be >= 0")
	}
	return nil
}
