package reminder

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "racebot/pkg/logx"
)

// Service drives the periodic reminder evaluation loop.
//
// One tick: snapshot now, load all races, compute due kinds over the window
// [checkpoint, now) plus the exact-minute match at now, dispatch undelivered
// ones, and advance the persisted checkpoint only when every due reminder in
// the tick was delivered. Ticks
// never overlap; if one is still running when the next fires, the new one is
// skipped and logged.
type Service struct {
	mu sync.Mutex

	cfg  Config
	deps Deps
	log  logx.Logger

	c      *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc

	// tickBusy guards against overlapping ticks (checked without blocking).
	tickBusy bool

	// checkpoint is the start of the next due-detection window. It never
	// advances past an undelivered due instant.
	checkpoint time.Time

	lastTick      time.Time
	ticks         uint64
	ticksSkipped  uint64
	ticksAborted  uint64
	delivered     uint64
	deferred      uint64
	storeFailures int
	degraded      bool
}

func New(cfg Config, deps Deps) *Service {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Service{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  deps.Log,
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Healthy reports whether the service is running without store degradation.
// Used by the app's watchdog loop.
func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.degraded
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Enabled:       s.cfg.Enabled,
		Degraded:      s.degraded,
		LastTick:      s.lastTick,
		WindowStart:   s.checkpoint,
		Ticks:         s.ticks,
		TicksSkipped:  s.ticksSkipped,
		TicksAborted:  s.ticksAborted,
		Delivered:     s.delivered,
		Deferred:      s.deferred,
		StoreFailures: s.storeFailures,
	}
}

// Apply updates the service config. If the tick period or timezone changed
// while running, the cron trigger is rebuilt.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	restart := s.c != nil &&
		(cfg.Tick != s.cfg.Tick || cfg.Location.String() != s.cfg.Location.String())
	s.cfg = cfg
	if restart {
		ctx := s.runCtx
		s.stopCronLocked()
		s.startCronLocked(ctx)
		s.log.Info("tick trigger rebuilt",
			logx.Duration("tick", cfg.Tick), logx.String("tz", cfg.Location.String()))
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)

	// Resume the due-detection window from the persisted checkpoint; a fresh
	// deployment starts at "now" (nothing before process start is owed).
	now := s.deps.Clock.Now()
	cp, ok, err := s.deps.Store.LoadCheckpoint(s.runCtx)
	if err != nil {
		s.log.Error("checkpoint load failed; starting window at now", logx.Err(err))
		cp, ok = time.Time{}, false
	}
	if !ok {
		cp = now
		if err := s.deps.Store.SaveCheckpoint(s.runCtx, cp); err != nil {
			s.log.Warn("checkpoint init failed", logx.Err(err))
		}
	}
	s.checkpoint = cp

	s.startCronLocked(s.runCtx)
	s.log.Info("scheduler started",
		logx.Duration("tick", s.cfg.Tick),
		logx.String("tz", s.cfg.Location.String()),
		logx.Int("kinds", len(s.cfg.Kinds)),
		logx.Time("window_start", cp),
	)
}

func (s *Service) startCronLocked(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c := cron.New(cron.WithLocation(s.cfg.Location))
	tick := s.cfg.Tick
	_, err := c.AddFunc("@every "+tick.String(), func() { s.runTick(ctx) })
	if err != nil {
		// "@every <duration>" only fails on a non-positive duration, which
		// withDefaults rules out.
		s.log.Error("tick trigger registration failed", logx.Err(err))
		return
	}
	c.Start()
	s.c = c
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	stop := s.c.Stop()
	s.c = nil
	<-stop.Done()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.c == nil {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.cancel = nil
	s.runCtx = nil
	stop := s.c.Stop()
	s.c = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	// Wait for an in-flight tick, bounded by the caller's deadline.
	select {
	case <-stop.Done():
	case <-ctx.Done():
	}

	// Read the checkpoint only after the in-flight tick has drained, so the
	// persisted value reflects any advance that tick made.
	s.mu.Lock()
	cp := s.checkpoint
	s.mu.Unlock()

	// Persist the window start so a restart resumes without re-announcing
	// anything inside a covered, delivered window and without missing a gap.
	pctx, pcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pcancel()
	if err := s.deps.Store.SaveCheckpoint(pctx, cp); err != nil {
		s.log.Warn("checkpoint persist on stop failed", logx.Err(err))
	}
	s.log.Info("scheduler stopped", logx.Time("window_start", cp))
}

// runTick enforces the no-overlap rule and delegates to tick().
func (s *Service) runTick(ctx context.Context) {
	s.mu.Lock()
	if s.tickBusy {
		s.ticksSkipped++
		s.mu.Unlock()
		s.log.Warn("tick still running; skipping this tick")
		return
	}
	s.tickBusy = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.tickBusy = false
		s.mu.Unlock()
	}()

	s.tick(ctx)
}
