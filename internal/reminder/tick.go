package reminder

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"racebot/internal/eventbus"
	"racebot/internal/race"
	logx "racebot/pkg/logx"
)

// maxConcurrentDispatch bounds per-race dispatch goroutines within a tick.
const maxConcurrentDispatch = 4

func (s *Service) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	cfg := s.cfg
	windowStart := s.checkpoint
	s.ticks++
	s.mu.Unlock()

	now := s.deps.Clock.Now()

	// One snapshot read per tick: edits landing mid-tick are picked up by the
	// next tick against a consistent view.
	races, err := s.deps.Store.ListRaces(ctx)
	if err != nil {
		s.abortTick(err, cfg.StoreFailThreshold)
		return
	}

	s.mu.Lock()
	if s.storeFailures > 0 || s.degraded {
		s.log.Info("store recovered", logx.Int("failures", s.storeFailures))
	}
	s.storeFailures = 0
	s.degraded = false
	s.lastTick = now
	s.mu.Unlock()

	// deferred flips when any due reminder was not delivered this tick
	// (dispatch failure, timeout, or a store error while recording). The
	// checkpoint must not advance past it.
	var deferred atomic.Bool
	var deliveredCount, deferredCount atomic.Uint64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDispatch)

	for _, r := range races {
		r := r
		due := race.DueKindsCovered(r, windowStart, now, cfg.Location, cfg.Kinds)
		if len(due) == 0 {
			continue
		}
		g.Go(func() error {
			for _, k := range due {
				if gctx.Err() != nil {
					deferred.Store(true)
					return nil
				}
				if s.dispatchOne(gctx, r, k, now, cfg.DispatchTimeout) {
					deliveredCount.Add(1)
				} else {
					deferredCount.Add(1)
					deferred.Store(true)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	delivered := deliveredCount.Load()
	pushedBack := deferredCount.Load()

	advanced := false
	if !deferred.Load() && ctx.Err() == nil {
		if err := s.deps.Store.SaveCheckpoint(ctx, now); err != nil {
			s.log.Warn("checkpoint advance failed; window re-covered next tick", logx.Err(err))
		} else {
			s.mu.Lock()
			s.checkpoint = now
			s.mu.Unlock()
			advanced = true
		}
	}

	s.mu.Lock()
	s.delivered += delivered
	s.deferred += pushedBack
	s.mu.Unlock()

	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeTick, Time: now, Data: map[string]any{
			"races":     len(races),
			"delivered": delivered,
			"deferred":  pushedBack,
			"advanced":  advanced,
		}})
	}
	if delivered > 0 || pushedBack > 0 {
		s.log.Info("tick complete",
			logx.Int("races", len(races)),
			logx.Uint64("delivered", delivered),
			logx.Uint64("deferred", pushedBack),
			logx.Bool("advanced", advanced),
		)
	}
}

// dispatchOne claims, delivers and records a single (race, kind) reminder.
// It reports whether the reminder is settled (delivered now or previously);
// false means it stays due and will be retried on a later tick.
func (s *Service) dispatchOne(ctx context.Context, r race.Race, k race.Kind, now time.Time, timeout time.Duration) bool {
	kind := k.Key()

	claimed, err := s.deps.Tracker.Claim(ctx, r.ID, kind)
	if err != nil {
		s.log.Warn("delivered-state check failed",
			logx.Int64("race_id", r.ID), logx.String("kind", kind), logx.Err(err))
		return false
	}
	if !claimed {
		// Already delivered (window overlap after a partial tick) or being
		// dispatched concurrently.
		return true
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	err = s.deps.Dispatcher.Deliver(dctx, r, k)
	cancel()
	if err != nil {
		s.deps.Tracker.Release(r.ID, kind)
		s.log.Warn("dispatch failed; will retry next tick",
			logx.Int64("race_id", r.ID), logx.String("kind", kind), logx.Err(err))
		if s.deps.Bus != nil {
			s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeDeferred, Time: now, Data: map[string]any{
				"race_id": r.ID, "kind": kind, "err": err.Error(),
			}})
		}
		return false
	}

	if err := s.deps.Tracker.Commit(ctx, r.ID, kind, now); err != nil {
		if errors.Is(err, ErrAlreadyMarked) {
			// Should never happen: Claim serializes check-then-act. Indicates a
			// dedup race; log loudly but do not retry (the message went out).
			s.log.Error("dedup invariant violated: delivery marked twice",
				logx.Int64("race_id", r.ID), logx.String("kind", kind))
			return true
		}
		// Message sent but the record write failed. Treat as unsettled so the
		// checkpoint stays put; best-effort delivery accepts the possible
		// duplicate over a silent miss.
		s.log.Error("delivery record write failed",
			logx.Int64("race_id", r.ID), logx.String("kind", kind), logx.Err(err))
		return false
	}

	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeDelivered, Time: now, Data: map[string]any{
			"race_id": r.ID, "kind": kind,
		}})
	}
	return true
}

// abortTick handles a failed store read: nothing is evaluated, the checkpoint
// does not move, and repeated failures degrade the health signal instead of
// silently stalling.
func (s *Service) abortTick(err error, threshold int) {
	s.mu.Lock()
	s.ticksAborted++
	s.storeFailures++
	n := s.storeFailures
	wasDegraded := s.degraded
	if n >= threshold {
		s.degraded = true
	}
	deg := s.degraded
	s.mu.Unlock()

	s.log.Error("tick aborted: store unavailable", logx.Err(err), logx.Int("consecutive", n))
	if deg && !wasDegraded {
		s.log.Error("scheduler degraded: store unavailable beyond threshold",
			logx.Int("threshold", threshold))
	}
}
