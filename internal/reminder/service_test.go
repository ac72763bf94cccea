package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"racebot/internal/race"
	logx "racebot/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeDispatcher struct {
	mu    sync.Mutex
	sent  []string // "raceID/kind"
	fail  bool
	block chan struct{} // when set, Deliver waits for it (or ctx)
}

func (d *fakeDispatcher) Deliver(ctx context.Context, r race.Race, k race.Kind) error {
	d.mu.Lock()
	block := d.block
	fail := d.fail
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errors.New("send failed")
	}
	d.mu.Lock()
	d.sent = append(d.sent, skey(r.ID, k.Key()))
	d.mu.Unlock()
	return nil
}

func (d *fakeDispatcher) sentKeys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

func (d *fakeDispatcher) setFail(v bool) {
	d.mu.Lock()
	d.fail = v
	d.mu.Unlock()
}

func testKinds(t *testing.T) []race.Kind {
	t.Helper()
	kinds, err := race.ParseKinds([]int{3, 2, 1}, "16:00")
	if err != nil {
		t.Fatalf("ParseKinds: %v", err)
	}
	return kinds
}

func newTestService(t *testing.T, st *memStore, clock *fakeClock, disp *fakeDispatcher) *Service {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return New(Config{
		Enabled:            true,
		Tick:               time.Minute,
		Location:           loc,
		Kinds:              testKinds(t),
		DispatchTimeout:    time.Second,
		StoreFailThreshold: 3,
	}, Deps{
		Store:      st,
		Tracker:    NewTracker(st),
		Dispatcher: disp,
		Clock:      clock,
		Log:        logx.Nop(),
	})
}

// initWindow pins the service's due-detection window without starting cron.
func initWindow(s *Service, start time.Time) {
	s.mu.Lock()
	s.checkpoint = start
	s.mu.Unlock()
}

func TestTickDeliversDueReminder(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/New_York")
	st := newMemStore()
	clock := &fakeClock{}
	disp := &fakeDispatcher{}
	s := newTestService(t, st, clock, disp)
	ctx := context.Background()

	raceAt := time.Date(2024, 7, 20, 18, 30, 0, 0, loc)
	id, _ := st.CreateRace(ctx, raceAt, "Newport", "J/105")

	// 3d reminder instant is 2024-07-17 16:00.
	clock.set(time.Date(2024, 7, 17, 16, 0, 30, 0, loc))
	initWindow(s, time.Date(2024, 7, 17, 15, 59, 0, 0, loc))

	s.tick(ctx)

	sent := disp.sentKeys()
	if len(sent) != 1 || sent[0] != skey(id, "3d@16:00") {
		t.Fatalf("sent = %v, want [%s]", sent, skey(id, "3d@16:00"))
	}
	if done, _ := st.IsDelivered(ctx, id, "3d@16:00"); !done {
		t.Fatal("delivery not recorded")
	}
	snap := s.Snapshot()
	if snap.Delivered != 1 || snap.Deferred != 0 {
		t.Fatalf("snapshot: %+v", snap)
	}
	if !snap.WindowStart.Equal(clock.Now()) {
		t.Fatalf("checkpoint = %v, want %v", snap.WindowStart, clock.Now())
	}
}

func TestTickDeliversTwoRacesSameInstant(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/New_York")
	st := newMemStore()
	clock := &fakeClock{}
	disp := &fakeDispatcher{}
	s := newTestService(t, st, clock, disp)
	ctx := context.Background()

	// Distinct races on the same civil date share a 3d notify instant; both
	// must be delivered and recorded in the same tick.
	id1, _ := st.CreateRace(ctx, time.Date(2024, 7, 20, 18, 30, 0, 0, loc), "Newport", "J/105")
	id2, _ := st.CreateRace(ctx, time.Date(2024, 7, 20, 9, 0, 0, 0, loc), "Marblehead", "Etchells")

	clock.set(time.Date(2024, 7, 17, 16, 0, 0, 0, loc))
	initWindow(s, time.Date(2024, 7, 17, 15, 59, 0, 0, loc))
	s.tick(ctx)

	sent := disp.sentKeys()
	if len(sent) != 2 {
		t.Fatalf("expected both races delivered, got %v", sent)
	}
	for _, id := range []int64{id1, id2} {
		if done, _ := st.IsDelivered(ctx, id, "3d@16:00"); !done {
			t.Fatalf("race %d delivery not recorded", id)
		}
	}
	snap := s.Snapshot()
	if snap.Delivered != 2 || snap.Deferred != 0 {
		t.Fatalf("snapshot: %+v", snap)
	}
	if !snap.WindowStart.Equal(clock.Now()) {
		t.Fatalf("checkpoint = %v, want %v", snap.WindowStart, clock.Now())
	}
}

func TestTickDeliversAtMostOnce(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/New_York")
	st := newMemStore()
	clock := &fakeClock{}
	disp := &fakeDispatcher{}
	s := newTestService(t, st, clock, disp)
	ctx := context.Background()

	raceAt := time.Date(2024, 7, 20, 18, 30, 0, 0, loc)
	st.CreateRace(ctx, raceAt, "Newport", "J/105")

	clock.set(time.Date(2024, 7, 17, 16, 0, 0, 0, loc))
	initWindow(s, time.Date(2024, 7, 17, 15, 59, 0, 0, loc))
	s.tick(ctx)

	// Re-cover the same window: overlap must not re-announce.
	initWindow(s, time.Date(2024, 7, 17, 15, 59, 0, 0, loc))
	s.tick(ctx)

	if sent := disp.sentKeys(); len(sent) != 1 {
		t.Fatalf("expected exactly one delivery, got %v", sent)
	}
}

func TestTickRecoversMissedWindow(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/New_York")
	st := newMemStore()
	clock := &fakeClock{}
	disp := &fakeDispatcher{}
	s := newTestService(t, st, clock, disp)
	ctx := context.Background()

	raceAt := time.Date(2024, 7, 20, 18, 30, 0, 0, loc)
	st.CreateRace(ctx, raceAt, "Newport", "J/105")

	// Window spans a day and a half of downtime and covers the 3d and 2d
	// reminder instants.
	clock.set(time.Date(2024, 7, 18, 17, 0, 0, 0, loc))
	initWindow(s, time.Date(2024, 7, 17, 12, 0, 0, 0, loc))
	s.tick(ctx)

	sent := disp.sentKeys()
	if len(sent) != 2 {
		t.Fatalf("expected 2 catch-up deliveries, got %v", sent)
	}
}

func TestTickFailureKeepsWindow(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/New_York")
	st := newMemStore()
	clock := &fakeClock{}
	disp := &fakeDispatcher{fail: true}
	s := newTestService(t, st, clock, disp)
	ctx := context.Background()

	raceAt := time.Date(2024, 7, 20, 18, 30, 0, 0, loc)
	id, _ := st.CreateRace(ctx, raceAt, "Newport", "J/105")

	start := time.Date(2024, 7, 17, 15, 59, 0, 0, loc)
	clock.set(time.Date(2024, 7, 17, 16, 0, 0, 0, loc))
	initWindow(s, start)
	s.tick(ctx)

	snap := s.Snapshot()
	if snap.Deferred != 1 || snap.Delivered != 0 {
		t.Fatalf("snapshot after failure: %+v", snap)
	}
	if !snap.WindowStart.Equal(start) {
		t.Fatalf("checkpoint advanced past a failed delivery: %v", snap.WindowStart)
	}
	if done, _ := st.IsDelivered(ctx, id, "3d@16:00"); done {
		t.Fatal("failed delivery was recorded as delivered")
	}

	// Dispatcher recovers; the next tick re-covers the window and delivers.
	disp.setFail(false)
	clock.set(time.Date(2024, 7, 17, 16, 1, 0, 0, loc))
	s.tick(ctx)

	if sent := disp.sentKeys(); len(sent) != 1 {
		t.Fatalf("expected delivery on retry, got %v", sent)
	}
	snap = s.Snapshot()
	if !snap.WindowStart.Equal(clock.Now()) {
		t.Fatalf("checkpoint did not advance after recovery: %v", snap.WindowStart)
	}
}

func TestTickAbortOnStoreFailure(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/New_York")
	st := newMemStore()
	clock := &fakeClock{now: time.Date(2024, 7, 17, 16, 0, 0, 0, loc)}
	s := newTestService(t, st, clock, &fakeDispatcher{})
	ctx := context.Background()

	start := time.Date(2024, 7, 17, 15, 59, 0, 0, loc)
	initWindow(s, start)

	st.mu.Lock()
	st.listErr = errors.New("disk gone")
	st.mu.Unlock()

	// Threshold is 3: two aborts stay healthy, the third degrades.
	s.tick(ctx)
	s.tick(ctx)
	if !s.Healthy() {
		t.Fatal("degraded before threshold")
	}
	s.tick(ctx)
	if s.Healthy() {
		t.Fatal("not degraded at threshold")
	}

	snap := s.Snapshot()
	if snap.TicksAborted != 3 || snap.StoreFailures != 3 {
		t.Fatalf("snapshot: %+v", snap)
	}
	if !snap.WindowStart.Equal(start) {
		t.Fatalf("checkpoint moved during aborted ticks: %v", snap.WindowStart)
	}

	// Store recovers: health restored, failure streak reset.
	st.mu.Lock()
	st.listErr = nil
	st.mu.Unlock()
	s.tick(ctx)
	if !s.Healthy() {
		t.Fatal("still degraded after recovery")
	}
	if snap := s.Snapshot(); snap.StoreFailures != 0 {
		t.Fatalf("failure streak not reset: %+v", snap)
	}
}

func TestTickRearmAfterPurge(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/New_York")
	st := newMemStore()
	clock := &fakeClock{}
	disp := &fakeDispatcher{}
	s := newTestService(t, st, clock, disp)
	ctx := context.Background()

	raceAt := time.Date(2024, 7, 20, 18, 30, 0, 0, loc)
	id, _ := st.CreateRace(ctx, raceAt, "Newport", "J/105")

	clock.set(time.Date(2024, 7, 17, 16, 0, 0, 0, loc))
	initWindow(s, time.Date(2024, 7, 17, 15, 59, 0, 0, loc))
	s.tick(ctx)
	if sent := disp.sentKeys(); len(sent) != 1 {
		t.Fatalf("setup delivery failed: %v", sent)
	}

	// Edit-of-target-time: records purged, reminders re-arm against the new
	// schedule. The new 3d instant (Jul 18 16:00) falls in the next window.
	r, _ := st.GetRace(ctx, id)
	r.At = raceAt.AddDate(0, 0, 1)
	if err := st.UpdateRace(ctx, r); err != nil {
		t.Fatalf("UpdateRace: %v", err)
	}
	if _, err := s.deps.Tracker.Purge(ctx, id); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	clock.set(time.Date(2024, 7, 18, 16, 0, 0, 0, loc))
	initWindow(s, time.Date(2024, 7, 18, 15, 59, 0, 0, loc))
	s.tick(ctx)

	if sent := disp.sentKeys(); len(sent) != 2 {
		t.Fatalf("reminder did not re-fire after purge: %v", sent)
	}
}

func TestRunTickSkipsWhenBusy(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/New_York")
	st := newMemStore()
	clock := &fakeClock{now: time.Date(2024, 7, 17, 16, 0, 0, 0, loc)}
	block := make(chan struct{})
	disp := &fakeDispatcher{block: block}
	s := newTestService(t, st, clock, disp)
	ctx := context.Background()

	st.CreateRace(ctx, time.Date(2024, 7, 20, 18, 30, 0, 0, loc), "Newport", "J/105")
	initWindow(s, time.Date(2024, 7, 17, 15, 59, 0, 0, loc))

	done := make(chan struct{})
	go func() {
		s.runTick(ctx)
		close(done)
	}()

	// Wait until the first tick is inside Deliver, then fire a second one.
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		busy := s.tickBusy
		s.mu.Unlock()
		if busy {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first tick never became busy")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	s.runTick(ctx)
	if snap := s.Snapshot(); snap.TicksSkipped != 1 {
		t.Fatalf("expected overlapping tick to be skipped: %+v", snap)
	}

	close(block)
	<-done
}

func TestStartResumesCheckpoint(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/New_York")
	st := newMemStore()
	saved := time.Date(2024, 7, 17, 12, 0, 0, 0, loc)
	if err := st.SaveCheckpoint(context.Background(), saved); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	clock := &fakeClock{now: time.Date(2024, 7, 18, 17, 0, 0, 0, loc)}
	s := newTestService(t, st, clock, &fakeDispatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	if snap := s.Snapshot(); !snap.WindowStart.Equal(saved) {
		t.Fatalf("window start = %v, want persisted %v", snap.WindowStart, saved)
	}
}

func TestStartFreshInitializesCheckpointAtNow(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/New_York")
	st := newMemStore()
	now := time.Date(2024, 7, 18, 17, 0, 0, 0, loc)
	clock := &fakeClock{now: now}
	s := newTestService(t, st, clock, &fakeDispatcher{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	if snap := s.Snapshot(); !snap.WindowStart.Equal(now) {
		t.Fatalf("fresh window start = %v, want %v", snap.WindowStart, now)
	}
	// And it is persisted, so a crash before the first tick changes nothing.
	cp, ok, err := st.LoadCheckpoint(context.Background())
	if err != nil || !ok || !cp.Equal(now) {
		t.Fatalf("persisted checkpoint = %v ok=%v err=%v", cp, ok, err)
	}
}

// gateDispatcher holds a delivery open until gate closes, ignoring the
// dispatch deadline, and reports when the run context is cancelled.
type gateDispatcher struct {
	entered   chan struct{}
	cancelled chan struct{}
	gate      chan struct{}
	once      sync.Once
}

func (d *gateDispatcher) Deliver(ctx context.Context, _ race.Race, _ race.Kind) error {
	d.once.Do(func() { close(d.entered) })
	<-ctx.Done()
	close(d.cancelled)
	<-d.gate
	return nil
}

func TestStopPersistsCheckpointAfterTickDrains(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/New_York")
	st := newMemStore()
	ctx := context.Background()

	raceAt := time.Date(2024, 7, 20, 18, 30, 0, 0, loc)
	if _, err := st.CreateRace(ctx, raceAt, "Newport", "J/105"); err != nil {
		t.Fatalf("CreateRace: %v", err)
	}
	start := time.Date(2024, 7, 17, 15, 59, 0, 0, loc)
	if err := st.SaveCheckpoint(ctx, start); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	now := time.Date(2024, 7, 17, 16, 0, 30, 0, loc)
	clock := &fakeClock{now: now}
	disp := &gateDispatcher{
		entered:   make(chan struct{}),
		cancelled: make(chan struct{}),
		gate:      make(chan struct{}),
	}
	s := New(Config{
		Enabled:            true,
		Tick:               10 * time.Millisecond,
		Location:           loc,
		Kinds:              testKinds(t),
		DispatchTimeout:    time.Minute,
		StoreFailThreshold: 3,
	}, Deps{
		Store:      st,
		Tracker:    NewTracker(st),
		Dispatcher: disp,
		Clock:      clock,
		Log:        logx.Nop(),
	})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(runCtx)

	// A cron-fired tick is now mid-dispatch, holding the delivery open.
	<-disp.entered

	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()

	// Stop has cancelled the run context; it is now waiting for the tick.
	<-disp.cancelled

	// The tick finishes while Stop drains and leaves a newer window behind.
	// Stop must persist that window, not the one it saw on entry.
	initWindow(s, now)
	close(disp.gate)
	<-stopped

	cp, ok, err := st.LoadCheckpoint(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadCheckpoint: ok=%v err=%v", ok, err)
	}
	if !cp.Equal(now) {
		t.Fatalf("persisted checkpoint = %v, want %v", cp, now)
	}
}
