package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"racebot/internal/storage"
)

// ErrAlreadyMarked is returned when a delivery is recorded twice for the same
// (race, kind) key. Marking is strict rather than an idempotent no-op: a
// second mark means two evaluations raced past the delivered check, which the
// tracker exists to prevent, so it must surface.
var ErrAlreadyMarked = errors.New("delivery already marked")

// Tracker guards the at-most-once delivery invariant.
//
// It serializes check-then-act per key: Claim() atomically checks the
// persisted delivered state AND an in-flight set, so two concurrent
// evaluations of the same key can never both dispatch. The persisted record
// (storage.MarkDelivered with a primary-key insert) backstops the invariant
// across restarts.
type Tracker struct {
	mu       sync.Mutex
	store    storage.Store
	inflight map[string]struct{}
}

func NewTracker(store storage.Store) *Tracker {
	return &Tracker{store: store, inflight: map[string]struct{}{}}
}

func key(raceID int64, kind string) string {
	return fmt.Sprintf("%d/%s", raceID, kind)
}

// IsDelivered reports whether a delivery record exists for the key.
func (t *Tracker) IsDelivered(ctx context.Context, raceID int64, kind string) (bool, error) {
	return t.store.IsDelivered(ctx, raceID, kind)
}

// Claim reserves the key for dispatch. It returns false when the key is
// already delivered or is currently being dispatched by another goroutine.
// A successful claim MUST be followed by Commit (on dispatch success) or
// Release (on dispatch failure).
func (t *Tracker) Claim(ctx context.Context, raceID int64, kind string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(raceID, kind)
	if _, busy := t.inflight[k]; busy {
		return false, nil
	}
	done, err := t.store.IsDelivered(ctx, raceID, kind)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}
	t.inflight[k] = struct{}{}
	return true, nil
}

// Commit records the delivery and releases the claim.
func (t *Tracker) Commit(ctx context.Context, raceID int64, kind string, at time.Time) error {
	defer t.Release(raceID, kind)
	err := t.store.MarkDelivered(ctx, raceID, kind, at)
	if errors.Is(err, storage.ErrAlreadyDelivered) {
		return ErrAlreadyMarked
	}
	return err
}

// Release drops an unconsumed claim so the key can be retried on a later tick.
func (t *Tracker) Release(raceID int64, kind string) {
	t.mu.Lock()
	delete(t.inflight, key(raceID, kind))
	t.mu.Unlock()
}

// Purge removes all delivery records for a race. Called on race deletion and
// on any edit that changes the race's target time: stale records computed
// against the old schedule would otherwise suppress reminders that should
// re-fire against the new one.
func (t *Tracker) Purge(ctx context.Context, raceID int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := fmt.Sprintf("%d/", raceID)
	for k := range t.inflight {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(t.inflight, k)
		}
	}
	return t.store.PurgeDeliveries(ctx, raceID)
}
