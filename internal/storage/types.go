package storage

import (
	"context"
	"errors"
	"time"

	"racebot/internal/race"
)

var (
	// ErrNotFound is returned when a referenced race id does not exist.
	ErrNotFound = errors.New("race not found")

	// ErrAlreadyDelivered is returned by MarkDelivered when a delivery record
	// for the (race, kind) key already exists. At most one record per key ever
	// exists; a second mark indicates a dedup race upstream.
	ErrAlreadyDelivered = errors.New("reminder already delivered")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration  // 0 means default
	Location    *time.Location // reference zone race times are returned in
}

// Store is the persistence API used by commands and the scheduler.
//
// All writes are durable before the call returns.
type Store interface {
	CreateRace(ctx context.Context, at time.Time, location, boat string) (int64, error)
	GetRace(ctx context.Context, id int64) (race.Race, error)
	ListRaces(ctx context.Context) ([]race.Race, error)
	UpdateRace(ctx context.Context, r race.Race) error
	// DeleteRace removes the race and, in the same transaction, purges its
	// delivery records so a later id can never inherit stale delivered state.
	DeleteRace(ctx context.Context, id int64) error

	IsDelivered(ctx context.Context, raceID int64, kind string) (bool, error)
	MarkDelivered(ctx context.Context, raceID int64, kind string, at time.Time) error
	PurgeDeliveries(ctx context.Context, raceID int64) (int64, error)

	LoadCheckpoint(ctx context.Context) (time.Time, bool, error)
	SaveCheckpoint(ctx context.Context, t time.Time) error

	Close() error
}
