package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"racebot/internal/race"
	logx "racebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	loc *time.Location
}

// Open initializes the SQLite store at cfg.Path, creating the schema if needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, loc: loc}

	// Pragma failures are survivable (defaults apply) but worth surfacing.
	if cfg.BusyTimeout > 0 {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds())); err != nil {
			log.Warn("busy_timeout pragma failed", logx.Err(err))
		}
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Warn("journal_mode pragma failed", logx.Err(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Warn("synchronous pragma failed", logx.Err(err))
	}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	s.log.Debug("schema ensured")
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- races ----

func (s *sqliteStore) CreateRace(ctx context.Context, at time.Time, location, boat string) (int64, error) {
	at = at.In(s.loc)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO races(at, at_ms, location, boat) VALUES(?,?,?,?)`,
		at.Format(time.RFC3339Nano), at.UnixMilli(), location, boat,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) GetRace(ctx context.Context, id int64) (race.Race, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, at, location, boat FROM races WHERE id = ?`, id)
	return s.scanRace(row)
}

func (s *sqliteStore) ListRaces(ctx context.Context) ([]race.Race, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, location, boat FROM races ORDER BY at_ms ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []race.Race
	for rows.Next() {
		r, err := s.scanRace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateRace(ctx context.Context, r race.Race) error {
	at := r.At.In(s.loc)
	res, err := s.db.ExecContext(ctx,
		`UPDATE races SET at = ?, at_ms = ?, location = ?, boat = ? WHERE id = ?`,
		at.Format(time.RFC3339Nano), at.UnixMilli(), r.Location, r.Boat, r.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteRace(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM races WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM deliveries WHERE race_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqliteStore) scanRace(row rowScanner) (race.Race, error) {
	var r race.Race
	var at string
	err := row.Scan(&r.ID, &at, &r.Location, &r.Boat)
	if errors.Is(err, sql.ErrNoRows) {
		return race.Race{}, ErrNotFound
	}
	if err != nil {
		return race.Race{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return race.Race{}, fmt.Errorf("corrupt race time %q: %w", at, err)
	}
	r.At = t.In(s.loc)
	return r, nil
}

// ---- deliveries ----

func (s *sqliteStore) IsDelivered(ctx context.Context, raceID int64, kind string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM deliveries WHERE race_id = ? AND kind = ?`, raceID, kind).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, raceID int64, kind string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries(race_id, kind, delivered_at) VALUES(?,?,?)`,
		raceID, kind, at.UnixMilli(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyDelivered
	}
	return nil
}

func (s *sqliteStore) PurgeDeliveries(ctx context.Context, raceID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE race_id = ?`, raceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- checkpoint ----

func (s *sqliteStore) LoadCheckpoint(ctx context.Context) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT window_start FROM checkpoint WHERE id = 1`).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).In(s.loc), true, nil
}

func (s *sqliteStore) SaveCheckpoint(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoint(id, window_start) VALUES(1, ?)
		 ON CONFLICT(id) DO UPDATE SET window_start=excluded.window_start`,
		t.UnixMilli(),
	)
	return err
}
