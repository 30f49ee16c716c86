// Package sqlitestore is the default record store, backed by a single SQLite file.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/b0ase/path402/apps/minesim/internal/accrual"
	"github.com/b0ase/path402/apps/minesim/internal/store"
)

//go:embed schema.sql
var schemaSQL string

var log = logrus.WithField("component", "db")

const (
	// DriverCgo is mattn/go-sqlite3.
	DriverCgo = "sqlite3"
	// DriverPure is modernc.org/sqlite, for builds without cgo.
	DriverPure = "sqlite"
)

const selectColumns = `device_id, balance_micros, is_mining, is_mining_paused,
	last_update_time, last_active, created_at, paused_at`

// Store implements store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
func Open(driver, path string) (*Store, error) {
	var dsn string
	switch driver {
	case "", DriverCgo:
		driver = DriverCgo
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case DriverPure:
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	// Single writer, multiple readers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Infof("Opened %s (driver %s)", path, driver)
	return &Store{db: db}, nil
}

// Close shuts down the database connection.
func (s *Store) Close() error {
	err := s.db.Close()
	log.Info("Closed")
	return err
}

// DB returns the underlying *sql.DB for direct queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(sc scanner) (store.Row, error) {
	var r store.Row
	err := sc.Scan(&r.DeviceID, &r.BalanceMicros, &r.IsMining, &r.IsMiningPaused,
		&r.LastUpdateTime, &r.LastActive, &r.CreatedAt, &r.PausedAt)
	return r, err
}

func (s *Store) Get(ctx context.Context, deviceID string) (accrual.Record, error) {
	row, err := scanRow(s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM miners WHERE device_id = ?`, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return accrual.Record{}, store.ErrNotFound
	}
	if err != nil {
		return accrual.Record{}, err
	}
	return row.Record(), nil
}

func (s *Store) GetOrCreate(ctx context.Context, deviceID string, now time.Time) (accrual.Record, bool, error) {
	ms := store.Millis(now)
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO miners
			(device_id, balance_micros, is_mining, is_mining_paused,
			 last_update_time, last_active, created_at, paused_at)
		VALUES (?, 0, 0, 0, ?, ?, ?, 0)`,
		deviceID, ms, ms, ms)
	if err != nil {
		return accrual.Record{}, false, err
	}
	n, _ := res.RowsAffected()

	rec, err := s.Get(ctx, deviceID)
	return rec, n > 0, err
}

func (s *Store) Apply(ctx context.Context, u store.Update) error {
	var lastActive sql.NullInt64
	if u.LastActive != nil {
		lastActive = sql.NullInt64{Int64: store.Millis(*u.LastActive), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE miners SET
			balance_micros   = balance_micros + ?,
			is_mining_paused = ?,
			last_update_time = ?,
			paused_at        = ?,
			last_active      = COALESCE(?, last_active)
		WHERE device_id = ? AND is_mining = ? AND is_mining_paused = ?
			AND last_update_time = ? AND last_active = ?`,
		u.BalanceDelta, u.IsMiningPaused, store.Millis(u.LastUpdateTime), store.Millis(u.PausedAt),
		lastActive,
		u.DeviceID, u.ExpectMining, u.ExpectPaused,
		store.Millis(u.ExpectLastUpdateTime), store.Millis(u.ExpectLastActive))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return s.missingOrConflict(ctx, u.DeviceID)
}

func (s *Store) missingOrConflict(ctx context.Context, deviceID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM miners WHERE device_id = ?`, deviceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrConflict
}

func (s *Store) Touch(ctx context.Context, deviceID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE miners SET last_active = ? WHERE device_id = ?`, store.Millis(at), deviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) Start(ctx context.Context, deviceID string, now time.Time) (accrual.Record, error) {
	ms := store.Millis(now)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO miners
			(device_id, balance_micros, is_mining, is_mining_paused,
			 last_update_time, last_active, created_at, paused_at)
		VALUES (?, 0, 1, 0, ?, ?, ?, 0)
		ON CONFLICT(device_id) DO UPDATE SET
			is_mining        = 1,
			is_mining_paused = 0,
			last_update_time = excluded.last_update_time,
			last_active      = excluded.last_active,
			paused_at        = 0`,
		deviceID, ms, ms, ms)
	if err != nil {
		return accrual.Record{}, err
	}
	return s.Get(ctx, deviceID)
}

func (s *Store) Reset(ctx context.Context, deviceID string, now time.Time) (accrual.Record, error) {
	ms := store.Millis(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE miners SET
			balance_micros   = 0,
			is_mining        = 0,
			is_mining_paused = 0,
			last_update_time = ?,
			last_active      = ?,
			paused_at        = 0
		WHERE device_id = ?`,
		ms, ms, deviceID)
	if err != nil {
		return accrual.Record{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return accrual.Record{}, store.ErrNotFound
	}
	return s.Get(ctx, deviceID)
}

func (s *Store) ListMining(ctx context.Context) ([]accrual.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM miners WHERE is_mining = 1 ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []accrual.Record
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, row.Record())
	}
	return recs, rows.Err()
}
