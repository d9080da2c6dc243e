// Package store persists scan runs, targets and services. Every write is a
// single conditional statement so concurrent collectors sharing a database
// never observe a half-applied entity.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentinel-intel/sentinel/internal/model"
)

// ErrNoSchema is returned by CheckSchema on a database no run has written to.
var ErrNoSchema = errors.New("database schema missing, execute a run first")

type Store struct {
	db       *sql.DB
	dialect  dialect
	now      func() time.Time
	readOnly bool
}

type Option func(*Store)

// WithClock replaces the wall clock used for first_seen, last_seen and run
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// ReadOnly opens the database without creating or modifying it. A missing
// sqlite file is an error and Migrate is refused.
func ReadOnly() Option {
	return func(s *Store) {
		s.readOnly = true
	}
}

// Open connects to the database. It does not create the schema, see Migrate.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, &model.ConfigError{Field: "storage.driver", Problems: []string{fmt.Sprintf("unsupported driver %q", driver)}}
	}
	s := newStore(nil, d, opts...)
	db, err := d.open(ctx, dsn, s.readOnly)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}
	s.db = db
	return s, nil
}

// New wraps an existing handle.
func New(db *sql.DB, driver string, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("no database handle provided")
	}
	d, ok := dialects[driver]
	if !ok {
		return nil, &model.ConfigError{Field: "storage.driver", Problems: []string{fmt.Sprintf("unsupported driver %q", driver)}}
	}
	return newStore(db, d, opts...), nil
}

func newStore(db *sql.DB, d dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: d, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the tables if absent.
func (s *Store) Migrate(ctx context.Context) error {
	if s.readOnly {
		return errors.New("migrate: store opened read-only")
	}
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &model.PersistenceError{Op: "migrate", Err: err}
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &model.PersistenceError{Op: "ping", Err: err}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Driver() string {
	return s.dialect.name
}

// CheckSchema reports ErrNoSchema when the tables were never created.
func (s *Store) CheckSchema(ctx context.Context) error {
	for _, table := range []string{"scan_runs", "targets", "services"} {
		var n int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE 1 = 0`).Scan(&n)
		if err != nil {
			return fmt.Errorf("%w: table %s: %v", ErrNoSchema, table, err)
		}
	}
	return nil
}

func (s *Store) begin(ctx context.Context, op string) (*sql.Tx, func(), error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, &model.PersistenceError{Op: op, Err: err}
	}
	rollback := func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("op", op), slog.String("error", err.Error()))
		}
	}
	return tx, rollback, nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func validHandle(h model.RunHandle) error {
	if !h.Valid() {
		return errors.New("invalid run handle")
	}
	return nil
}
