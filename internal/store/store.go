package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Store wraps the terminal's embedded SQLite database. Writes are
// serialized through Begin; reads may run concurrently against committed
// state (WAL mode).
type Store struct {
	db *sql.DB

	// writer admits one transaction at a time
	writer chan struct{}
}

// ErrClosed is returned when a transaction is requested after Close.
var ErrClosed = errors.New("store is closed")

// Open opens (creating if needed) the store file at path and applies the
// schema. WAL journaling with synchronous=NORMAL gives crash safety without
// per-commit fsync stalls; foreign keys are enforced on every connection.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// WAL lets readers proceed while a writer is mid-transaction; Begin
	// serializes writers above the driver. A handful of connections covers
	// the reader side.
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Info().Str("path", path).Msg("store opened")

	return &Store{
		db:     db,
		writer: make(chan struct{}, 1),
	}, nil
}

// Close closes the underlying database. Callers must ensure no transaction
// is in flight; the supervisor closes the store last.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for read paths and package-internal queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Tx is a scoped transactional handle. All writes performed through it
// commit or roll back together.
type Tx struct {
	tx   *sql.Tx
	s    *Store
	done bool
}

// Begin opens a write transaction, waiting for any in-flight writer to
// finish first. The wait is bounded by ctx.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		<-s.writer
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx, s: s}, nil
}

// Commit commits the transaction and releases the writer slot.
func (t *Tx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	err := t.tx.Commit()
	<-t.s.writer
	return err
}

// Rollback aborts the transaction. Safe to defer after Begin; a rollback
// after Commit is a no-op.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.tx.Rollback()
	<-t.s.writer
	return err
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// QueryRow runs a single-row query inside the transaction.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Query runs a multi-row query inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// IsDuplicate reports whether err is a unique-constraint violation.
// Duplicate outbox/inbox inserts are benign by contract; every other
// constraint failure aborts the enclosing transaction.
func IsDuplicate(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// Timestamps are stored as RFC3339Nano text so that string comparison
// matches time comparison.

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
