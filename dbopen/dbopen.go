// Package dbopen opens the SQLite databases abdom keeps its event log in.
//
// Pragmas are applied with EXEC after opening so they hold for whichever
// connection the pool hands out first:
//
//	journal_mode = WAL
//	busy_timeout = 5000
//	synchronous  = NORMAL
//	foreign_keys = ON
//
// In tests:
//
//	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

type options struct {
	busyTimeout int
	synchronous string
	journal     string
	mkdirAll    bool
	schemas     []string
}

// Option customises Open.
type Option func(*options)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds.
func WithBusyTimeout(ms int) Option { return func(o *options) { o.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous (OFF, NORMAL, FULL).
func WithSynchronous(mode string) Option { return func(o *options) { o.synchronous = mode } }

// WithJournalMode sets PRAGMA journal_mode. In-memory databases report
// "memory" whatever is asked.
func WithJournalMode(mode string) Option { return func(o *options) { o.journal = mode } }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(o *options) { o.mkdirAll = true } }

// WithSchema queues DDL executed once the pragmas are in place. Statements
// must be idempotent (CREATE ... IF NOT EXISTS).
func WithSchema(ddl string) Option { return func(o *options) { o.schemas = append(o.schemas, ddl) } }

// Open opens the database at path.
func Open(path string, opts ...Option) (*sql.DB, error) {
	o := options{busyTimeout: 5000, synchronous: "NORMAL", journal: "WAL"}
	for _, fn := range opts {
		fn(&o)
	}

	if o.mkdirAll && path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir %s: %w", filepath.Dir(path), err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if err := setup(db, &o); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func setup(db *sql.DB, o *options) error {
	pragmas := []string{
		"PRAGMA journal_mode = " + o.journal,
		fmt.Sprintf("PRAGMA busy_timeout = %d", o.busyTimeout),
		"PRAGMA synchronous = " + o.synchronous,
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}
	for _, ddl := range o.schemas {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("dbopen: schema: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("dbopen: ping: %w", err)
	}
	return nil
}

// OpenMemory opens a private in-memory database closed when t ends. The pool
// is pinned to one connection, each ":memory:" connection being its own
// database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memoryPath, opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
