// Package dbopen opens the compwatch SQLite database with the pragmas the
// pipeline relies on: foreign keys between stages, WAL so the projection API
// can read while a run writes, and a busy timeout.
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("data/compwatch.db", dbopen.WithMkdirAll())
//
// Tests use OpenMemory, which pins the pool to one connection.
package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const driverName = "sqlite"

type options struct {
	busyTimeoutMs int
	synchronous   string
	foreignKeys   bool
	mkdirAll      bool
	singleConn    bool
	ddl           []string
}

// Option customises Open.
type Option func(*options)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(o *options) { o.busyTimeoutMs = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(o *options) { o.synchronous = mode } }

// WithMkdirAll creates the database's parent directory.
func WithMkdirAll() Option { return func(o *options) { o.mkdirAll = true } }

// WithSingleConn limits the pool to one connection so every statement of a
// run shares the same pragmas and write lock.
func WithSingleConn() Option { return func(o *options) { o.singleConn = true } }

// WithSchema queues DDL executed after the pragmas.
func WithSchema(ddl string) Option { return func(o *options) { o.ddl = append(o.ddl, ddl) } }

// WithoutForeignKeys turns PRAGMA foreign_keys off.
func WithoutForeignKeys() Option { return func(o *options) { o.foreignKeys = false } }

func (o *options) pragmas() []string {
	fk := 0
	if o.foreignKeys {
		fk = 1
	}
	return []string{
		fmt.Sprintf("PRAGMA foreign_keys = %d", fk),
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", o.busyTimeoutMs),
		"PRAGMA synchronous = " + o.synchronous,
	}
}

// Open opens the database at path. The caller blank-imports the driver.
func Open(path string, opts ...Option) (*sql.DB, error) {
	o := options{busyTimeoutMs: 10_000, synchronous: "NORMAL", foreignKeys: true}
	for _, fn := range opts {
		fn(&o)
	}

	if o.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if o.singleConn {
		db.SetMaxOpenConns(1)
	}
	if err := prepare(db, append(o.pragmas(), o.ddl...)); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func prepare(db *sql.DB, stmts []string) error {
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("dbopen: %q: %w", s, err)
		}
	}
	return db.Ping()
}

// OpenMemory opens a private in-memory database closed on test cleanup.
// Each connection to ":memory:" is its own database, hence the single conn.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", append(opts, WithSingleConn())...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// HasColumn reports whether table has a column named column.
func HasColumn(ctx context.Context, q Querier, table, column string) (bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, table, column)
	if err != nil {
		return false, fmt.Errorf("dbopen: table info %s: %w", table, err)
	}
	defer rows.Close()
	found := rows.Next()
	return found, rows.Err()
}
