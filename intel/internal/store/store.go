// Package store is the staged store: raw snapshots, normalized documents and
// change records, and the intelligence tables read by downstream consumers.
//
// Natural keys make every write idempotent: raw snapshots by
// (target, fetched_at), documents by (target, fingerprint), assessments and
// enrichments by change id.
package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hazyhaar/compwatch/dbopen"
)

// Store wraps the staged-store database. Read and write methods are shared
// with Tx through the embedded queries.
type Store struct {
	DB *sql.DB
	queries
}

// NewStore wraps an already-opened database. Call ApplySchema first.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, queries: queries{q: db}}
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSingleConn())
	if err != nil {
		return nil, err
	}
	if err := ApplySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// InTx runs fn against a transaction-scoped Store.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	return dbopen.RunTx(ctx, s.DB, func(sqlTx *sql.Tx) error {
		return fn(&Tx{queries{q: sqlTx}})
	})
}

// Tx is a transaction-scoped Store. A document, its change record and the
// first assessment commit together through it.
type Tx struct {
	queries
}

type queries struct {
	q execer
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// jsonCol reads a column that holds JSON as text or, after a column
// migration, as a JSONB blob.
func jsonCol(col string) string {
	return "CASE WHEN typeof(" + col + ") = 'blob' THEN json(" + col + ") ELSE " + col + " END"
}
