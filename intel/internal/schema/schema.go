// Package schema tracks the structural version of the staged store and runs
// guarded column migrations.
//
// The live structure is summarised as a SHA-256 checksum over the column
// definitions of the managed tables. The checksum stored in schema_version
// must match the live one outside a migration; any drift blocks further
// migrations until it is re-baselined.
package schema

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

var (
	ErrNotInitialized   = errors.New("schema: version record missing")
	ErrChecksumMismatch = errors.New("schema: live structure does not match recorded checksum")
	ErrLocked           = errors.New("schema: locked")
	ErrUnknownColumn    = errors.New("schema: unknown table or column")
	ErrAlreadyJSON      = errors.New("schema: column is already JSONB")
)

// DDL for the manager's own bookkeeping tables. They are not checksummed.
const DDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	id                INTEGER PRIMARY KEY CHECK (id = 1),
	version           TEXT NOT NULL,
	checksum          TEXT NOT NULL,
	last_modified     INTEGER NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	previous_version  TEXT NOT NULL DEFAULT '',
	previous_checksum TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS schema_lock (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	is_locked   INTEGER NOT NULL DEFAULT 0,
	locked_by   TEXT NOT NULL DEFAULT '',
	locked_at   INTEGER NOT NULL DEFAULT 0,
	lock_reason TEXT NOT NULL DEFAULT ''
);
INSERT OR IGNORE INTO schema_lock (id, is_locked) VALUES (1, 0);

CREATE TABLE IF NOT EXISTS schema_audit_log (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	action         TEXT NOT NULL,
	detail         TEXT NOT NULL DEFAULT '',
	success        INTEGER NOT NULL,
	error_message  TEXT NOT NULL DEFAULT '',
	version_before TEXT NOT NULL DEFAULT '',
	version_after  TEXT NOT NULL DEFAULT '',
	executed_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schema_audit_time ON schema_audit_log(executed_at DESC);
`

// InitialVersion is recorded on first initialisation.
const InitialVersion = "1.0.0"

// Version is the schema_version record.
type Version struct {
	Version          string `json:"version"`
	Checksum         string `json:"checksum"`
	LastModified     int64  `json:"last_modified"`
	Description      string `json:"description"`
	PreviousVersion  string `json:"previous_version,omitempty"`
	PreviousChecksum string `json:"previous_checksum,omitempty"`
}

// Lock is the schema_lock record.
type Lock struct {
	Locked   bool   `json:"locked"`
	LockedBy string `json:"locked_by,omitempty"`
	LockedAt int64  `json:"locked_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Status compares the recorded version with the live structure.
type Status struct {
	Version      *Version `json:"version"`
	LiveChecksum string   `json:"live_checksum"`
	Match        bool     `json:"match"`
	Lock         Lock     `json:"lock"`
}

// AuditEntry is one schema_audit_log row.
type AuditEntry struct {
	ID            int64  `json:"id"`
	Action        string `json:"action"`
	Detail        string `json:"detail"`
	Success       bool   `json:"success"`
	ErrorMessage  string `json:"error_message,omitempty"`
	VersionBefore string `json:"version_before,omitempty"`
	VersionAfter  string `json:"version_after,omitempty"`
	ExecutedAt    int64  `json:"executed_at"`
}

// Manager guards the structure of a set of tables.
type Manager struct {
	db     *sql.DB
	tables []string
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// New returns a Manager for tables, checksummed in the given order.
func New(db *sql.DB, tables []string, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		db:     db,
		tables: append([]string(nil), tables...),
		logger: logger.With("component", "schema"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
