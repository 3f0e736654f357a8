package schema

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// EnsureTables creates the bookkeeping tables.
func (m *Manager) EnsureTables(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, DDL); err != nil {
		return fmt.Errorf("schema: ensure tables: %w", err)
	}
	return nil
}

// Checksum returns the checksum of the live structure.
func (m *Manager) Checksum(ctx context.Context) (string, error) {
	return checksum(ctx, m.db, m.tables)
}

// checksum hashes one line per column, "table|name|TYPE|notnull|default|pk",
// tables in managed order and columns in declaration order. A missing table
// contributes a marker line so that dropping a table changes the checksum.
func checksum(ctx context.Context, q querier, tables []string) (string, error) {
	h := sha256.New()
	for _, table := range tables {
		cols, err := columns(ctx, q, table)
		if err != nil {
			return "", err
		}
		if len(cols) == 0 {
			fmt.Fprintf(h, "%s|<missing>\n", table)
			continue
		}
		for _, c := range cols {
			fmt.Fprintf(h, "%s|%s|%s|%t|%s|%d\n", table, c.Name, strings.ToUpper(c.Type), c.NotNull, c.Default, c.PK)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type column struct {
	Name    string
	Type    string
	NotNull bool
	Default string
	PK      int
}

func columns(ctx context.Context, q querier, table string) ([]column, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name, type, "notnull", COALESCE(dflt_value, ''), pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("schema: table info %s: %w", table, err)
	}
	defer rows.Close()
	var out []column
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.Name, &c.Type, &c.NotNull, &c.Default, &c.PK); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Init records the initial version if none exists and returns the current record.
func (m *Manager) Init(ctx context.Context) (*Version, error) {
	if err := m.EnsureTables(ctx); err != nil {
		return nil, err
	}
	v, err := loadVersion(ctx, m.db)
	if err != nil {
		return nil, err
	}
	if v != nil {
		return v, nil
	}

	sum, err := m.Checksum(ctx)
	if err != nil {
		return nil, err
	}
	v = &Version{
		Version:      InitialVersion,
		Checksum:     sum,
		LastModified: m.now().UnixMilli(),
		Description:  "initial structure",
	}
	if err := saveVersion(ctx, m.db, v); err != nil {
		return nil, err
	}
	m.audit(ctx, m.db, AuditEntry{Action: "init", Detail: v.Description, Success: true, VersionAfter: v.Version})
	m.logger.Info("schema: initialized", "version", v.Version, "checksum", v.Checksum)
	return v, nil
}

// Status reports the recorded version, the live checksum and the lock.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	v, err := loadVersion(ctx, m.db)
	if err != nil {
		return nil, err
	}
	sum, err := m.Checksum(ctx)
	if err != nil {
		return nil, err
	}
	lock, err := loadLock(ctx, m.db)
	if err != nil {
		return nil, err
	}
	return &Status{Version: v, LiveChecksum: sum, Match: v != nil && v.Checksum == sum, Lock: lock}, nil
}

// Verify returns ErrChecksumMismatch if the live structure drifted from the
// recorded checksum. A mismatch is audited and logged as a violation.
func (m *Manager) Verify(ctx context.Context) error {
	st, err := m.Status(ctx)
	if err != nil {
		return err
	}
	if st.Version == nil {
		return ErrNotInitialized
	}
	if st.Match {
		return nil
	}
	err = fmt.Errorf("%w: recorded %s, live %s", ErrChecksumMismatch, short(st.Version.Checksum), short(st.LiveChecksum))
	m.audit(ctx, m.db, AuditEntry{Action: "verify", Success: false, ErrorMessage: err.Error(), VersionBefore: st.Version.Version})
	m.logger.Error("schema: violation", "version", st.Version.Version,
		"recorded", st.Version.Checksum, "live", st.LiveChecksum)
	return err
}

// Locked reports whether the schema lock is held.
func (m *Manager) Locked(ctx context.Context) (Lock, error) {
	return loadLock(ctx, m.db)
}

// Lock takes the schema lock. Taking a lock already held returns ErrLocked.
func (m *Manager) Lock(ctx context.Context, by, reason string) error {
	res, err := m.db.ExecContext(ctx,
		`UPDATE schema_lock SET is_locked = 1, locked_by = ?, locked_at = ?, lock_reason = ?
		WHERE id = 1 AND is_locked = 0`, by, m.now().UnixMilli(), reason)
	if err != nil {
		return fmt.Errorf("schema: lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, _ := loadLock(ctx, m.db)
		return fmt.Errorf("%w by %s since %d: %s", ErrLocked, cur.LockedBy, cur.LockedAt, cur.Reason)
	}
	m.audit(ctx, m.db, AuditEntry{Action: "lock", Detail: by + ": " + reason, Success: true})
	m.logger.Info("schema: locked", "by", by, "reason", reason)
	return nil
}

// Unlock releases the schema lock.
func (m *Manager) Unlock(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx,
		`UPDATE schema_lock SET is_locked = 0, locked_by = '', locked_at = 0, lock_reason = '' WHERE id = 1`); err != nil {
		return fmt.Errorf("schema: unlock: %w", err)
	}
	m.audit(ctx, m.db, AuditEntry{Action: "unlock", Success: true})
	m.logger.Info("schema: unlocked")
	return nil
}

// Rebaseline accepts the live structure as the new recorded version. It is
// the explicit resolution of a checksum mismatch.
func (m *Manager) Rebaseline(ctx context.Context, description string) (*Version, error) {
	prev, err := loadVersion(ctx, m.db)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, ErrNotInitialized
	}
	sum, err := m.Checksum(ctx)
	if err != nil {
		return nil, err
	}
	next := nextVersion(prev, sum, description, m.now().UnixMilli())
	if err := saveVersion(ctx, m.db, next); err != nil {
		return nil, err
	}
	m.audit(ctx, m.db, AuditEntry{Action: "rebaseline", Detail: description, Success: true,
		VersionBefore: prev.Version, VersionAfter: next.Version})
	m.logger.Warn("schema: rebaselined", "from", prev.Version, "to", next.Version)
	return next, nil
}

// AuditLog returns the most recent audit entries first.
func (m *Manager) AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, action, detail, success, error_message, version_before, version_after, executed_at
		FROM schema_audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("schema: audit log: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.Detail, &e.Success, &e.ErrorMessage,
			&e.VersionBefore, &e.VersionAfter, &e.ExecutedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (m *Manager) audit(ctx context.Context, q querier, e AuditEntry) {
	if e.ExecutedAt == 0 {
		e.ExecutedAt = m.now().UnixMilli()
	}
	if err := writeAudit(ctx, q, e); err != nil {
		m.logger.Warn("schema: audit write failed", "action", e.Action, "error", err)
	}
}

func writeAudit(ctx context.Context, q querier, e AuditEntry) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO schema_audit_log (action, detail, success, error_message, version_before, version_after, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Action, e.Detail, e.Success, e.ErrorMessage, e.VersionBefore, e.VersionAfter, e.ExecutedAt)
	return err
}

func loadVersion(ctx context.Context, q querier) (*Version, error) {
	var v Version
	err := q.QueryRowContext(ctx,
		`SELECT version, checksum, last_modified, description, previous_version, previous_checksum
		FROM schema_version WHERE id = 1`,
	).Scan(&v.Version, &v.Checksum, &v.LastModified, &v.Description, &v.PreviousVersion, &v.PreviousChecksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("schema: load version: %w", err)
	}
	return &v, nil
}

func saveVersion(ctx context.Context, q querier, v *Version) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO schema_version (id, version, checksum, last_modified, description, previous_version, previous_checksum)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			checksum = excluded.checksum,
			last_modified = excluded.last_modified,
			description = excluded.description,
			previous_version = excluded.previous_version,
			previous_checksum = excluded.previous_checksum`,
		v.Version, v.Checksum, v.LastModified, v.Description, v.PreviousVersion, v.PreviousChecksum)
	if err != nil {
		return fmt.Errorf("schema: save version: %w", err)
	}
	return nil
}

func loadLock(ctx context.Context, q querier) (Lock, error) {
	var l Lock
	err := q.QueryRowContext(ctx,
		`SELECT is_locked, locked_by, locked_at, lock_reason FROM schema_lock WHERE id = 1`,
	).Scan(&l.Locked, &l.LockedBy, &l.LockedAt, &l.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return Lock{}, nil
	}
	if err != nil {
		return Lock{}, fmt.Errorf("schema: load lock: %w", err)
	}
	return l, nil
}

func nextVersion(prev *Version, checksum, description string, now int64) *Version {
	return &Version{
		Version:          bumpPatch(prev.Version),
		Checksum:         checksum,
		LastModified:     now,
		Description:      description,
		PreviousVersion:  prev.Version,
		PreviousChecksum: prev.Checksum,
	}
}

// bumpPatch turns "1.2.3" into "1.2.4". Anything unparsable restarts at 1.0.1.
func bumpPatch(v string) string {
	var major, minor, patch int
	if n, _ := fmt.Sscanf(v, "%d.%d.%d", &major, &minor, &patch); n != 3 {
		return "1.0.1"
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch+1)
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
