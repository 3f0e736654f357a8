package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/hazyhaar/compwatch/dbopen"
)

// JSONType is the declared type of a migrated column. Values are stored as
// SQLite JSONB blobs and read back with json().
const JSONType = "JSONB"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Migration reports what MigrateColumnToJSON did.
type Migration struct {
	Table         string `json:"table"`
	Column        string `json:"column"`
	Rows          int    `json:"rows"`
	Parsed        int    `json:"parsed"`
	Wrapped       int    `json:"wrapped"`
	Nulls         int    `json:"nulls"`
	VersionBefore string `json:"version_before"`
	VersionAfter  string `json:"version_after"`
	Checksum      string `json:"checksum"`
}

// MigrateColumnToJSON converts table.column to JSONB in one transaction:
// add a shadow column, copy every row, drop the original, rename the shadow.
//
// Values that look like a JSON object or array and parse are stored as
// parsed JSON. Every other non-empty value, including malformed JSON, is
// wrapped as a JSON string. NULL and blank values become NULL. Row count is
// checked before commit.
//
// The migration refuses to start when the schema is locked or the live
// checksum differs from the recorded one. On any failure the transaction is
// rolled back and the previous structure is untouched.
func (m *Manager) MigrateColumnToJSON(ctx context.Context, table, col string) (*Migration, error) {
	mig := &Migration{Table: table, Column: col}
	detail := table + "." + col

	if !slices.Contains(m.tables, table) || !identRe.MatchString(col) {
		return nil, m.migrationFailed(ctx, mig, detail, fmt.Errorf("%w: %s", ErrUnknownColumn, detail))
	}

	err := dbopen.RunTx(ctx, m.db, func(tx *sql.Tx) error {
		lock, err := loadLock(ctx, tx)
		if err != nil {
			return err
		}
		if lock.Locked {
			return fmt.Errorf("%w by %s: %s", ErrLocked, lock.LockedBy, lock.Reason)
		}

		prev, err := loadVersion(ctx, tx)
		if err != nil {
			return err
		}
		if prev == nil {
			return ErrNotInitialized
		}
		mig.VersionBefore = prev.Version

		live, err := checksum(ctx, tx, m.tables)
		if err != nil {
			return err
		}
		if live != prev.Checksum {
			return fmt.Errorf("%w: recorded %s, live %s", ErrChecksumMismatch, short(prev.Checksum), short(live))
		}

		cols, err := columns(ctx, tx, table)
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(cols, func(c column) bool { return c.Name == col })
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownColumn, detail)
		}
		if strings.EqualFold(cols[idx].Type, JSONType) {
			return fmt.Errorf("%w: %s", ErrAlreadyJSON, detail)
		}

		if err := m.copyToJSON(ctx, tx, mig); err != nil {
			return err
		}

		sum, err := checksum(ctx, tx, m.tables)
		if err != nil {
			return err
		}
		next := nextVersion(prev, sum,
			fmt.Sprintf("%s converted to %s (%d parsed, %d wrapped, %d null)", detail, JSONType, mig.Parsed, mig.Wrapped, mig.Nulls),
			m.now().UnixMilli())
		if err := saveVersion(ctx, tx, next); err != nil {
			return err
		}
		mig.VersionAfter = next.Version
		mig.Checksum = sum
		return writeAudit(ctx, tx, AuditEntry{
			Action: "migrate_json", Detail: next.Description, Success: true,
			VersionBefore: prev.Version, VersionAfter: next.Version, ExecutedAt: m.now().UnixMilli(),
		})
	})
	if err != nil {
		return nil, m.migrationFailed(ctx, mig, detail, err)
	}

	m.logger.Info("schema: column migrated",
		"table", table, "column", col, "rows", mig.Rows, "parsed", mig.Parsed,
		"wrapped", mig.Wrapped, "version", mig.VersionAfter)
	return mig, nil
}

func (m *Manager) copyToJSON(ctx context.Context, tx *sql.Tx, mig *Migration) error {
	t, c := quoteIdent(mig.Table), quoteIdent(mig.Column)
	shadow := quoteIdent(mig.Column + "_new")

	before, err := countRows(ctx, tx, t)
	if err != nil {
		return err
	}

	// Classification happens before the copy, on the original values.
	looksStructured := fmt.Sprintf(`(ltrim(%[1]s) LIKE '{%%' OR ltrim(%[1]s) LIKE '[%%')`, c)
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT
		COALESCE(SUM(CASE WHEN %[2]s IS NULL OR trim(%[2]s) = '' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN %[2]s IS NOT NULL AND trim(%[2]s) <> '' AND %[3]s AND json_valid(%[2]s) THEN 1 ELSE 0 END), 0)
		FROM %[1]s`, t, c, looksStructured)).Scan(&mig.Nulls, &mig.Parsed)
	if err != nil {
		return fmt.Errorf("schema: classify %s: %w", mig.Column, err)
	}
	mig.Rows = before
	mig.Wrapped = before - mig.Nulls - mig.Parsed

	steps := []string{
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, t, shadow, JSONType),
		fmt.Sprintf(`UPDATE %[1]s SET %[2]s = CASE
			WHEN %[3]s IS NULL OR trim(%[3]s) = '' THEN NULL
			WHEN %[4]s AND json_valid(%[3]s) THEN jsonb(%[3]s)
			ELSE jsonb(json_quote(CAST(%[3]s AS TEXT)))
		END`, t, shadow, c, looksStructured),
		fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`, t, c),
		fmt.Sprintf(`ALTER TABLE %s RENAME COLUMN %s TO %s`, t, shadow, c),
	}
	for i, stmt := range steps {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: migrate %s.%s step %d: %w", mig.Table, mig.Column, i+1, err)
		}
	}

	after, err := countRows(ctx, tx, t)
	if err != nil {
		return err
	}
	if after != before {
		return fmt.Errorf("schema: migrate %s.%s: row count changed %d -> %d", mig.Table, mig.Column, before, after)
	}
	return nil
}

func (m *Manager) migrationFailed(ctx context.Context, mig *Migration, detail string, err error) error {
	m.audit(ctx, m.db, AuditEntry{
		Action: "migrate_json", Detail: detail, Success: false,
		ErrorMessage: err.Error(), VersionBefore: mig.VersionBefore,
	})
	if errors.Is(err, ErrChecksumMismatch) {
		m.logger.Error("schema: violation", "table", mig.Table, "column", mig.Column, "error", err)
	} else {
		m.logger.Warn("schema: migration refused", "table", mig.Table, "column", mig.Column, "error", err)
	}
	return err
}

func countRows(ctx context.Context, tx *sql.Tx, quotedTable string) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+quotedTable).Scan(&n); err != nil {
		return 0, fmt.Errorf("schema: count rows: %w", err)
	}
	return n, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
