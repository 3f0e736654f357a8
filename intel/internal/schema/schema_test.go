package schema

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/compwatch/dbopen"
	"github.com/hazyhaar/compwatch/intel/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *sql.DB) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	ctx := context.Background()
	require.NoError(t, store.ApplySchema(ctx, db))
	m := New(db, store.ManagedTables, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := m.Init(ctx)
	require.NoError(t, err)
	return m, db
}

// seedDiffs inserts n change rows whose diff column holds the given values.
func seedDiffs(t *testing.T, db *sql.DB, values []any) {
	t.Helper()
	mustExec := func(q string, args ...any) {
		t.Helper()
		_, err := db.Exec(q, args...)
		require.NoError(t, err)
	}
	mustExec(`INSERT INTO targets (id, company, url, url_type, created_at, updated_at) VALUES ('t1', 'Acme', 'https://acme.test', 'pricing', 1, 1)`)
	mustExec(`INSERT INTO raw_snapshots (id, target_id, fetched_at, http_status) VALUES ('s1', 't1', 1, 200)`)
	mustExec(`INSERT INTO processed_documents (id, snapshot_id, target_id, canonical_text, fingerprint, produced_at, last_seen_at)
		VALUES ('d1', 's1', 't1', 'x', 'f1', 1, 1)`)
	for i, v := range values {
		mustExec(`INSERT INTO processed_changes (id, target_id, new_document_id, new_fingerprint, change_percent, diff, detected_at)
			VALUES (?, 't1', 'd1', 'f1', 10, ?, ?)`, fmt.Sprintf("c%02d", i), v, i)
	}
}

func TestInit_RecordsChecksum(t *testing.T) {
	// WHAT: Init records version 1.0.0 with the live checksum, and is idempotent.
	m, _ := newTestManager(t)
	ctx := context.Background()

	st, err := m.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Version)
	assert.Equal(t, InitialVersion, st.Version.Version)
	assert.True(t, st.Match)
	assert.Len(t, st.LiveChecksum, 64)

	again, err := m.Init(ctx)
	require.NoError(t, err)
	assert.Equal(t, st.Version.Checksum, again.Checksum)
	require.NoError(t, m.Verify(ctx))
}

func TestChecksum_Deterministic(t *testing.T) {
	m, _ := newTestManager(t)
	a, err := m.Checksum(context.Background())
	require.NoError(t, err)
	b, err := m.Checksum(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestVerify_DetectsUnmanagedChange(t *testing.T) {
	// WHAT: A column added outside the manager breaks Verify and blocks migrations.
	// WHY: Concurrent unmanaged changes must be resolved before the next migration.
	m, db := newTestManager(t)
	ctx := context.Background()
	_, err := db.Exec(`ALTER TABLE targets ADD COLUMN notes TEXT`)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Verify(ctx), ErrChecksumMismatch)

	_, err = m.MigrateColumnToJSON(ctx, "processed_changes", "diff")
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var jsonType string
	require.NoError(t, db.QueryRow(`SELECT type FROM pragma_table_info('processed_changes') WHERE name = 'diff'`).Scan(&jsonType))
	assert.Equal(t, "TEXT", jsonType)

	v, err := m.Rebaseline(ctx, "accept notes column")
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", v.Version)
	assert.Equal(t, InitialVersion, v.PreviousVersion)
	require.NoError(t, m.Verify(ctx))
}

func TestMigrateColumnToJSON_WrapsInvalidRows(t *testing.T) {
	// WHAT: Ten rows, one of which is not valid structured text, all survive the migration.
	// WHY: Scalars and malformed values are wrapped as JSON strings, never dropped.
	m, db := newTestManager(t)
	ctx := context.Background()
	values := []any{
		`{"added":["a"]}`, `{"added":["b"]}`, `{"added":["c"]}`, `["x","y"]`, `{"n":1}`,
		`{"n":2}`, `{"n":3}`, `{"n":4}`, `{"n":5}`,
		`{broken json`,
	}
	seedDiffs(t, db, values)
	before, err := m.Status(ctx)
	require.NoError(t, err)

	mig, err := m.MigrateColumnToJSON(ctx, "processed_changes", "diff")
	require.NoError(t, err)
	assert.Equal(t, 10, mig.Rows)
	assert.Equal(t, 9, mig.Parsed)
	assert.Equal(t, 1, mig.Wrapped)
	assert.Equal(t, 0, mig.Nulls)
	assert.Equal(t, "1.0.1", mig.VersionAfter)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM processed_changes`).Scan(&count))
	assert.Equal(t, 10, count)

	var wrapped string
	require.NoError(t, db.QueryRow(`SELECT json(diff) FROM processed_changes WHERE id = 'c09'`).Scan(&wrapped))
	assert.Equal(t, `"{broken json"`, wrapped)

	var parsed string
	require.NoError(t, db.QueryRow(`SELECT json_extract(diff, '$.added[0]') FROM processed_changes WHERE id = 'c00'`).Scan(&parsed))
	assert.Equal(t, "a", parsed)

	var colType string
	require.NoError(t, db.QueryRow(`SELECT type FROM pragma_table_info('processed_changes') WHERE name = 'diff'`).Scan(&colType))
	assert.Equal(t, JSONType, colType)

	after, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, after.Match)
	assert.NotEqual(t, before.LiveChecksum, after.LiveChecksum)
	assert.Equal(t, before.Version.Checksum, after.Version.PreviousChecksum)

	_, err = m.MigrateColumnToJSON(ctx, "processed_changes", "diff")
	assert.ErrorIs(t, err, ErrAlreadyJSON)
}

func TestMigrateColumnToJSON_NullsAndScalars(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	seedDiffs(t, db, []any{nil, "", "   ", "plain text", "42"})

	mig, err := m.MigrateColumnToJSON(ctx, "processed_changes", "diff")
	require.NoError(t, err)
	assert.Equal(t, 3, mig.Nulls)
	assert.Equal(t, 2, mig.Wrapped)

	var nulls int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM processed_changes WHERE diff IS NULL`).Scan(&nulls))
	assert.Equal(t, 3, nulls)

	var num string
	require.NoError(t, db.QueryRow(`SELECT json(diff) FROM processed_changes WHERE id = 'c04'`).Scan(&num))
	assert.Equal(t, `"42"`, num)
}

func TestMigrateColumnToJSON_Refusals(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	seedDiffs(t, db, []any{`{"a":1}`})

	_, err := m.MigrateColumnToJSON(ctx, "sqlite_master", "sql")
	assert.ErrorIs(t, err, ErrUnknownColumn)
	_, err = m.MigrateColumnToJSON(ctx, "processed_changes", "nope")
	assert.ErrorIs(t, err, ErrUnknownColumn)

	require.NoError(t, m.Lock(ctx, "ops", "backup in progress"))
	assert.ErrorIs(t, m.Lock(ctx, "other", "again"), ErrLocked)
	_, err = m.MigrateColumnToJSON(ctx, "processed_changes", "diff")
	assert.ErrorIs(t, err, ErrLocked)

	lock, err := m.Locked(ctx)
	require.NoError(t, err)
	assert.True(t, lock.Locked)
	assert.Equal(t, "ops", lock.LockedBy)

	require.NoError(t, m.Unlock(ctx))
	_, err = m.MigrateColumnToJSON(ctx, "processed_changes", "diff")
	require.NoError(t, err)

	entries, err := m.AuditLog(ctx, 20)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "migrate_json", entries[0].Action)
	assert.True(t, entries[0].Success)

	var failures int
	for _, e := range entries {
		if e.Action == "migrate_json" && !e.Success {
			failures++
		}
	}
	assert.Equal(t, 3, failures)
}

func TestMigrateColumnToJSON_NotInitialized(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx := context.Background()
	require.NoError(t, store.ApplySchema(ctx, db))
	m := New(db, store.ManagedTables, nil)
	require.NoError(t, m.EnsureTables(ctx))

	_, err := m.MigrateColumnToJSON(ctx, "processed_changes", "diff")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, m.Verify(ctx), ErrNotInitialized)
}

func TestBumpPatch(t *testing.T) {
	assert.Equal(t, "1.0.1", bumpPatch("1.0.0"))
	assert.Equal(t, "2.3.10", bumpPatch("2.3.9"))
	assert.Equal(t, "1.0.1", bumpPatch("garbage"))
}
