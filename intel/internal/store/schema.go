package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema holds the staged store DDL. Three namespaces share one database:
// raw_* (fetch results), processed_* (normalized documents and changes) and
// intel_* (assessments and enrichments). Cross-namespace references go
// through target id or change id only.
const Schema = `
CREATE TABLE IF NOT EXISTS targets (
	id         TEXT PRIMARY KEY,
	company    TEXT NOT NULL,
	url        TEXT NOT NULL,
	url_type   TEXT NOT NULL DEFAULT 'other',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_snapshots (
	id             TEXT PRIMARY KEY,
	target_id      TEXT NOT NULL REFERENCES targets(id),
	fetched_at     INTEGER NOT NULL,
	raw_markup     TEXT NOT NULL DEFAULT '',
	content_hash   TEXT NOT NULL DEFAULT '',
	content_length INTEGER NOT NULL DEFAULT 0,
	http_status    INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	UNIQUE(target_id, fetched_at)
);
CREATE INDEX IF NOT EXISTS idx_raw_target ON raw_snapshots(target_id, fetched_at DESC);

CREATE TABLE IF NOT EXISTS processed_documents (
	id             TEXT PRIMARY KEY,
	snapshot_id    TEXT NOT NULL REFERENCES raw_snapshots(id),
	target_id      TEXT NOT NULL REFERENCES targets(id),
	title          TEXT NOT NULL DEFAULT '',
	canonical_text TEXT NOT NULL,
	fingerprint    TEXT NOT NULL,
	word_count     INTEGER NOT NULL DEFAULT 0,
	produced_at    INTEGER NOT NULL,
	last_seen_at   INTEGER NOT NULL,
	UNIQUE(target_id, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_documents_latest ON processed_documents(target_id, last_seen_at DESC);

CREATE TABLE IF NOT EXISTS processed_changes (
	id                TEXT PRIMARY KEY,
	target_id         TEXT NOT NULL REFERENCES targets(id),
	prior_document_id TEXT REFERENCES processed_documents(id),
	new_document_id   TEXT NOT NULL REFERENCES processed_documents(id),
	old_fingerprint   TEXT NOT NULL DEFAULT '',
	new_fingerprint   TEXT NOT NULL,
	change_percent    INTEGER NOT NULL,
	magnitude         TEXT NOT NULL DEFAULT 'minor',
	diff              TEXT,
	diff_summary      TEXT NOT NULL DEFAULT '',
	detected_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_changes_target ON processed_changes(target_id, detected_at DESC);

CREATE TABLE IF NOT EXISTS intel_assessments (
	change_id       TEXT PRIMARY KEY REFERENCES processed_changes(id),
	score           INTEGER NOT NULL CHECK (score BETWEEN 1 AND 10),
	heuristic_score INTEGER NOT NULL CHECK (heuristic_score BETWEEN 1 AND 10),
	category        TEXT NOT NULL,
	summary         TEXT NOT NULL DEFAULT '',
	method          TEXT NOT NULL CHECK (method IN ('heuristic', 'enriched')),
	assessed_at     INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assessments_score ON intel_assessments(score DESC);

CREATE TABLE IF NOT EXISTS intel_enrichments (
	change_id               TEXT PRIMARY KEY REFERENCES processed_changes(id),
	model                   TEXT NOT NULL,
	relevance_score         INTEGER,
	summary                 TEXT NOT NULL DEFAULT '',
	category                TEXT NOT NULL,
	key_changes             TEXT,
	business_impact         TEXT NOT NULL DEFAULT '',
	competitive_threats     TEXT NOT NULL DEFAULT '',
	strategic_opportunities TEXT NOT NULL DEFAULT '',
	risk_flags              TEXT,
	raw_response            TEXT NOT NULL,
	parse_failed            INTEGER NOT NULL DEFAULT 0,
	created_at              INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS run_log (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	status      TEXT NOT NULL DEFAULT 'running',
	targets     INTEGER NOT NULL DEFAULT 0,
	changes     INTEGER NOT NULL DEFAULT 0,
	unchanged   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	degraded    INTEGER NOT NULL DEFAULT 0,
	enriched    INTEGER NOT NULL DEFAULT 0,
	schema_issues INTEGER NOT NULL DEFAULT 0,
	error       TEXT
);

CREATE TABLE IF NOT EXISTS run_log_entries (
	run_id    TEXT NOT NULL REFERENCES run_log(id),
	seq       INTEGER NOT NULL,
	target_id TEXT NOT NULL,
	status    TEXT NOT NULL,
	change_id TEXT,
	detail    TEXT NOT NULL DEFAULT '',
	logged_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// ManagedTables lists the tables whose structure the schema manager
// checksums, in checksum order.
var ManagedTables = []string{
	"targets",
	"raw_snapshots",
	"processed_documents",
	"processed_changes",
	"intel_assessments",
	"intel_enrichments",
	"run_log",
	"run_log_entries",
}

// ApplySchema creates every staged-store table. Safe to call repeatedly.
func ApplySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}
