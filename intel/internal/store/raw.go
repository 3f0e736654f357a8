package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertTarget inserts or refreshes a target from configuration.
func (s *queries) UpsertTarget(ctx context.Context, t *Target) error {
	now := time.Now().UnixMilli()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.URLType == "" {
		t.URLType = "other"
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO targets (id, company, url, url_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			company = excluded.company,
			url = excluded.url,
			url_type = excluded.url_type,
			updated_at = excluded.updated_at`,
		t.ID, t.Company, t.URL, t.URLType, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert target %s: %w", t.ID, err)
	}
	return nil
}

// GetTarget returns a target by ID, or nil if absent.
func (s *queries) GetTarget(ctx context.Context, id string) (*Target, error) {
	var t Target
	err := s.q.QueryRowContext(ctx,
		`SELECT id, company, url, url_type, created_at, updated_at FROM targets WHERE id = ?`, id,
	).Scan(&t.ID, &t.Company, &t.URL, &t.URLType, &t.CreatedAt, &t.UpdatedAt)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTargets returns all targets ordered by ID.
func (s *queries) ListTargets(ctx context.Context) ([]*Target, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, company, url, url_type, created_at, updated_at FROM targets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.ID, &t.Company, &t.URL, &t.URLType, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// InsertRawSnapshot stores a fetch result. A snapshot already stored for the
// same (target, fetched_at) is kept as is; snap.ID is then set to the
// existing row's ID and inserted is false.
func (s *queries) InsertRawSnapshot(ctx context.Context, snap *RawSnapshot) (inserted bool, err error) {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO raw_snapshots (id, target_id, fetched_at, raw_markup, content_hash,
		content_length, http_status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_id, fetched_at) DO NOTHING`,
		snap.ID, snap.TargetID, snap.FetchedAt, snap.RawMarkup, snap.ContentHash,
		snap.ContentLength, snap.HTTPStatus, nullString(snap.Error))
	if err != nil {
		return false, fmt.Errorf("store: insert raw snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	err = s.q.QueryRowContext(ctx,
		`SELECT id FROM raw_snapshots WHERE target_id = ? AND fetched_at = ?`,
		snap.TargetID, snap.FetchedAt).Scan(&snap.ID)
	if err != nil {
		return false, fmt.Errorf("store: lookup raw snapshot: %w", err)
	}
	return false, nil
}

const rawColumns = `id, target_id, fetched_at, raw_markup, content_hash, content_length, http_status, COALESCE(error, '')`

// GetRawSnapshot returns a snapshot by ID, or nil if absent.
func (s *queries) GetRawSnapshot(ctx context.Context, id string) (*RawSnapshot, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+rawColumns+` FROM raw_snapshots WHERE id = ?`, id)
	return scanRaw(row)
}

// ListRawSnapshots returns a target's snapshots, newest first.
func (s *queries) ListRawSnapshots(ctx context.Context, targetID string, limit int) ([]*RawSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+rawColumns+` FROM raw_snapshots WHERE target_id = ?
		ORDER BY fetched_at DESC LIMIT ?`, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*RawSnapshot
	for rows.Next() {
		r, err := scanRaw(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRaw(sc scanner) (*RawSnapshot, error) {
	var r RawSnapshot
	err := sc.Scan(&r.ID, &r.TargetID, &r.FetchedAt, &r.RawMarkup, &r.ContentHash,
		&r.ContentLength, &r.HTTPStatus, &r.Error)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
