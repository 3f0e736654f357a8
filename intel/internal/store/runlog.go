package store

import (
	"context"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunRunning  = "running"
	RunDone     = "done"
	RunFailed   = "failed"
	RunCanceled = "canceled"
)

// StartRun appends a new run row.
func (s *queries) StartRun(ctx context.Context, id string, targets int) (*Run, error) {
	r := &Run{ID: id, StartedAt: time.Now().UnixMilli(), Status: RunRunning, Targets: targets}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO run_log (id, started_at, status, targets) VALUES (?, ?, ?, ?)`,
		r.ID, r.StartedAt, r.Status, r.Targets)
	if err != nil {
		return nil, fmt.Errorf("store: start run: %w", err)
	}
	return r, nil
}

// LogTargetOutcome appends one per-target entry to a run.
func (s *queries) LogTargetOutcome(ctx context.Context, e *RunEntry) error {
	if e.LoggedAt == 0 {
		e.LoggedAt = time.Now().UnixMilli()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO run_log_entries (run_id, seq, target_id, status, change_id, detail, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Seq, e.TargetID, e.Status, nullString(e.ChangeID), e.Detail, e.LoggedAt)
	if err != nil {
		return fmt.Errorf("store: log target outcome: %w", err)
	}
	return nil
}

// FinishRun records a run's final counters. Only a running row is updated,
// so a finished run is never rewritten.
func (s *queries) FinishRun(ctx context.Context, r *Run) error {
	if r.FinishedAt == 0 {
		r.FinishedAt = time.Now().UnixMilli()
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE run_log SET finished_at = ?, status = ?, changes = ?, unchanged = ?, failed = ?,
		degraded = ?, enriched = ?, schema_issues = ?, error = ?
		WHERE id = ? AND status = 'running'`,
		r.FinishedAt, r.Status, r.Changes, r.Unchanged, r.Failed, r.Degraded, r.Enriched,
		r.SchemaIssues, nullString(r.Error), r.ID)
	if err != nil {
		return fmt.Errorf("store: finish run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *queries) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, started_at, COALESCE(finished_at, 0), status, targets, changes, unchanged,
		failed, degraded, enriched, schema_issues, COALESCE(error, '')
		FROM run_log ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Targets, &r.Changes,
			&r.Unchanged, &r.Failed, &r.Degraded, &r.Enriched, &r.SchemaIssues, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListRunEntries returns a run's per-target entries in order.
func (s *queries) ListRunEntries(ctx context.Context, runID string) ([]*RunEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT run_id, seq, target_id, status, COALESCE(change_id, ''), detail, logged_at
		FROM run_log_entries WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*RunEntry
	for rows.Next() {
		var e RunEntry
		if err := rows.Scan(&e.RunID, &e.Seq, &e.TargetID, &e.Status, &e.ChangeID, &e.Detail, &e.LoggedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
