package store

import (
	"context"
	"fmt"
)

var changeColumns = `id, target_id, COALESCE(prior_document_id, ''), new_document_id, old_fingerprint,
	new_fingerprint, change_percent, magnitude, COALESCE(` + jsonCol("diff") + `, ''), diff_summary, detected_at`

// InsertChange writes a change record. Change records are never updated.
func (s *queries) InsertChange(ctx context.Context, c *Change) error {
	var diff any
	if c.DiffJSON != "" {
		diff = c.DiffJSON
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO processed_changes (id, target_id, prior_document_id, new_document_id,
		old_fingerprint, new_fingerprint, change_percent, magnitude, diff, diff_summary, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TargetID, nullString(c.PriorDocumentID), c.NewDocumentID, c.OldFingerprint,
		c.NewFingerprint, c.ChangePercent, c.Magnitude, diff, c.DiffSummary, c.DetectedAt)
	if err != nil {
		return fmt.Errorf("store: insert change: %w", err)
	}
	return nil
}

// GetChange returns a change by ID, or nil if absent.
func (s *queries) GetChange(ctx context.Context, id string) (*Change, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM processed_changes WHERE id = ?`, id)
	return scanChange(row)
}

// ListChangesByTarget returns a target's changes in detection order.
func (s *queries) ListChangesByTarget(ctx context.Context, targetID string) ([]*Change, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM processed_changes WHERE target_id = ?
		ORDER BY detected_at, id`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountChanges returns the number of change records, for one target or all
// targets when targetID is empty.
func (s *queries) CountChanges(ctx context.Context, targetID string) (int, error) {
	var n int
	var err error
	if targetID == "" {
		err = s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_changes`).Scan(&n)
	} else {
		err = s.q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM processed_changes WHERE target_id = ?`, targetID).Scan(&n)
	}
	return n, err
}

func scanChange(sc scanner) (*Change, error) {
	var c Change
	err := sc.Scan(&c.ID, &c.TargetID, &c.PriorDocumentID, &c.NewDocumentID, &c.OldFingerprint,
		&c.NewFingerprint, &c.ChangePercent, &c.Magnitude, &c.DiffJSON, &c.DiffSummary, &c.DetectedAt)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
