package store

import (
	"context"
	"fmt"
)

const documentColumns = `id, snapshot_id, target_id, title, canonical_text, fingerprint, word_count, produced_at, last_seen_at`

// InsertDocument stores doc unless the target already has a document with
// the same fingerprint. In that case the existing row's last_seen_at is
// advanced to doc.LastSeenAt (never moved back), doc is overwritten with the
// stored row, and inserted is false.
func (s *queries) InsertDocument(ctx context.Context, doc *Document) (inserted bool, err error) {
	if doc.LastSeenAt == 0 {
		doc.LastSeenAt = doc.ProducedAt
	}
	existing, err := s.documentByFingerprint(ctx, doc.TargetID, doc.Fingerprint)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if _, err := s.q.ExecContext(ctx,
			`UPDATE processed_documents SET last_seen_at = MAX(last_seen_at, ?) WHERE id = ?`,
			doc.LastSeenAt, existing.ID); err != nil {
			return false, fmt.Errorf("store: touch document: %w", err)
		}
		if doc.LastSeenAt > existing.LastSeenAt {
			existing.LastSeenAt = doc.LastSeenAt
		}
		*doc = *existing
		return false, nil
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO processed_documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.SnapshotID, doc.TargetID, doc.Title, doc.CanonicalText, doc.Fingerprint,
		doc.WordCount, doc.ProducedAt, doc.LastSeenAt)
	if err != nil {
		return false, fmt.Errorf("store: insert document: %w", err)
	}
	return true, nil
}

// LatestDocument returns the target's baseline: the document seen most
// recently. Nil if the target has never produced one.
func (s *queries) LatestDocument(ctx context.Context, targetID string) (*Document, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM processed_documents WHERE target_id = ?
		ORDER BY last_seen_at DESC, id DESC LIMIT 1`, targetID)
	return scanDocument(row)
}

// GetDocument returns a document by ID, or nil if absent.
func (s *queries) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM processed_documents WHERE id = ?`, id)
	return scanDocument(row)
}

// CountDocuments returns how many documents a target has.
func (s *queries) CountDocuments(ctx context.Context, targetID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_documents WHERE target_id = ?`, targetID).Scan(&n)
	return n, err
}

func (s *queries) documentByFingerprint(ctx context.Context, targetID, fp string) (*Document, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM processed_documents WHERE target_id = ? AND fingerprint = ?`,
		targetID, fp)
	return scanDocument(row)
}

func scanDocument(sc scanner) (*Document, error) {
	var d Document
	err := sc.Scan(&d.ID, &d.SnapshotID, &d.TargetID, &d.Title, &d.CanonicalText, &d.Fingerprint,
		&d.WordCount, &d.ProducedAt, &d.LastSeenAt)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}
