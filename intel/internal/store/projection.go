package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// ProjectionFilter narrows ListProjection. Zero values mean no filter.
type ProjectionFilter struct {
	TargetID string
	Company  string
	Category string
	MinScore int
	Since    int64 // detected_at lower bound, unix millis
	Limit    int
	Offset   int
}

const maxProjectionLimit = 500

func projectionSelect() sq.SelectBuilder {
	return sq.Select(
		"c.id", "c.target_id", "t.company", "t.url", "c.detected_at",
		"a.score", "a.category", "a.summary", "c.diff_summary", "a.method",
	).
		From("processed_changes c").
		Join("targets t ON t.id = c.target_id").
		Join("intel_assessments a ON a.change_id = c.id")
}

// ListProjection returns the consumer view of assessed changes, newest first.
func (s *queries) ListProjection(ctx context.Context, f ProjectionFilter) ([]*Projection, error) {
	q := projectionSelect()
	if f.TargetID != "" {
		q = q.Where(sq.Eq{"c.target_id": f.TargetID})
	}
	if f.Company != "" {
		q = q.Where(sq.Eq{"t.company": f.Company})
	}
	if f.Category != "" {
		q = q.Where(sq.Eq{"a.category": f.Category})
	}
	if f.MinScore > 0 {
		q = q.Where(sq.GtOrEq{"a.score": f.MinScore})
	}
	if f.Since > 0 {
		q = q.Where(sq.GtOrEq{"c.detected_at": f.Since})
	}
	limit := f.Limit
	if limit <= 0 || limit > maxProjectionLimit {
		limit = 100
	}
	q = q.OrderBy("c.detected_at DESC", "c.id DESC").Limit(uint64(limit))
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build projection query: %w", err)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list projection: %w", err)
	}
	defer rows.Close()

	var out []*Projection
	for rows.Next() {
		p, err := scanProjection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProjection returns the consumer view of one change, or nil if the change
// does not exist or has no assessment yet.
func (s *queries) GetProjection(ctx context.Context, changeID string) (*Projection, error) {
	query, args, err := projectionSelect().Where(sq.Eq{"c.id": changeID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build projection query: %w", err)
	}
	return scanProjection(s.q.QueryRowContext(ctx, query, args...))
}

func scanProjection(sc scanner) (*Projection, error) {
	var p Projection
	err := sc.Scan(&p.ChangeID, &p.TargetID, &p.CompanyName, &p.URL, &p.DetectedAt,
		&p.Score, &p.Category, &p.Summary, &p.DiffSummary, &p.Method)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
