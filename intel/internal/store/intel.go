package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertAssessment writes the heuristic assessment for a change. An
// assessment that was already enriched is left untouched.
func (s *queries) UpsertAssessment(ctx context.Context, a *Assessment) error {
	now := time.Now().UnixMilli()
	if a.AssessedAt == 0 {
		a.AssessedAt = now
	}
	a.UpdatedAt = now
	if a.Method == "" {
		a.Method = MethodHeuristic
	}
	if a.HeuristicScore == 0 {
		a.HeuristicScore = a.Score
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO intel_assessments (change_id, score, heuristic_score, category, summary,
		method, assessed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(change_id) DO UPDATE SET
			score = excluded.score,
			heuristic_score = excluded.heuristic_score,
			category = excluded.category,
			summary = excluded.summary,
			method = excluded.method,
			updated_at = excluded.updated_at
		WHERE intel_assessments.method = 'heuristic'`,
		a.ChangeID, a.Score, a.HeuristicScore, a.Category, a.Summary, a.Method,
		a.AssessedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert assessment %s: %w", a.ChangeID, err)
	}
	return nil
}

// ApplyEnrichedScore supersedes a heuristic assessment with enriched values.
// Empty category or summary keep the current value.
func (s *queries) ApplyEnrichedScore(ctx context.Context, changeID string, score int, category, summary string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE intel_assessments SET
			score = ?,
			category = COALESCE(NULLIF(?, ''), category),
			summary = COALESCE(NULLIF(?, ''), summary),
			method = 'enriched',
			updated_at = ?
		WHERE change_id = ?`,
		score, category, summary, time.Now().UnixMilli(), changeID)
	if err != nil {
		return fmt.Errorf("store: apply enriched score %s: %w", changeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: apply enriched score %s: %w", changeID, sql.ErrNoRows)
	}
	return nil
}

// GetAssessment returns a change's assessment, or nil if absent.
func (s *queries) GetAssessment(ctx context.Context, changeID string) (*Assessment, error) {
	var a Assessment
	err := s.q.QueryRowContext(ctx,
		`SELECT change_id, score, heuristic_score, category, summary, method, assessed_at, updated_at
		FROM intel_assessments WHERE change_id = ?`, changeID,
	).Scan(&a.ChangeID, &a.Score, &a.HeuristicScore, &a.Category, &a.Summary, &a.Method,
		&a.AssessedAt, &a.UpdatedAt)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertEnrichment stores an enrichment result. Enrichments are immutable:
// if the change already has one, nothing is written and inserted is false.
func (s *queries) InsertEnrichment(ctx context.Context, e *Enrichment) (inserted bool, err error) {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	keyChanges, err := marshalList(e.KeyChanges)
	if err != nil {
		return false, err
	}
	riskFlags, err := marshalList(e.RiskFlags)
	if err != nil {
		return false, err
	}
	var score sql.NullInt64
	if e.RelevanceScore != nil {
		score = sql.NullInt64{Int64: int64(*e.RelevanceScore), Valid: true}
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO intel_enrichments (change_id, model, relevance_score, summary, category,
		key_changes, business_impact, competitive_threats, strategic_opportunities, risk_flags,
		raw_response, parse_failed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(change_id) DO NOTHING`,
		e.ChangeID, e.Model, score, e.Summary, e.Category, keyChanges, e.BusinessImpact,
		e.CompetitiveThreats, e.StrategicOpportunities, riskFlags, e.RawResponse,
		e.ParseFailed, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("store: insert enrichment %s: %w", e.ChangeID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetEnrichment returns a change's enrichment, or nil if absent.
func (s *queries) GetEnrichment(ctx context.Context, changeID string) (*Enrichment, error) {
	var (
		e          Enrichment
		score      sql.NullInt64
		keyChanges string
		riskFlags  string
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT change_id, model, relevance_score, summary, category,
		COALESCE(`+jsonCol("key_changes")+`, ''), business_impact, competitive_threats,
		strategic_opportunities, COALESCE(`+jsonCol("risk_flags")+`, ''), raw_response,
		parse_failed, created_at
		FROM intel_enrichments WHERE change_id = ?`, changeID,
	).Scan(&e.ChangeID, &e.Model, &score, &e.Summary, &e.Category, &keyChanges, &e.BusinessImpact,
		&e.CompetitiveThreats, &e.StrategicOpportunities, &riskFlags, &e.RawResponse,
		&e.ParseFailed, &e.CreatedAt)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if score.Valid {
		v := int(score.Int64)
		e.RelevanceScore = &v
	}
	e.KeyChanges = unmarshalList(keyChanges)
	e.RiskFlags = unmarshalList(riskFlags)
	return &e, nil
}

// CountEnrichments returns how many enrichment rows exist for a change.
func (s *queries) CountEnrichments(ctx context.Context, changeID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM intel_enrichments WHERE change_id = ?`, changeID).Scan(&n)
	return n, err
}

func marshalList(items []string) (any, error) {
	if len(items) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("store: marshal list: %w", err)
	}
	return string(b), nil
}

// unmarshalList decodes a JSON string array. A JSON string (a scalar wrapped
// by a column migration) becomes a one-element list.
func unmarshalList(s string) []string {
	if s == "" {
		return nil
	}
	var items []string
	if json.Unmarshal([]byte(s), &items) == nil {
		return items
	}
	var one string
	if json.Unmarshal([]byte(s), &one) == nil && one != "" {
		return []string{one}
	}
	return nil
}
