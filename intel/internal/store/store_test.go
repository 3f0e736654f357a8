package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/compwatch/dbopen"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := ApplySchema(context.Background(), db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return NewStore(db)
}

func seedTarget(t *testing.T, s *Store, id, urlType string) {
	t.Helper()
	require.NoError(t, s.UpsertTarget(context.Background(), &Target{
		ID: id, Company: "Acme", URL: "https://acme.test/" + urlType, URLType: urlType,
	}))
}

func seedChange(t *testing.T, s *Store, targetID, changeID string, detectedAt int64) {
	t.Helper()
	ctx := context.Background()
	snap := &RawSnapshot{ID: "snap-" + changeID, TargetID: targetID, FetchedAt: detectedAt, HTTPStatus: 200}
	_, err := s.InsertRawSnapshot(ctx, snap)
	require.NoError(t, err)
	doc := &Document{ID: "doc-" + changeID, SnapshotID: snap.ID, TargetID: targetID,
		CanonicalText: changeID, Fingerprint: "fp-" + changeID, ProducedAt: detectedAt}
	_, err = s.InsertDocument(ctx, doc)
	require.NoError(t, err)
	require.NoError(t, s.InsertChange(ctx, &Change{
		ID: changeID, TargetID: targetID, NewDocumentID: doc.ID, NewFingerprint: doc.Fingerprint,
		ChangePercent: 40, Magnitude: "significant", DiffJSON: `{"added":["x"]}`,
		DiffSummary: "+1/-0 statements", DetectedAt: detectedAt,
	}))
}

func TestApplySchema(t *testing.T) {
	// WHAT: Every managed table exists after ApplySchema, and a second call is harmless.
	// WHY: The schema manager checksums exactly these tables.
	s := openTestStore(t)
	require.NoError(t, ApplySchema(context.Background(), s.DB))
	for _, table := range ManagedTables {
		var name string
		err := s.DB.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
}

func TestUpsertTarget_Refreshes(t *testing.T) {
	// WHAT: Re-upserting a target keeps created_at and replaces its URL type.
	s := openTestStore(t)
	ctx := context.Background()
	seedTarget(t, s, "t2", "blog")
	seedTarget(t, s, "t1", "pricing")

	first, err := s.GetTarget(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, s.UpsertTarget(ctx, &Target{ID: "t1", Company: "Acme", URL: first.URL}))

	got, err := s.GetTarget(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "other", got.URLType)
	assert.Equal(t, first.CreatedAt, got.CreatedAt)

	all, err := s.ListTargets(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "t1", all[0].ID)

	missing, err := s.GetTarget(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInsertRawSnapshot_NaturalKey(t *testing.T) {
	// WHAT: A second snapshot with the same (target, fetched_at) returns the first one's ID.
	// WHY: Re-feeding a fetch result must not duplicate raw rows.
	s := openTestStore(t)
	ctx := context.Background()
	seedTarget(t, s, "t1", "pricing")

	first := &RawSnapshot{ID: "snap-1", TargetID: "t1", FetchedAt: 1000, RawMarkup: "<p>a</p>", HTTPStatus: 200}
	inserted, err := s.InsertRawSnapshot(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	again := &RawSnapshot{ID: "snap-2", TargetID: "t1", FetchedAt: 1000, RawMarkup: "<p>b</p>", HTTPStatus: 200}
	inserted, err = s.InsertRawSnapshot(ctx, again)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "snap-1", again.ID)

	got, err := s.GetRawSnapshot(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, "<p>a</p>", got.RawMarkup)

	missing, err := s.GetRawSnapshot(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRawSnapshot_Failed(t *testing.T) {
	assert.False(t, (&RawSnapshot{HTTPStatus: 200}).Failed())
	assert.True(t, (&RawSnapshot{HTTPStatus: 503}).Failed())
	assert.True(t, (&RawSnapshot{HTTPStatus: 200, Error: "timeout"}).Failed())
}

func TestInsertDocument_UpsertByFingerprint(t *testing.T) {
	// WHAT: Same (target, fingerprint) yields the stored document and advances last_seen_at.
	// WHY: A reverted page must become the baseline again without a duplicate row.
	s := openTestStore(t)
	ctx := context.Background()
	seedTarget(t, s, "t1", "product")
	for i, at := range []int64{1000, 2000} {
		snap := &RawSnapshot{ID: []string{"s1", "s2"}[i], TargetID: "t1", FetchedAt: at, HTTPStatus: 200}
		_, err := s.InsertRawSnapshot(ctx, snap)
		require.NoError(t, err)
	}

	a := &Document{ID: "docA", SnapshotID: "s1", TargetID: "t1", CanonicalText: "A", Fingerprint: "fa", ProducedAt: 1000}
	inserted, err := s.InsertDocument(ctx, a)
	require.NoError(t, err)
	assert.True(t, inserted)

	b := &Document{ID: "docB", SnapshotID: "s2", TargetID: "t1", CanonicalText: "B", Fingerprint: "fb", ProducedAt: 2000}
	_, err = s.InsertDocument(ctx, b)
	require.NoError(t, err)

	latest, err := s.LatestDocument(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "docB", latest.ID)

	revert := &Document{ID: "docA2", SnapshotID: "s2", TargetID: "t1", CanonicalText: "A", Fingerprint: "fa",
		ProducedAt: 3000, LastSeenAt: 3000}
	inserted, err = s.InsertDocument(ctx, revert)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "docA", revert.ID)
	assert.Equal(t, int64(3000), revert.LastSeenAt)

	latest, err = s.LatestDocument(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "docA", latest.ID)

	n, err := s.CountDocuments(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLatestDocument_None(t *testing.T) {
	s := openTestStore(t)
	doc, err := s.LatestDocument(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestChange_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTarget(t, s, "t1", "pricing")
	seedChange(t, s, "t1", "c1", 5000)

	got, err := s.GetChange(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "", got.PriorDocumentID)
	assert.Equal(t, 40, got.ChangePercent)
	assert.JSONEq(t, `{"added":["x"]}`, got.DiffJSON)

	list, err := s.ListChangesByTarget(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestChange_ReadsJSONBDiff(t *testing.T) {
	// WHAT: A diff stored as a JSONB blob reads back as JSON text.
	// WHY: After a column migration the read path must keep working.
	s := openTestStore(t)
	ctx := context.Background()
	seedTarget(t, s, "t1", "pricing")
	seedChange(t, s, "t1", "c1", 5000)
	_, err := s.DB.Exec(`UPDATE processed_changes SET diff = jsonb('{"removed":["y"]}') WHERE id = 'c1'`)
	require.NoError(t, err)

	got, err := s.GetChange(ctx, "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"removed":["y"]}`, got.DiffJSON)
}

func TestAssessment_EnrichedIsNotOverwritten(t *testing.T) {
	// WHAT: Once enriched, a heuristic upsert leaves the assessment alone.
	// WHY: A re-run must not undo a successful enrichment.
	s := openTestStore(t)
	ctx := context.Background()
	seedTarget(t, s, "t1", "pricing")
	seedChange(t, s, "t1", "c1", 5000)

	require.NoError(t, s.UpsertAssessment(ctx, &Assessment{ChangeID: "c1", Score: 8, Category: "pricing_change"}))
	require.NoError(t, s.ApplyEnrichedScore(ctx, "c1", 9, "", "Price cut on the pro tier"))

	got, err := s.GetAssessment(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 9, got.Score)
	assert.Equal(t, 8, got.HeuristicScore)
	assert.Equal(t, "pricing_change", got.Category)
	assert.Equal(t, MethodEnriched, got.Method)

	require.NoError(t, s.UpsertAssessment(ctx, &Assessment{ChangeID: "c1", Score: 5, Category: "other"}))
	got, err = s.GetAssessment(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 9, got.Score)
}

func TestAssessment_ScoreCheck(t *testing.T) {
	s := openTestStore(t)
	seedTarget(t, s, "t1", "pricing")
	seedChange(t, s, "t1", "c1", 5000)
	err := s.UpsertAssessment(context.Background(), &Assessment{ChangeID: "c1", Score: 11, Category: "other"})
	assert.Error(t, err)
}

func TestApplyEnrichedScore_Missing(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.ApplyEnrichedScore(context.Background(), "nope", 5, "", ""))
}

func TestInsertEnrichment_Idempotent(t *testing.T) {
	// WHAT: Two enrichment inserts for the same change leave one row, the first.
	s := openTestStore(t)
	ctx := context.Background()
	seedTarget(t, s, "t1", "pricing")
	seedChange(t, s, "t1", "c1", 5000)

	score := 9
	first := &Enrichment{ChangeID: "c1", Model: "m", RelevanceScore: &score, Summary: "first",
		Category: "pricing_change", KeyChanges: []string{"Price change: $49"}, RawResponse: "{}"}
	inserted, err := s.InsertEnrichment(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertEnrichment(ctx, &Enrichment{ChangeID: "c1", Model: "m", Summary: "second",
		Category: "other", RawResponse: "{}"})
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := s.CountEnrichments(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetEnrichment(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Summary)
	require.NotNil(t, got.RelevanceScore)
	assert.Equal(t, 9, *got.RelevanceScore)
	assert.Equal(t, []string{"Price change: $49"}, got.KeyChanges)
	assert.Nil(t, got.RiskFlags)
}

func TestUnmarshalList_WrappedScalar(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, unmarshalList(`["a","b"]`))
	assert.Equal(t, []string{"legacy text"}, unmarshalList(`"legacy text"`))
	assert.Nil(t, unmarshalList(""))
}

func TestListProjection_Filters(t *testing.T) {
	// WHAT: The projection joins target, change and assessment and honours filters.
	s := openTestStore(t)
	ctx := context.Background()
	seedTarget(t, s, "t1", "pricing")
	seedTarget(t, s, "t2", "blog")
	seedChange(t, s, "t1", "c1", 1000)
	seedChange(t, s, "t2", "c2", 2000)
	require.NoError(t, s.UpsertAssessment(ctx, &Assessment{ChangeID: "c1", Score: 8, Category: "pricing_change"}))
	require.NoError(t, s.UpsertAssessment(ctx, &Assessment{ChangeID: "c2", Score: 4, Category: "messaging_change"}))

	all, err := s.ListProjection(ctx, ProjectionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c2", all[0].ChangeID)
	assert.Equal(t, "Acme", all[0].CompanyName)

	high, err := s.ListProjection(ctx, ProjectionFilter{MinScore: 6})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "c1", high[0].ChangeID)
	assert.Equal(t, "+1/-0 statements", high[0].DiffSummary)

	byTarget, err := s.ListProjection(ctx, ProjectionFilter{TargetID: "t2", Category: "messaging_change"})
	require.NoError(t, err)
	require.Len(t, byTarget, 1)

	since, err := s.ListProjection(ctx, ProjectionFilter{Since: 1500})
	require.NoError(t, err)
	require.Len(t, since, 1)

	one, err := s.GetProjection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 8, one.Score)

	none, err := s.GetProjection(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRunLog(t *testing.T) {
	// WHAT: A run and its entries are appended and the run is finalised once.
	s := openTestStore(t)
	ctx := context.Background()

	run, err := s.StartRun(ctx, "run-1", 2)
	require.NoError(t, err)
	require.NoError(t, s.LogTargetOutcome(ctx, &RunEntry{RunID: "run-1", Seq: 1, TargetID: "t1", Status: "ok", ChangeID: "c1"}))
	require.NoError(t, s.LogTargetOutcome(ctx, &RunEntry{RunID: "run-1", Seq: 2, TargetID: "t2", Status: "fetch_error", Detail: "http 503"}))

	run.Status = RunDone
	run.Changes = 1
	run.Failed = 1
	require.NoError(t, s.FinishRun(ctx, run))

	run.Status = RunFailed
	require.NoError(t, s.FinishRun(ctx, run))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, RunDone, runs[0].Status)
	assert.Equal(t, 1, runs[0].Changes)

	entries, err := s.ListRunEntries(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c1", entries[0].ChangeID)
	assert.Equal(t, "http 503", entries[1].Detail)
}

func TestInTx_Rollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTarget(t, s, "t1", "pricing")

	err := s.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertRawSnapshot(ctx, &RawSnapshot{ID: "s1", TargetID: "t1", FetchedAt: 1, HTTPStatus: 200}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	got, err := s.GetRawSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
