package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/compwatch/dbopen"
	"github.com/hazyhaar/compwatch/idgen"
	"github.com/hazyhaar/compwatch/intel/internal/diff"
	"github.com/hazyhaar/compwatch/intel/internal/enrich"
	"github.com/hazyhaar/compwatch/intel/internal/fetch"
	"github.com/hazyhaar/compwatch/intel/internal/schema"
	"github.com/hazyhaar/compwatch/intel/internal/score"
	"github.com/hazyhaar/compwatch/intel/internal/store"
	"github.com/hazyhaar/compwatch/observability"
)

const (
	pricingV1 = `<html><head><title>Pricing</title></head><body>
<h1>Pricing</h1>
<p>Simple plans for every team.</p>
<p>Contact sales for a quote.</p>
</body></html>`

	pricingV2 = `<html><head><title>Pricing</title></head><body>
<h1>Pricing</h1>
<p>Simple plans for every team.</p>
<p>Contact sales for a quote.</p>
<p>The Pro plan now costs $49/month.</p>
</body></html>`
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// pageFetcher serves a queue of pages per target with strictly increasing
// fetch times.
type pageFetcher struct {
	pages map[string][]fetch.Result
	clock time.Time
	calls int
}

func (f *pageFetcher) Fetch(_ context.Context, targetID, url string) fetch.Result {
	f.calls++
	f.clock = f.clock.Add(time.Minute)
	queue := f.pages[targetID]
	if len(queue) == 0 {
		return fetch.Result{TargetID: targetID, URL: url, FetchedAt: f.clock, Error: "no page queued"}
	}
	res := queue[0]
	f.pages[targetID] = queue[1:]
	res.TargetID, res.URL, res.FetchedAt = targetID, url, f.clock
	return res
}

func ok(markup string) fetch.Result {
	return fetch.Result{RawMarkup: markup, HTTPStatus: http.StatusOK, Attempts: 1}
}

// fakeEnricher answers with fn and counts calls.
type fakeEnricher struct {
	calls atomic.Int32
	fn    func(req enrich.Request) (*enrich.Result, error)
}

func (e *fakeEnricher) Enabled() bool { return true }

func (e *fakeEnricher) Enrich(_ context.Context, req enrich.Request) (*enrich.Result, error) {
	e.calls.Add(1)
	return e.fn(req)
}

func intp(v int) *int { return &v }

type testEnv struct {
	store  *store.Store
	schema *schema.Manager
	db     *sql.DB
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	db := dbopen.OpenMemory(t)
	ctx := context.Background()
	require.NoError(t, store.ApplySchema(ctx, db))
	m := schema.New(db, store.ManagedTables, quiet)
	_, err := m.Init(ctx)
	require.NoError(t, err)
	return &testEnv{store: store.NewStore(db), schema: m, db: db}
}

func (e *testEnv) pipeline(opts ...Option) *Pipeline {
	base := []Option{
		WithSchema(e.schema),
		WithLogger(quiet),
		WithIDs(idgen.IDs{
			Snapshot: idgen.Sequence("snap_"),
			Document: idgen.Sequence("doc_"),
			Change:   idgen.Sequence("chg_"),
			Run:      idgen.Sequence("run_"),
		}),
	}
	return New(e.store, append(base, opts...)...)
}

func pricingTarget() *store.Target {
	return &store.Target{ID: "acme-pricing", Company: "Acme", URL: "https://acme.test/pricing", URLType: "pricing"}
}

func process(t *testing.T, p *Pipeline, f *pageFetcher, tgt *store.Target) Outcome {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.store.UpsertTarget(ctx, tgt))
	out, err := p.ProcessFetch(ctx, tgt, f.Fetch(ctx, tgt.ID, tgt.URL))
	require.NoError(t, err)
	return out
}

func TestProcessFetch_FirstObservationIsNotAChange(t *testing.T) {
	// WHAT: A target's first document is stored without a change record.
	// WHY: Without a baseline there is nothing to compare against.
	env := newEnv(t)
	p := env.pipeline()
	tgt := pricingTarget()
	f := &pageFetcher{pages: map[string][]fetch.Result{tgt.ID: {ok(pricingV1)}}}

	out := process(t, p, f, tgt)
	assert.Equal(t, StatusUnchanged, out.Status)

	ctx := context.Background()
	docs, err := env.store.CountDocuments(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, docs)
	changes, err := env.store.CountChanges(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Zero(t, changes)
}

func TestProcessFetch_FirstObservationAsChange(t *testing.T) {
	env := newEnv(t)
	p := env.pipeline(WithConfig(Config{TreatFirstAsChange: true}))
	tgt := pricingTarget()
	f := &pageFetcher{pages: map[string][]fetch.Result{tgt.ID: {ok(pricingV1)}}}

	out := process(t, p, f, tgt)
	assert.Equal(t, StatusOK, out.Status)
	c, err := env.store.GetChange(context.Background(), out.ChangeID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Empty(t, c.PriorDocumentID)
	assert.Equal(t, 100, c.ChangePercent)
}

func TestProcessFetch_IdenticalTextIsNotAChange(t *testing.T) {
	// WHAT: Two fetches with the same canonical text give no change record.
	// WHY: Markup-only differences (whitespace here) must not be reported.
	env := newEnv(t)
	p := env.pipeline()
	tgt := pricingTarget()
	f := &pageFetcher{pages: map[string][]fetch.Result{tgt.ID: {
		ok(pricingV1), ok(strings.ReplaceAll(pricingV1, "<p>", "\n  <p>")),
	}}}

	assert.Equal(t, StatusUnchanged, process(t, p, f, tgt).Status)
	assert.Equal(t, StatusUnchanged, process(t, p, f, tgt).Status)

	ctx := context.Background()
	changes, err := env.store.CountChanges(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Zero(t, changes)
	docs, err := env.store.CountDocuments(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, docs)
}

func TestProcessFetch_PricingChange(t *testing.T) {
	// WHAT: A price appearing on a pricing page scores at least 8 as a
	// pricing change and the diff flags the price.
	env := newEnv(t)
	p := env.pipeline()
	tgt := pricingTarget()
	f := &pageFetcher{pages: map[string][]fetch.Result{tgt.ID: {ok(pricingV1), ok(pricingV2)}}}

	process(t, p, f, tgt)
	out := process(t, p, f, tgt)
	require.Equal(t, StatusOK, out.Status, out.Detail)
	assert.GreaterOrEqual(t, out.Score, 8)
	assert.Equal(t, score.CategoryPricingChange, out.Category)

	ctx := context.Background()
	a, err := env.store.GetAssessment(ctx, out.ChangeID)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, store.MethodHeuristic, a.Method)
	assert.Equal(t, a.Score, a.HeuristicScore)
	assert.Equal(t, score.CategoryPricingChange, a.Category)

	c, err := env.store.GetChange(ctx, out.ChangeID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.NotEmpty(t, c.PriorDocumentID)
	assert.NotEqual(t, c.PriorDocumentID, c.NewDocumentID)
	assert.Contains(t, c.DiffSummary, "Price change: $49/month")

	d, err := decodeDiff(c.DiffJSON)
	require.NoError(t, err)
	var kinds []string
	for _, kc := range d.KeyChanges {
		kinds = append(kinds, kc.Kind)
	}
	assert.Contains(t, kinds, diff.KindPrice)
}

func TestProcessFetch_RevertPointsAtStoredDocument(t *testing.T) {
	// WHAT: Returning to earlier content records a change whose new document
	// is the earlier stored one.
	// WHY: Documents are unique per (target, fingerprint).
	env := newEnv(t)
	p := env.pipeline()
	tgt := pricingTarget()
	f := &pageFetcher{pages: map[string][]fetch.Result{tgt.ID: {ok(pricingV1), ok(pricingV2), ok(pricingV1)}}}

	process(t, p, f, tgt)
	first := process(t, p, f, tgt)
	revert := process(t, p, f, tgt)
	require.Equal(t, StatusOK, revert.Status)

	ctx := context.Background()
	c1, err := env.store.GetChange(ctx, first.ChangeID)
	require.NoError(t, err)
	c2, err := env.store.GetChange(ctx, revert.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, c1.PriorDocumentID, c2.NewDocumentID)
	assert.Equal(t, c1.NewDocumentID, c2.PriorDocumentID)

	docs, err := env.store.CountDocuments(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, docs)
}

func TestProcessFetch_DuplicateSnapshot(t *testing.T) {
	// WHAT: Replaying the same fetch result writes nothing new.
	env := newEnv(t)
	p := env.pipeline()
	tgt := pricingTarget()
	ctx := context.Background()
	require.NoError(t, env.store.UpsertTarget(ctx, tgt))
	res := ok(pricingV1)
	res.TargetID, res.URL, res.FetchedAt = tgt.ID, tgt.URL, time.UnixMilli(1_700_000_000_000)

	out, err := p.ProcessFetch(ctx, tgt, res)
	require.NoError(t, err)
	assert.Equal(t, StatusUnchanged, out.Status)

	out, err = p.ProcessFetch(ctx, tgt, res)
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, out.Status)

	snaps, err := env.store.ListRawSnapshots(ctx, tgt.ID, 10)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestProcessFetch_FetchAndNormalizeErrors(t *testing.T) {
	// WHAT: Failed fetches and unusable markup are stored as raw snapshots
	// and reported without producing documents.
	env := newEnv(t)
	p := env.pipeline()
	tgt := pricingTarget()
	f := &pageFetcher{pages: map[string][]fetch.Result{tgt.ID: {
		{Error: "http get: connection refused"},
		{HTTPStatus: http.StatusServiceUnavailable},
		ok("\xff\xfe broken"),
	}}}

	out := process(t, p, f, tgt)
	assert.Equal(t, StatusFetchError, out.Status)
	assert.Contains(t, out.Detail, "connection refused")

	out = process(t, p, f, tgt)
	assert.Equal(t, StatusFetchError, out.Status)
	assert.Contains(t, out.Detail, "503")

	out = process(t, p, f, tgt)
	assert.Equal(t, StatusNormalizeError, out.Status)

	ctx := context.Background()
	snaps, err := env.store.ListRawSnapshots(ctx, tgt.ID, 10)
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
	docs, err := env.store.CountDocuments(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Zero(t, docs)
}

func TestProcessFetch_StaleFetch(t *testing.T) {
	// WHAT: A fetch older than the baseline is recorded raw but not compared.
	env := newEnv(t)
	p := env.pipeline()
	tgt := pricingTarget()
	ctx := context.Background()
	require.NoError(t, env.store.UpsertTarget(ctx, tgt))

	newer := ok(pricingV1)
	newer.FetchedAt = time.UnixMilli(2_000)
	_, err := p.ProcessFetch(ctx, tgt, newer)
	require.NoError(t, err)

	older := ok(pricingV2)
	older.FetchedAt = time.UnixMilli(1_000)
	out, err := p.ProcessFetch(ctx, tgt, older)
	require.NoError(t, err)
	assert.Equal(t, StatusStale, out.Status)

	changes, err := env.store.CountChanges(ctx, tgt.ID)
	require.NoError(t, err)
	assert.Zero(t, changes)
}

func TestProcessFetch_EnrichedScoreSupersedesHeuristic(t *testing.T) {
	env := newEnv(t)
	enr := &fakeEnricher{fn: func(req enrich.Request) (*enrich.Result, error) {
		return &enrich.Result{ChangeID: req.ChangeID, Model: "fake", Score: intp(9),
			Category: score.CategoryPricingChange, Summary: "Pro tier price published.", Attempts: 1}, nil
	}}
	p := env.pipeline(WithEnricher(enr))
	tgt := pricingTarget()
	f := &pageFetcher{pages: map[string][]fetch.Result{tgt.ID: {ok(pricingV1), ok(pricingV2)}}}

	process(t, p, f, tgt)
	out := process(t, p, f, tgt)
	require.Equal(t, StatusEnriched, out.Status, out.Detail)
	assert.Equal(t, 9, out.Score)

	ctx := context.Background()
	a, err := env.store.GetAssessment(ctx, out.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, 9, a.Score)
	assert.GreaterOrEqual(t, a.HeuristicScore, 8)
	assert.Equal(t, store.MethodEnriched, a.Method)
	assert.Equal(t, "Pro tier price published.", a.Summary)

	e, err := env.store.GetEnrichment(ctx, out.ChangeID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "fake", e.Model)

	// WHAT: Enriching again is a no-op.
	// WHY: Enrichments are immutable once written.
	again, err := p.EnrichChange(ctx, out.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), enr.calls.Load())
	assert.Equal(t, 9, again.Score)
	n, err := env.store.CountEnrichments(ctx, out.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProcessFetch_BelowThresholdNotEnriched(t *testing.T) {
	env := newEnv(t)
	enr := &fakeEnricher{fn: func(req enrich.Request) (*enrich.Result, error) {
		return nil, errors.New("should not be called")
	}}
	p := env.pipeline(WithEnricher(enr), WithConfig(Config{RelevanceThreshold: 10}))
	tgt := pricingTarget()
	f := &pageFetcher{pages: map[string][]fetch.Result{tgt.ID: {ok(pricingV1), ok(pricingV2)}}}

	process(t, p, f, tgt)
	out := process(t, p, f, tgt)
	if out.Score < 10 {
		assert.Equal(t, StatusOK, out.Status)
		assert.Zero(t, enr.calls.Load())
	}
}

func TestProcessFetch_UnknownModelCategoryKeepsHeuristic(t *testing.T) {
	// WHAT: The model's score is applied but a category outside the known set
	// leaves the heuristic category in place.
	env := newEnv(t)
	enr := &fakeEnricher{fn: func(req enrich.Request) (*enrich.Result, error) {
		res := enrich.ParseResponse(`{"relevance_score": 9, "summary": "s", "category": "Strategic Shift"}`)
		res.ChangeID, res.Model, res.Attempts = req.ChangeID, "fake", 1
		return res, nil
	}}
	p := env.pipeline(WithEnricher(enr))
	tgt := pricingTarget()
	f := &pageFetcher{pages: map[string][]fetch.Result{tgt.ID: {ok(pricingV1), ok(pricingV2)}}}

	process(t, p, f, tgt)
	out := process(t, p, f, tgt)
	require.Equal(t, StatusEnriched, out.Status, out.Detail)
	assert.Equal(t, 9, out.Score)
	assert.Equal(t, score.CategoryPricingChange, out.Category)

	a, err := env.store.GetAssessment(context.Background(), out.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, score.CategoryPricingChange, a.Category)
	assert.Equal(t, store.MethodEnriched, a.Method)
}

func TestProcessFetch_EnrichmentTimeoutsKeepHeuristic(t *testing.T) {
	// WHAT: When every enrichment attempt times out, the heuristic score and
	// category stay and no enrichment row is written.
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	client := enrich.NewClient(
		enrich.NewAnthropicProvider("k", "", enrich.WithAnthropicURL(srv.URL)),
		enrich.Config{Timeout: 30 * time.Millisecond, MaxAttempts: 3, BaseBackoff: time.Millisecond},
		quiet,
		enrich.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)

	env := newEnv(t)
	p := env.pipeline(WithEnricher(client))
	tgt := pricingTarget()
	f := &pageFetcher{pages: map[string][]fetch.Result{tgt.ID: {ok(pricingV1), ok(pricingV2)}}}

	process(t, p, f, tgt)
	out := process(t, p, f, tgt)
	assert.Equal(t, StatusEnrichDegraded, out.Status)
	assert.Equal(t, int32(3), calls.Load())

	ctx := context.Background()
	a, err := env.store.GetAssessment(ctx, out.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, store.MethodHeuristic, a.Method)
	assert.Equal(t, a.HeuristicScore, a.Score)
	assert.Equal(t, score.CategoryPricingChange, a.Category)

	e, err := env.store.GetEnrichment(ctx, out.ChangeID)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestProcessFetch_UnparseableEnrichmentStoredDegraded(t *testing.T) {
	env := newEnv(t)
	enr := &fakeEnricher{fn: func(req enrich.Request) (*enrich.Result, error) {
		res := enrich.ParseResponse("I cannot answer in JSON today.")
		res.ChangeID, res.Model = req.ChangeID, "fake"
		return res, nil
	}}
	p := env.pipeline(WithEnricher(enr))
	tgt := pricingTarget()
	f := &pageFetcher{pages: map[string][]fetch.Result{tgt.ID: {ok(pricingV1), ok(pricingV2)}}}

	process(t, p, f, tgt)
	out := process(t, p, f, tgt)
	assert.Equal(t, StatusEnrichDegraded, out.Status)

	ctx := context.Background()
	e, err := env.store.GetEnrichment(ctx, out.ChangeID)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.True(t, e.ParseFailed)
	assert.Equal(t, enrich.CategoryParseFailed, e.Category)

	a, err := env.store.GetAssessment(ctx, out.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, store.MethodHeuristic, a.Method)
}

func TestEnrichChange_Disabled(t *testing.T) {
	env := newEnv(t)
	_, err := env.pipeline().EnrichChange(context.Background(), "chg_1")
	assert.ErrorIs(t, err, enrich.ErrDisabled)
}

func TestRun_LogsEveryTarget(t *testing.T) {
	// WHAT: One failing target does not stop the run; every outcome lands in
	// the run log in order.
	env := newEnv(t)
	pricing := pricingTarget()
	blog := &store.Target{ID: "acme-blog", Company: "Acme", URL: "https://acme.test/blog", URLType: "blog"}
	f := &pageFetcher{pages: map[string][]fetch.Result{
		pricing.ID: {ok(pricingV1), ok(pricingV2)},
		blog.ID:    {{Error: "timeout"}, ok("<p>Hello.</p>")},
	}}
	p := env.pipeline(WithFetcher(f))
	ctx := context.Background()

	first, err := p.Run(ctx, []*store.Target{pricing, blog})
	require.NoError(t, err)
	assert.Equal(t, store.RunDone, first.Status)
	assert.Equal(t, 1, first.Unchanged)
	assert.Equal(t, 1, first.Failed)

	second, err := p.Run(ctx, []*store.Target{pricing, blog})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Changes)
	assert.Equal(t, 1, second.Unchanged)
	assert.Zero(t, second.Failed)

	entries, err := env.store.ListRunEntries(ctx, first.RunID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, pricing.ID, entries[0].TargetID)
	assert.Equal(t, StatusUnchanged, entries[0].Status)
	assert.Equal(t, blog.ID, entries[1].TargetID)
	assert.Equal(t, StatusFetchError, entries[1].Status)

	runs, err := env.store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, store.RunDone, r.Status)
	}
}

func TestRun_RefusedWhileSchemaLocked(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	require.NoError(t, env.schema.Lock(ctx, "ops", "column migration"))

	f := &pageFetcher{pages: map[string][]fetch.Result{}}
	_, err := env.pipeline(WithFetcher(f)).Run(ctx, []*store.Target{pricingTarget()})
	assert.ErrorIs(t, err, ErrSchemaLocked)
	assert.Zero(t, f.calls)
}

func TestRun_SchemaDriftCountedNotFatal(t *testing.T) {
	// WHAT: An unexpected structure change is reported and the run continues.
	env := newEnv(t)
	ctx := context.Background()
	_, err := env.db.ExecContext(ctx, `ALTER TABLE targets ADD COLUMN notes TEXT`)
	require.NoError(t, err)

	tgt := pricingTarget()
	f := &pageFetcher{pages: map[string][]fetch.Result{tgt.ID: {ok(pricingV1)}}}
	sum, err := env.pipeline(WithFetcher(f)).Run(ctx, []*store.Target{tgt})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.SchemaIssues)
	assert.Equal(t, 1, sum.Unchanged)
}

// cancelAfterFirst cancels the run once the first target has been recorded.
type cancelAfterFirst struct {
	cancel context.CancelFunc
	names  []string
}

func (c *cancelAfterFirst) Record(m *observability.Metric) {
	c.names = append(c.names, m.Name)
	if m.Name == observability.MetricTargetDurationMs {
		c.cancel()
	}
}

func TestRun_CancelStopsBetweenTargets(t *testing.T) {
	env := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &cancelAfterFirst{cancel: cancel}

	a, b := pricingTarget(), &store.Target{ID: "acme-home", Company: "Acme", URL: "https://acme.test/", URLType: "homepage"}
	f := &pageFetcher{pages: map[string][]fetch.Result{a.ID: {ok(pricingV1)}, b.ID: {ok(pricingV1)}}}
	sum, err := env.pipeline(WithFetcher(f), WithMetrics(rec)).Run(ctx, []*store.Target{a, b})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sum)
	assert.Equal(t, store.RunCanceled, sum.Status)
	assert.Len(t, sum.Outcomes, 1)
	assert.Equal(t, 1, f.calls)
	assert.Contains(t, rec.names, observability.MetricRunDurationMs)

	entries, err := env.store.ListRunEntries(context.Background(), sum.RunID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
