// Package pipeline runs the staged flow for an ordered list of targets:
// fetch, raw snapshot, normalize, detect, diff, score, and enrichment of
// high-value changes.
//
// Each target commits in a single transaction up to its heuristic
// assessment, so cancelling between targets never leaves a change record
// without a score. Enrichment runs after that commit and only ever adds to
// it. One target's failure is logged against the run and the next target
// proceeds.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/compwatch/fingerprint"
	"github.com/hazyhaar/compwatch/idgen"
	"github.com/hazyhaar/compwatch/intel/internal/detect"
	"github.com/hazyhaar/compwatch/intel/internal/diff"
	"github.com/hazyhaar/compwatch/intel/internal/enrich"
	"github.com/hazyhaar/compwatch/intel/internal/fetch"
	"github.com/hazyhaar/compwatch/intel/internal/normalize"
	"github.com/hazyhaar/compwatch/intel/internal/schema"
	"github.com/hazyhaar/compwatch/intel/internal/score"
	"github.com/hazyhaar/compwatch/intel/internal/store"
	"github.com/hazyhaar/compwatch/observability"
)

// DefaultRelevanceThreshold is the heuristic score from which a change is
// sent for enrichment.
const DefaultRelevanceThreshold = 6

// ErrSchemaLocked is returned by Run while the schema lock is held.
var ErrSchemaLocked = errors.New("pipeline: schema locked, run refused")

// Per-target outcome statuses, as written to the run log.
const (
	StatusOK             = "ok"
	StatusUnchanged      = "unchanged"
	StatusFetchError     = "fetch_error"
	StatusNormalizeError = "normalize_error"
	StatusEnrichDegraded = "enrich_degraded"
	StatusEnriched       = "enriched"
	StatusDuplicate      = "duplicate"
	StatusStale          = "stale"
	StatusError          = "error"
)

// Fetcher is the fetch collaborator.
type Fetcher interface {
	Fetch(ctx context.Context, targetID, url string) fetch.Result
}

// Enricher is the enrichment collaborator.
type Enricher interface {
	Enabled() bool
	Enrich(ctx context.Context, req enrich.Request) (*enrich.Result, error)
}

// Config holds the pipeline policy.
type Config struct {
	RelevanceThreshold int
	TreatFirstAsChange bool
}

// Outcome is what happened to one target.
type Outcome struct {
	TargetID string `json:"target_id"`
	Status   string `json:"status"`
	ChangeID string `json:"change_id,omitempty"`
	Score    int    `json:"score,omitempty"`
	Category string `json:"category,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Summary reports a whole run.
type Summary struct {
	RunID        string        `json:"run_id"`
	Status       string        `json:"status"`
	Targets      int           `json:"targets"`
	Changes      int           `json:"changes"`
	Unchanged    int           `json:"unchanged"`
	Failed       int           `json:"failed"`
	Degraded     int           `json:"degraded"`
	Enriched     int           `json:"enriched"`
	Skipped      int           `json:"skipped"`
	SchemaIssues int           `json:"schema_issues"`
	Duration     time.Duration `json:"duration"`
	Outcomes     []Outcome     `json:"outcomes"`
}

func (s *Summary) tally(o Outcome) {
	switch o.Status {
	case StatusOK:
		s.Changes++
	case StatusEnriched:
		s.Changes++
		s.Enriched++
	case StatusEnrichDegraded:
		s.Changes++
		s.Degraded++
	case StatusUnchanged:
		s.Unchanged++
	case StatusDuplicate, StatusStale:
		s.Skipped++
	case StatusNormalizeError:
		s.Degraded++
	default:
		s.Failed++
	}
}

// Pipeline wires the stages together.
type Pipeline struct {
	store      *store.Store
	schema     *schema.Manager
	normalizer *normalize.Normalizer
	fetcher    Fetcher
	enricher   Enricher
	metrics    observability.Recorder
	ids        idgen.IDs
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConfig sets the policy. A zero threshold means the default.
func WithConfig(cfg Config) Option { return func(p *Pipeline) { p.cfg = cfg } }

// WithSchema enables the lock check and structure verification at run start.
func WithSchema(m *schema.Manager) Option { return func(p *Pipeline) { p.schema = m } }

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *normalize.Normalizer) Option { return func(p *Pipeline) { p.normalizer = n } }

// WithFetcher sets the fetch collaborator used by Run.
func WithFetcher(f Fetcher) Option { return func(p *Pipeline) { p.fetcher = f } }

// WithEnricher sets the enrichment collaborator.
func WithEnricher(e Enricher) Option { return func(p *Pipeline) { p.enricher = e } }

// WithMetrics sets the metrics recorder.
func WithMetrics(r observability.Recorder) Option { return func(p *Pipeline) { p.metrics = r } }

// WithIDs replaces the ID generators.
func WithIDs(ids idgen.IDs) Option { return func(p *Pipeline) { p.ids = ids } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// New builds a Pipeline over st.
func New(st *store.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:   st,
		metrics: observability.Nop{},
		ids:     idgen.NewIDs(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.cfg.RelevanceThreshold <= 0 {
		p.cfg.RelevanceThreshold = DefaultRelevanceThreshold
	}
	if p.normalizer == nil {
		p.normalizer = normalize.New(normalize.WithClock(p.now))
	}
	if p.metrics == nil {
		p.metrics = observability.Nop{}
	}
	p.logger = p.logger.With("component", "pipeline")
	return p
}

// Run processes targets in order. It refuses to start while the schema lock
// is held; a checksum mismatch is counted as a schema issue and the run
// proceeds against the existing structure. Cancelling ctx stops the run
// between targets.
func (p *Pipeline) Run(ctx context.Context, targets []*store.Target) (*Summary, error) {
	if p.fetcher == nil {
		return nil, fmt.Errorf("pipeline: no fetcher configured")
	}
	start := p.now()
	sum := &Summary{RunID: p.ids.Run(), Targets: len(targets), Status: store.RunDone}

	if p.schema != nil {
		lock, err := p.schema.Locked(ctx)
		if err != nil {
			return nil, fmt.Errorf("pipeline: read schema lock: %w", err)
		}
		if lock.Locked {
			return nil, fmt.Errorf("%w (by %s: %s)", ErrSchemaLocked, lock.LockedBy, lock.Reason)
		}
		if err := p.schema.Verify(ctx); err != nil {
			if !errors.Is(err, schema.ErrChecksumMismatch) && !errors.Is(err, schema.ErrNotInitialized) {
				return nil, fmt.Errorf("pipeline: verify schema: %w", err)
			}
			sum.SchemaIssues++
			p.logger.Error("pipeline: schema issue", "error", err)
			p.metrics.Record(&observability.Metric{Name: observability.MetricSchemaViolations, Value: 1, Unit: observability.UnitCount})
		}
	}

	if _, err := p.store.StartRun(ctx, sum.RunID, len(targets)); err != nil {
		return nil, err
	}
	log := p.logger.With("run_id", sum.RunID)
	log.Info("pipeline: run started", "targets", len(targets))

	for i, t := range targets {
		if ctx.Err() != nil {
			sum.Status = store.RunCanceled
			break
		}
		tlog := log.With("target_id", t.ID, "url", t.URL)
		tstart := p.now()

		out, err := p.processTarget(ctx, t)
		if err != nil {
			out = Outcome{TargetID: t.ID, Status: StatusError, Detail: err.Error()}
			tlog.Error("pipeline: target failed", "error", err)
		} else {
			tlog.Info("pipeline: target processed", "status", out.Status, "change_id", out.ChangeID, "score", out.Score)
		}
		sum.tally(out)
		sum.Outcomes = append(sum.Outcomes, out)

		// The run log uses its own context so a cancelled run still records
		// what it did.
		entry := &store.RunEntry{RunID: sum.RunID, Seq: i + 1, TargetID: t.ID, Status: out.Status,
			ChangeID: out.ChangeID, Detail: out.Detail}
		if err := p.store.LogTargetOutcome(context.WithoutCancel(ctx), entry); err != nil {
			tlog.Error("pipeline: run log write failed", "error", err)
		}
		p.metrics.Record(&observability.Metric{
			Name: observability.MetricTargetDurationMs, Value: float64(p.now().Sub(tstart).Milliseconds()),
			Unit: observability.UnitMilliseconds, Labels: map[string]string{"target_id": t.ID, "status": out.Status},
		})
	}

	sum.Duration = p.now().Sub(start)
	run := &store.Run{
		ID: sum.RunID, Status: sum.Status, Changes: sum.Changes, Unchanged: sum.Unchanged,
		Failed: sum.Failed, Degraded: sum.Degraded, Enriched: sum.Enriched, SchemaIssues: sum.SchemaIssues,
	}
	if err := p.store.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		log.Error("pipeline: finish run failed", "error", err)
	}
	labels := map[string]string{"run_id": sum.RunID}
	p.metrics.Record(&observability.Metric{Name: observability.MetricRunDurationMs, Value: float64(sum.Duration.Milliseconds()), Unit: observability.UnitMilliseconds, Labels: labels})
	p.metrics.Record(&observability.Metric{Name: observability.MetricChangesDetected, Value: float64(sum.Changes), Unit: observability.UnitCount, Labels: labels})
	p.metrics.Record(&observability.Metric{Name: observability.MetricTargetsFailed, Value: float64(sum.Failed), Unit: observability.UnitCount, Labels: labels})

	log.Info("pipeline: run finished", "status", sum.Status, "changes", sum.Changes, "unchanged", sum.Unchanged,
		"failed", sum.Failed, "degraded", sum.Degraded, "enriched", sum.Enriched,
		"schema_issues", sum.SchemaIssues, "duration", sum.Duration)
	return sum, ctx.Err()
}

func (p *Pipeline) processTarget(ctx context.Context, t *store.Target) (Outcome, error) {
	if err := p.store.UpsertTarget(ctx, t); err != nil {
		return Outcome{}, err
	}
	res := p.fetcher.Fetch(ctx, t.ID, t.URL)
	if !res.Failed() {
		p.metrics.Record(&observability.Metric{Name: observability.MetricFetchBytes, Value: float64(len(res.RawMarkup)),
			Unit: observability.UnitBytes, Labels: map[string]string{"target_id": t.ID}})
	}
	return p.ProcessFetch(ctx, t, res)
}

// ProcessFetch takes one fetch result through the pipeline. The returned
// error covers store failures only; fetch, normalization and enrichment
// problems are reported in the Outcome.
func (p *Pipeline) ProcessFetch(ctx context.Context, t *store.Target, res fetch.Result) (Outcome, error) {
	out := Outcome{TargetID: t.ID}
	var (
		change     *detect.Change
		assessment score.Assessment
	)

	snap := &store.RawSnapshot{
		ID:            p.ids.Snapshot(),
		TargetID:      t.ID,
		FetchedAt:     res.FetchedAt.UnixMilli(),
		RawMarkup:     res.RawMarkup,
		ContentHash:   fingerprint.Of(res.RawMarkup).String(),
		ContentLength: len(res.RawMarkup),
		HTTPStatus:    res.HTTPStatus,
		Error:         res.Error,
	}
	if snap.Failed() && snap.Error == "" {
		snap.Error = fmt.Sprintf("http status %d", res.HTTPStatus)
	}

	err := p.store.InTx(ctx, func(tx *store.Tx) error {
		inserted, err := tx.InsertRawSnapshot(ctx, snap)
		if err != nil {
			return err
		}
		if !inserted {
			out.Status = StatusDuplicate
			out.Detail = "snapshot " + snap.ID + " already processed"
			return nil
		}
		if snap.Failed() {
			out.Status = StatusFetchError
			out.Detail = snap.Error
			return nil
		}

		nd, err := p.normalizer.Normalize(normalize.Input{
			TargetID: t.ID, SnapshotID: snap.ID, FetchedAt: res.FetchedAt, RawMarkup: res.RawMarkup,
		})
		if err != nil {
			var nf *normalize.Failure
			if errors.As(err, &nf) {
				out.Status = StatusNormalizeError
				out.Detail = nf.Error()
				return nil
			}
			return err
		}

		doc := &store.Document{
			ID:            p.ids.Document(),
			SnapshotID:    snap.ID,
			TargetID:      t.ID,
			Title:         nd.Title,
			CanonicalText: nd.Text,
			Fingerprint:   nd.Fingerprint.String(),
			WordCount:     nd.WordCount,
			ProducedAt:    nd.ProducedAt.UnixMilli(),
			LastSeenAt:    snap.FetchedAt,
		}
		det := detect.New(tx,
			detect.WithFirstObservationAsChange(p.cfg.TreatFirstAsChange),
			detect.WithIDGenerator(p.ids.Change),
			detect.WithClock(p.now))
		c, err := det.Detect(ctx, doc)
		if errors.Is(err, detect.ErrStale) {
			out.Status = StatusStale
			out.Detail = err.Error()
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.InsertDocument(ctx, doc); err != nil {
			return err
		}
		if c == nil {
			out.Status = StatusUnchanged
			return nil
		}
		// A revert to earlier content reuses the stored document.
		c.Record.NewDocumentID = doc.ID

		a := score.Assess(score.Input{URL: t.URL, URLType: t.URLType, Company: t.Company, Diff: c.Diff})
		c.Record.Magnitude = a.Magnitude
		c.Record.DiffSummary = diff.Summary(c.Diff, a.Magnitude)
		if err := tx.InsertChange(ctx, &c.Record); err != nil {
			return err
		}
		if err := tx.UpsertAssessment(ctx, &store.Assessment{
			ChangeID: c.Record.ID, Score: a.Score, HeuristicScore: a.Score,
			Category: a.Category, Summary: a.Summary, Method: store.MethodHeuristic,
		}); err != nil {
			return err
		}
		change, assessment = c, a
		out.Status = StatusOK
		out.ChangeID, out.Score, out.Category = c.Record.ID, a.Score, a.Category
		return nil
	})
	if err != nil {
		return Outcome{TargetID: t.ID}, fmt.Errorf("pipeline: process %s: %w", t.ID, err)
	}
	if change == nil || assessment.Score < p.cfg.RelevanceThreshold {
		return out, nil
	}

	req := enrich.Request{
		ChangeID: change.Record.ID, Company: t.Company, URL: t.URL, URLType: t.URLType,
		NewTitle: change.Current.Title, Added: change.Diff.Added, Removed: change.Diff.Removed,
		ChangePercent: change.Diff.ChangePercent, HeuristicScore: assessment.Score,
		HeuristicCategory: assessment.Category, KeyChanges: keyChangeTexts(change.Diff),
	}
	if change.Prior != nil {
		req.OldTitle = change.Prior.Title
	}
	p.enrichChange(ctx, req, &out)
	return out, nil
}

// EnrichChange (re)runs enrichment for a stored change, e.g. one whose
// earlier attempt exhausted its retries. A change that already has an
// enrichment is left alone.
func (p *Pipeline) EnrichChange(ctx context.Context, changeID string) (Outcome, error) {
	if p.enricher == nil || !p.enricher.Enabled() {
		return Outcome{}, enrich.ErrDisabled
	}
	c, err := p.store.GetChange(ctx, changeID)
	if err != nil {
		return Outcome{}, err
	}
	if c == nil {
		return Outcome{}, fmt.Errorf("pipeline: change %s not found", changeID)
	}
	t, err := p.store.GetTarget(ctx, c.TargetID)
	if err != nil {
		return Outcome{}, err
	}
	if t == nil {
		return Outcome{}, fmt.Errorf("pipeline: target %s not found", c.TargetID)
	}
	a, err := p.store.GetAssessment(ctx, changeID)
	if err != nil {
		return Outcome{}, err
	}
	if a == nil {
		return Outcome{}, fmt.Errorf("pipeline: change %s has no assessment", changeID)
	}
	d, err := decodeDiff(c.DiffJSON)
	if err != nil {
		return Outcome{}, err
	}

	req := enrich.Request{
		ChangeID: c.ID, Company: t.Company, URL: t.URL, URLType: t.URLType,
		Added: d.Added, Removed: d.Removed, ChangePercent: c.ChangePercent,
		HeuristicScore: a.HeuristicScore, HeuristicCategory: a.Category, KeyChanges: keyChangeTexts(d),
	}
	if doc, err := p.store.GetDocument(ctx, c.NewDocumentID); err == nil && doc != nil {
		req.NewTitle = doc.Title
	}
	if c.PriorDocumentID != "" {
		if doc, err := p.store.GetDocument(ctx, c.PriorDocumentID); err == nil && doc != nil {
			req.OldTitle = doc.Title
		}
	}

	out := Outcome{TargetID: t.ID, Status: StatusOK, ChangeID: c.ID, Score: a.Score, Category: a.Category}
	p.enrichChange(ctx, req, &out)
	return out, nil
}
