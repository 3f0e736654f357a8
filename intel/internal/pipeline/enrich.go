package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/compwatch/intel/internal/diff"
	"github.com/hazyhaar/compwatch/intel/internal/enrich"
	"github.com/hazyhaar/compwatch/intel/internal/score"
	"github.com/hazyhaar/compwatch/intel/internal/store"
	"github.com/hazyhaar/compwatch/observability"
)

// enrichChange calls the enricher for req and records the outcome on out.
// Any failure leaves the heuristic assessment in place.
func (p *Pipeline) enrichChange(ctx context.Context, req enrich.Request, out *Outcome) {
	if p.enricher == nil || !p.enricher.Enabled() {
		return
	}
	log := p.logger.With("change_id", req.ChangeID, "target_id", out.TargetID)

	existing, err := p.store.GetEnrichment(ctx, req.ChangeID)
	if err != nil {
		log.Error("pipeline: read enrichment", "error", err)
		out.Status, out.Detail = StatusEnrichDegraded, err.Error()
		return
	}
	if existing != nil {
		log.Debug("pipeline: already enriched")
		return
	}

	res, err := p.enricher.Enrich(ctx, req)
	if err != nil {
		if errors.Is(err, enrich.ErrExhausted) {
			log.Warn("pipeline: enrichment exhausted, keeping heuristic score", "error", err)
		} else {
			log.Error("pipeline: enrichment failed, keeping heuristic score", "error", err)
		}
		out.Status, out.Detail = StatusEnrichDegraded, err.Error()
		return
	}

	labels := map[string]string{"model": res.Model}
	p.metrics.Record(&observability.Metric{Name: observability.MetricEnrichLatencyMs, Value: float64(res.Latency.Milliseconds()), Unit: observability.UnitMilliseconds, Labels: labels})
	p.metrics.Record(&observability.Metric{Name: observability.MetricEnrichAttempts, Value: float64(res.Attempts), Unit: observability.UnitCount, Labels: labels})

	if res.ParseFailed {
		// The raw answer is kept for inspection; the score stays heuristic.
		if _, err := p.store.InsertEnrichment(ctx, res.Enrichment()); err != nil {
			log.Error("pipeline: store degraded enrichment", "error", err)
		}
		log.Warn("pipeline: enrichment unparseable", "error", res.ParseErr)
		out.Status, out.Detail = StatusEnrichDegraded, fmt.Sprintf("parse failed: %v", res.ParseErr)
		return
	}

	newScore, category := out.Score, out.Category
	if res.Score != nil {
		newScore = *res.Score
	}
	if score.ValidCategory(res.Category) {
		category = res.Category
	}

	err = p.store.InTx(ctx, func(tx *store.Tx) error {
		inserted, err := tx.InsertEnrichment(ctx, res.Enrichment())
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		return tx.ApplyEnrichedScore(ctx, req.ChangeID, newScore, category, res.Summary)
	})
	if err != nil {
		log.Error("pipeline: store enrichment", "error", err)
		out.Status, out.Detail = StatusEnrichDegraded, err.Error()
		return
	}
	log.Info("pipeline: change enriched", "score", newScore, "heuristic_score", out.Score, "category", category)
	out.Status, out.Score, out.Category = StatusEnriched, newScore, category
}

func keyChangeTexts(d diff.Result) []string {
	out := make([]string, 0, len(d.KeyChanges))
	for _, kc := range d.KeyChanges {
		out = append(out, kc.Text)
	}
	return out
}

func decodeDiff(raw string) (diff.Result, error) {
	var d diff.Result
	if raw == "" {
		return d, nil
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return d, fmt.Errorf("pipeline: decode diff: %w", err)
	}
	return d, nil
}
