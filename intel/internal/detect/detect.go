// Package detect decides whether a freshly normalized document is a change
// against the target's baseline.
//
// Per target the state only moves forward: no baseline, then a baseline
// fingerprint, then a new fingerprint each time the content differs. Equal
// fingerprints never produce a change record.
package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/compwatch/fingerprint"
	"github.com/hazyhaar/compwatch/idgen"
	"github.com/hazyhaar/compwatch/intel/internal/diff"
	"github.com/hazyhaar/compwatch/intel/internal/store"
)

// ErrStale is returned for a document older than the current baseline.
// Comparing against it would invert the change direction.
var ErrStale = errors.New("detect: document older than baseline")

// Baselines reads the latest stored document of a target. store.Store and
// store.Tx both satisfy it.
type Baselines interface {
	LatestDocument(ctx context.Context, targetID string) (*store.Document, error)
}

// Change is a detected change: the record to persist plus the inputs the
// scorer needs.
type Change struct {
	Record  store.Change
	Prior   *store.Document // nil on a first observation
	Current *store.Document
	Diff    diff.Result
}

// Detector compares documents against their target's baseline.
type Detector struct {
	baselines          Baselines
	treatFirstAsChange bool
	newID              idgen.Generator
	now                func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithFirstObservationAsChange makes the first document of a target produce
// a change record with no prior document.
func WithFirstObservationAsChange(on bool) Option {
	return func(d *Detector) { d.treatFirstAsChange = on }
}

// WithIDGenerator overrides the change ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(d *Detector) { d.newID = gen }
}

// WithClock overrides the detection timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New creates a Detector reading baselines from b.
func New(b Baselines, opts ...Option) *Detector {
	d := &Detector{
		baselines: b,
		newID:     idgen.Prefixed(idgen.PrefixChange, idgen.UUIDv7()),
		now:       time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Baseline returns the document doc would be compared against.
func (d *Detector) Baseline(ctx context.Context, targetID string) (*store.Document, error) {
	prior, err := d.baselines.LatestDocument(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("detect: load baseline: %w", err)
	}
	return prior, nil
}

// Detect compares doc with the target's baseline. It must run before doc is
// stored. A nil Change with a nil error means no change: the fingerprints
// match, or this is a first observation and the policy does not count it.
func (d *Detector) Detect(ctx context.Context, doc *store.Document) (*Change, error) {
	prior, err := d.Baseline(ctx, doc.TargetID)
	if err != nil {
		return nil, err
	}

	if prior == nil {
		if !d.treatFirstAsChange {
			return nil, nil
		}
		return d.change(nil, doc)
	}

	if doc.LastSeenAt != 0 && doc.LastSeenAt < prior.LastSeenAt {
		return nil, ErrStale
	}
	if fingerprint.Equal(prior.Fingerprint, doc.Fingerprint) {
		return nil, nil
	}
	return d.change(prior, doc)
}

func (d *Detector) change(prior, doc *store.Document) (*Change, error) {
	var oldText string
	if prior != nil {
		oldText = prior.CanonicalText
	}
	res := diff.Analyze(oldText, doc.CanonicalText)
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("detect: encode diff: %w", err)
	}

	c := &Change{
		Prior:   prior,
		Current: doc,
		Diff:    res,
		Record: store.Change{
			ID:             d.newID(),
			TargetID:       doc.TargetID,
			NewDocumentID:  doc.ID,
			NewFingerprint: doc.Fingerprint,
			ChangePercent:  res.ChangePercent,
			DiffJSON:       string(raw),
			DetectedAt:     d.now().UnixMilli(),
		},
	}
	if prior != nil {
		c.Record.PriorDocumentID = prior.ID
		c.Record.OldFingerprint = prior.Fingerprint
	}
	return c, nil
}
