package detect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/compwatch/dbopen"
	"github.com/hazyhaar/compwatch/fingerprint"
	"github.com/hazyhaar/compwatch/idgen"
	"github.com/hazyhaar/compwatch/intel/internal/store"
)

type fakeBaselines map[string]*store.Document

func (f fakeBaselines) LatestDocument(_ context.Context, targetID string) (*store.Document, error) {
	return f[targetID], nil
}

type failingBaselines struct{}

func (failingBaselines) LatestDocument(context.Context, string) (*store.Document, error) {
	return nil, errors.New("disk gone")
}

func doc(id, target, text string, seenAt int64) *store.Document {
	return &store.Document{
		ID: id, SnapshotID: "snap-" + id, TargetID: target, CanonicalText: text,
		Fingerprint: fingerprint.Of(text).String(), ProducedAt: seenAt, LastSeenAt: seenAt,
	}
}

func fixedClock() time.Time { return time.UnixMilli(1_700_000_000_000) }

func TestDetect_FirstObservationIsNotAChange(t *testing.T) {
	// WHAT: Without a baseline and with the default policy, nothing is emitted.
	// WHY: The first fetch of a target establishes the baseline, it is not news.
	d := New(fakeBaselines{})
	c, err := d.Detect(context.Background(), doc("d1", "t1", "Hello world.", 10))
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDetect_FirstObservationAsChange(t *testing.T) {
	d := New(fakeBaselines{}, WithFirstObservationAsChange(true),
		WithIDGenerator(idgen.Sequence("chg_")), WithClock(fixedClock))
	c, err := d.Detect(context.Background(), doc("d1", "t1", "Hello world. Pricing is $10.", 10))
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Nil(t, c.Prior)
	assert.Equal(t, "chg_1", c.Record.ID)
	assert.Empty(t, c.Record.PriorDocumentID)
	assert.Empty(t, c.Record.OldFingerprint)
	assert.Equal(t, 100, c.Record.ChangePercent)
	assert.Equal(t, int64(1_700_000_000_000), c.Record.DetectedAt)
	assert.Len(t, c.Diff.Added, 2)
}

func TestDetect_EqualFingerprints(t *testing.T) {
	// WHAT: Identical canonical text never yields a change.
	// WHY: A change record exists only when fingerprints differ.
	base := doc("d1", "t1", "Same text.", 10)
	d := New(fakeBaselines{"t1": base}, WithFirstObservationAsChange(true))
	c, err := d.Detect(context.Background(), doc("d2", "t1", "Same text.", 20))
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDetect_DifferentFingerprints(t *testing.T) {
	base := doc("d1", "t1", "Plans start at $10/month. Contact us.", 10)
	d := New(fakeBaselines{"t1": base}, WithClock(fixedClock))
	c, err := d.Detect(context.Background(), doc("d2", "t1", "Plans start at $12/month. Contact us.", 20))
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Same(t, base, c.Prior)
	assert.Equal(t, "d1", c.Record.PriorDocumentID)
	assert.Equal(t, base.Fingerprint, c.Record.OldFingerprint)
	assert.Equal(t, "d2", c.Record.NewDocumentID)
	assert.Equal(t, 100, c.Record.ChangePercent)
	assert.Contains(t, c.Record.DiffJSON, `"$12/month"`)
	assert.True(t, len(c.Record.ID) > len(idgen.PrefixChange))
}

func TestDetect_Stale(t *testing.T) {
	// WHAT: A document older than the baseline is refused.
	// WHY: Late-arriving snapshots must not be diffed backwards.
	d := New(fakeBaselines{"t1": doc("d1", "t1", "Newer text.", 50)})
	_, err := d.Detect(context.Background(), doc("d0", "t1", "Older text.", 40))
	assert.ErrorIs(t, err, ErrStale)
}

func TestDetect_BaselineError(t *testing.T) {
	_, err := New(failingBaselines{}).Detect(context.Background(), doc("d1", "t1", "x", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
}

func TestDetect_AgainstStore(t *testing.T) {
	// WHAT: With the real store, a revert to older content is still a change
	// and re-seeing current content is not.
	// WHY: The baseline is the most recently seen document, not the newest row.
	ctx := context.Background()
	db := dbopen.OpenMemory(t)
	require.NoError(t, store.ApplySchema(ctx, db))
	s := store.NewStore(db)
	require.NoError(t, s.UpsertTarget(ctx, &store.Target{ID: "t1", Company: "Acme", URL: "https://acme.test", URLType: "homepage"}))

	put := func(d *store.Document) {
		t.Helper()
		_, err := s.InsertRawSnapshot(ctx, &store.RawSnapshot{ID: d.SnapshotID, TargetID: d.TargetID, FetchedAt: d.LastSeenAt, HTTPStatus: 200})
		require.NoError(t, err)
		_, err = s.InsertDocument(ctx, d)
		require.NoError(t, err)
	}
	det := New(s)

	a := doc("a", "t1", "Version A.", 10)
	put(a)
	b := doc("b", "t1", "Version B.", 20)
	c, err := det.Detect(ctx, b)
	require.NoError(t, err)
	require.NotNil(t, c)
	put(b)

	again := doc("b2", "t1", "Version B.", 30)
	c, err = det.Detect(ctx, again)
	require.NoError(t, err)
	assert.Nil(t, c)

	revert := doc("a2", "t1", "Version A.", 40)
	c, err = det.Detect(ctx, revert)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "b", c.Record.PriorDocumentID)
}
