// Package normalize turns raw fetched markup into canonical text.
//
// Markup is sanitized (scripts, styles and comments dropped), tables are
// rendered as bracketed row blocks, and the rest is converted to markdown so
// headings and paragraphs survive as line structure. Plain-text input only
// has its entities decoded and whitespace collapsed.
package normalize

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/compwatch/fingerprint"
)

// DefaultMaxInputBytes bounds the markup accepted by Normalize.
const DefaultMaxInputBytes = 10 << 20

var (
	errInvalidUTF8 = errors.New("input is not valid UTF-8")
	errTooLarge    = errors.New("input exceeds size limit")
)

// Failure reports markup that could not be normalized. The pipeline records
// it against the snapshot and moves on to the next target.
type Failure struct {
	ContentLength int
	Err           error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("normalize: failed on %d bytes: %v", f.ContentLength, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Input is one raw page to normalize.
type Input struct {
	TargetID   string
	SnapshotID string
	FetchedAt  time.Time
	RawMarkup  string
}

// Document is the canonical form of a page.
type Document struct {
	TargetID    string
	SnapshotID  string
	Title       string
	Text        string
	Fingerprint fingerprint.Digest
	WordCount   int
	PlainText   bool
	ProducedAt  time.Time
}

// Normalizer is safe for concurrent use.
type Normalizer struct {
	conv     *converter.Converter
	policy   *bluemonday.Policy
	maxBytes int
	now      func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithMaxInputBytes overrides DefaultMaxInputBytes.
func WithMaxInputBytes(limit int) Option { return func(n *Normalizer) { n.maxBytes = limit } }

// WithClock overrides the time source for ProducedAt.
func WithClock(now func() time.Time) Option { return func(n *Normalizer) { n.now = now } }

// New returns a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
		policy:   bluemonday.UGCPolicy(),
		maxBytes: DefaultMaxInputBytes,
		now:      time.Now,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize canonicalizes in.RawMarkup. Unusable input yields a *Failure.
func (n *Normalizer) Normalize(in Input) (*Document, error) {
	raw := in.RawMarkup
	if len(raw) > n.maxBytes {
		return nil, &Failure{ContentLength: len(raw), Err: errTooLarge}
	}
	if !utf8.ValidString(raw) {
		return nil, &Failure{ContentLength: len(raw), Err: errInvalidUTF8}
	}

	doc := &Document{
		TargetID:   in.TargetID,
		SnapshotID: in.SnapshotID,
		ProducedAt: n.now(),
	}

	if !looksLikeMarkup(raw) {
		doc.PlainText = true
		doc.Text = CleanText(html.UnescapeString(raw))
	} else {
		title, text, err := n.convert(raw)
		if err != nil {
			return nil, &Failure{ContentLength: len(raw), Err: err}
		}
		doc.Title = title
		doc.Text = text
	}

	doc.Fingerprint = fingerprint.Of(doc.Text)
	doc.WordCount = len(strings.Fields(doc.Text))
	return doc, nil
}

func (n *Normalizer) convert(raw string) (title, text string, err error) {
	page, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse markup: %w", err)
	}

	title = CleanLine(page.Find("title").First().Text())
	if title == "" {
		title = CleanLine(page.Find("h1").First().Text())
	}

	page.Find("script, style, noscript, template, iframe, svg, head").Remove()
	tables := extractTables(page)

	body := page.Find("body")
	if body.Length() == 0 {
		body = page.Selection
	}
	inner, err := body.Html()
	if err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}

	md, err := n.conv.ConvertString(n.policy.Sanitize(inner))
	if err != nil {
		return "", "", fmt.Errorf("convert markup: %w", err)
	}
	md = html.UnescapeString(unescapeMarkdown(stripLinks(md)))
	md = tables.restore(md)
	return title, CleanText(md), nil
}
