package normalize

import (
	"errors"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	spaceRunRe  = regexp.MustCompile(`[ \t\f\v\r\x{00a0}]+`)
	blankRunRe  = regexp.MustCompile(`\n{3,}`)
	imageLinkRe = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	textLinkRe  = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdEscapeRe  = regexp.MustCompile("\\\\([!-/:-@\\[-`{-~])")
)

// CleanText canonicalizes multi-line text: zero-width characters removed,
// runs of horizontal whitespace collapsed to one space, lines trimmed, and at
// most one blank line kept between paragraphs.
func CleanText(text string) string {
	text = stripZeroWidth(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRunRe.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// CleanLine collapses all whitespace, newlines included, to single spaces.
func CleanLine(text string) string {
	return strings.Join(strings.Fields(stripZeroWidth(text)), " ")
}

func stripZeroWidth(text string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00ad':
			return -1
		}
		return r
	}, text)
}

// stripLinks keeps link text and drops targets. Link URLs carry tracking
// parameters and session tokens that would otherwise read as content changes.
func stripLinks(md string) string {
	md = imageLinkRe.ReplaceAllString(md, "$1")
	return textLinkRe.ReplaceAllString(md, "$1")
}

// unescapeMarkdown drops the backslashes the converter adds before
// punctuation, so "$49" or "v2.0" read the same as in plain-text sources.
func unescapeMarkdown(md string) string {
	return mdEscapeRe.ReplaceAllString(md, "$1")
}

// looksLikeMarkup reports whether s contains any tag, comment or doctype.
// Text such as "a < b" stays plain.
func looksLikeMarkup(s string) bool {
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return false
			}
			return true
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken,
			html.CommentToken, html.DoctypeToken:
			return true
		}
	}
}
