package diff

import (
	"regexp"
	"slices"
	"strings"
)

var (
	versionRe = regexp.MustCompile(`(?i)\bv\d+(?:\.\d+){1,2}\b|\b\d+\.\d+\.\d+\b|\bversion\s+\d+(?:\.\d+)*\b`)
	priceRe   = regexp.MustCompile(`(?i)[$€£]\s?\d[\d,]*(?:\.\d{2})?(?:\s*/\s*(?:month|mo|year|yr|user|seat))?|\b\d[\d,]*(?:\.\d{2})?\s*(?:usd|eur|dollars?)\b`)
	dateRe    = regexp.MustCompile(`(?i)\b(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b|\b\d{4}-\d{2}-\d{2}\b`)
)

// Pattern kinds.
const (
	KindVersion = "version"
	KindPrice   = "price"
	KindDate    = "date"
	KindTerm    = "term"
)

// strategicTerms surface as key changes when they enter the added text.
var strategicTerms = []string{
	"model", "api", "release", "launch", "announcement", "update", "performance",
	"benchmark", "capability", "feature", "integration", "partnership", "funding",
	"acquisition", "patent",
}

// Patterns holds the distinct pattern values found in one text, in order.
type Patterns struct {
	Versions []string `json:"versions,omitempty"`
	Prices   []string `json:"prices,omitempty"`
	Dates    []string `json:"dates,omitempty"`
}

// PatternDelta lists values that appeared or disappeared.
type PatternDelta struct {
	NewVersions     []string `json:"new_versions,omitempty"`
	NewPrices       []string `json:"new_prices,omitempty"`
	NewDates        []string `json:"new_dates,omitempty"`
	RemovedVersions []string `json:"removed_versions,omitempty"`
	RemovedPrices   []string `json:"removed_prices,omitempty"`
	RemovedDates    []string `json:"removed_dates,omitempty"`
}

// KeyChange is a flagged change surfaced regardless of overall change size.
type KeyChange struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Text  string `json:"text"`
}

// ExtractPatterns finds versions, prices and dates in text.
func ExtractPatterns(text string) Patterns {
	return Patterns{
		Versions: distinct(versionRe.FindAllString(text, -1)),
		Prices:   distinct(priceRe.FindAllString(text, -1)),
		Dates:    distinct(dateRe.FindAllString(text, -1)),
	}
}

func comparePatterns(old, new Patterns) PatternDelta {
	return PatternDelta{
		NewVersions:     subtract(new.Versions, old.Versions),
		NewPrices:       subtract(new.Prices, old.Prices),
		NewDates:        subtract(new.Dates, old.Dates),
		RemovedVersions: subtract(old.Versions, new.Versions),
		RemovedPrices:   subtract(old.Prices, new.Prices),
		RemovedDates:    subtract(old.Dates, new.Dates),
	}
}

// keyChanges lists new prices, versions and dates first, then strategic
// terms that appear in added statements and in no removed statement.
func keyChanges(p PatternDelta, added, removed []string) []KeyChange {
	var out []KeyChange
	for _, v := range p.NewPrices {
		out = append(out, KeyChange{Kind: KindPrice, Value: v, Text: "Price change: " + v})
	}
	for _, v := range p.NewVersions {
		out = append(out, KeyChange{Kind: KindVersion, Value: v, Text: "New version: " + v})
	}
	for _, v := range p.NewDates {
		out = append(out, KeyChange{Kind: KindDate, Value: v, Text: "New date mentioned: " + v})
	}

	addedTerms := termSet(added)
	removedTerms := termSet(removed)
	for _, term := range strategicTerms {
		if mentions(addedTerms, term) && !mentions(removedTerms, term) {
			out = append(out, KeyChange{Kind: KindTerm, Value: term, Text: "New " + term + " mentioned"})
		}
	}
	return bound(out, MaxKeyChanges)
}

func termSet(units []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, u := range units {
		for _, tok := range tokenRe.FindAllString(strings.ToLower(u), -1) {
			set[tok] = struct{}{}
		}
	}
	return set
}

func mentions(set map[string]struct{}, term string) bool {
	if _, ok := set[term]; ok {
		return true
	}
	_, ok := set[term+"s"]
	return ok
}

// distinct trims and de-duplicates values, keeping first occurrences.
func distinct(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.Join(strings.Fields(v), " ")
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
