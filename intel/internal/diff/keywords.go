package diff

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// MinTermLength is the shortest token counted as a term, in runes.
const MinTermLength = 3

// TermCount is a term or phrase with its frequency.
type TermCount struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

var tokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`the a an and or but in on at to for of with by from up about into
		through during is are was were been be have has had will would could should may might must can
		this that these those it its their them they we our us`) {
		stopWords[w] = struct{}{}
	}
}

// Tokens returns the lower-cased alphanumeric terms of text, stop words and
// short tokens removed, in order.
func Tokens(text string) []string {
	var out []string
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		if isTerm(tok) {
			out = append(out, tok)
		}
	}
	return out
}

func isTerm(tok string) bool {
	if utf8.RuneCountInString(tok) < MinTermLength {
		return false
	}
	_, stop := stopWords[tok]
	return !stop
}

// Keywords counts term frequencies in text.
func Keywords(text string) map[string]int {
	freq := make(map[string]int)
	for _, tok := range Tokens(text) {
		freq[tok]++
	}
	return freq
}

// topTerms returns terms present in a and absent from b, most frequent
// first, ties broken alphabetically.
func topTerms(a, b map[string]int, n int) []TermCount {
	var out []TermCount
	for term, count := range a {
		if _, ok := b[term]; ok {
			continue
		}
		out = append(out, TermCount{Term: term, Count: count})
	}
	sortCounts(out)
	return bound(out, n)
}

// recurringPhrases returns two-word phrases that occur more than once in
// new and more often than in old. Phrases are built from adjacent raw
// tokens, both of which must be terms.
func recurringPhrases(old, new string, n int) []TermCount {
	oldCounts, newCounts := phraseCounts(old), phraseCounts(new)
	var out []TermCount
	for phrase, count := range newCounts {
		if count > 1 && count > oldCounts[phrase] {
			out = append(out, TermCount{Term: phrase, Count: count})
		}
	}
	sortCounts(out)
	return bound(out, n)
}

func phraseCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, line := range strings.Split(strings.ToLower(text), "\n") {
		toks := tokenRe.FindAllString(line, -1)
		for i := 0; i+1 < len(toks); i++ {
			if isTerm(toks[i]) && isTerm(toks[i+1]) {
				counts[toks[i]+" "+toks[i+1]]++
			}
		}
	}
	return counts
}

func sortCounts(s []TermCount) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Count != s[j].Count {
			return s[i].Count > s[j].Count
		}
		return s[i].Term < s[j].Term
	})
}
