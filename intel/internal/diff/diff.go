// Package diff compares two canonical texts: statement-level delta, change
// percentage, term frequency shifts and pattern-level key changes.
//
// Every list in a Result is bounded. The full counts stay available in the
// *Count fields.
package diff

import (
	"fmt"
	"math"
	"strings"
	"unicode"
)

// List bounds.
const (
	MaxStatements = 10
	MaxTerms      = 20
	MaxPhrases    = 10
	MaxKeyChanges = 10
)

// Result is the structured delta between an old and a new document.
type Result struct {
	Added            []string     `json:"added"`
	Removed          []string     `json:"removed"`
	AddedCount       int          `json:"added_count"`
	RemovedCount     int          `json:"removed_count"`
	ChangePercent    int          `json:"change_percent"`
	LengthDelta      int          `json:"length_delta"`
	NewTerms         []TermCount  `json:"new_terms,omitempty"`
	RemovedTerms     []TermCount  `json:"removed_terms,omitempty"`
	RecurringPhrases []TermCount  `json:"recurring_phrases,omitempty"`
	Patterns         PatternDelta `json:"patterns"`
	KeyChanges       []KeyChange  `json:"key_changes,omitempty"`
}

// Analyze diffs old against new. old may be empty (first observation).
func Analyze(old, new string) Result {
	oldUnits := uniqueUnits(Sentences(old))
	newUnits := uniqueUnits(Sentences(new))

	added := subtract(newUnits, oldUnits)
	removed := subtract(oldUnits, newUnits)

	r := Result{
		Added:         bound(added, MaxStatements),
		Removed:       bound(removed, MaxStatements),
		AddedCount:    len(added),
		RemovedCount:  len(removed),
		ChangePercent: ChangePercent(len(oldUnits), len(newUnits), len(added), len(removed)),
		LengthDelta:   len(new) - len(old),
	}

	oldFreq, newFreq := Keywords(old), Keywords(new)
	r.NewTerms = topTerms(newFreq, oldFreq, MaxTerms)
	r.RemovedTerms = topTerms(oldFreq, newFreq, MaxTerms)
	r.RecurringPhrases = recurringPhrases(old, new, MaxPhrases)

	r.Patterns = comparePatterns(ExtractPatterns(old), ExtractPatterns(new))
	r.KeyChanges = keyChanges(r.Patterns, added, removed)
	return r
}

// Sentences splits text into statement units. A unit ends at a run of
// '.', '!' or '?' followed by whitespace or end of text, or at a line
// break, so headings and table rows stand alone. Units without any letter
// or digit are dropped, as are table markers.
func Sentences(text string) []string {
	var out []string
	emit := func(s string) {
		s = strings.Join(strings.Fields(s), " ")
		if s == "" || s == "[TABLE]" || s == "[/TABLE]" || !hasAlnum(s) {
			return
		}
		out = append(out, s)
	}
	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)
		start := 0
		for i := 0; i < len(runes); i++ {
			if !isTerminator(runes[i]) {
				continue
			}
			j := i
			for j+1 < len(runes) && isTerminator(runes[j+1]) {
				j++
			}
			if j+1 == len(runes) || unicode.IsSpace(runes[j+1]) {
				emit(string(runes[start : j+1]))
				start = j + 1
			}
			i = j
		}
		emit(string(runes[start:]))
	}
	return out
}

// ChangePercent returns round((added+removed) / max(old, new) * 100),
// clamped to [0, 100]. Two empty documents differ by 0%.
func ChangePercent(oldUnits, newUnits, added, removed int) int {
	denom := max(oldUnits, newUnits)
	if denom == 0 {
		return 0
	}
	ratio := float64(added+removed) / float64(denom)
	ratio = math.Min(math.Max(ratio, 0), 1)
	return int(math.Round(ratio * 100))
}

// Summary renders a one-line description of r for listings.
func Summary(r Result, magnitude string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "+%d/-%d statements, %d%% changed", r.AddedCount, r.RemovedCount, r.ChangePercent)
	if magnitude != "" {
		fmt.Fprintf(&b, " (%s)", magnitude)
	}
	for i, kc := range r.KeyChanges {
		if i == 3 {
			fmt.Fprintf(&b, "; +%d more", len(r.KeyChanges)-3)
			break
		}
		b.WriteString("; ")
		b.WriteString(kc.Text)
	}
	return b.String()
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// uniqueUnits keeps the first occurrence of each unit, in order.
func uniqueUnits(units []string) []string {
	seen := make(map[string]struct{}, len(units))
	out := units[:0:0]
	for _, u := range units {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// subtract returns the units of a absent from b, in a's order.
func subtract(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, u := range b {
		inB[u] = struct{}{}
	}
	var out []string
	for _, u := range a {
		if _, ok := inB[u]; !ok {
			out = append(out, u)
		}
	}
	return out
}

func bound[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
