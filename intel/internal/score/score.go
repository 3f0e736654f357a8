// Package score assigns a heuristic relevance score and category to a
// detected change. Assess is pure: no I/O, no clock, no external service.
package score

import (
	"fmt"
	"slices"
	"strings"

	"github.com/hazyhaar/compwatch/intel/internal/diff"
)

// Score bounds.
const (
	MinScore  = 1
	MaxScore  = 10
	BaseScore = 5
)

// Categories.
const (
	CategoryProductUpdate   = "product_update"
	CategoryPricingChange   = "pricing_change"
	CategoryMessagingChange = "messaging_change"
	CategoryPartnership     = "partnership"
	CategoryOther           = "other"
)

// Categories lists every category Assess can produce.
var Categories = []string{
	CategoryProductUpdate, CategoryPricingChange, CategoryMessagingChange,
	CategoryPartnership, CategoryOther,
}

// Magnitude labels, keyed by change percentage.
const (
	MagnitudeMinor       = "minor"
	MagnitudeModerate    = "moderate"
	MagnitudeSignificant = "significant"
	MagnitudeMajor       = "major"
)

// Magnitude maps a change percentage to its label.
func Magnitude(percent int) string {
	switch {
	case percent >= 50:
		return MagnitudeMajor
	case percent >= 25:
		return MagnitudeSignificant
	case percent >= 15:
		return MagnitudeModerate
	default:
		return MagnitudeMinor
	}
}

// Clamp bounds s to [MinScore, MaxScore].
func Clamp(s int) int {
	return max(MinScore, min(MaxScore, s))
}

// ValidCategory reports whether c is a known category.
func ValidCategory(c string) bool {
	return slices.Contains(Categories, c)
}

// Input is everything the scorer looks at.
type Input struct {
	URL     string
	URLType string
	Company string
	Diff    diff.Result
}

// Assessment is the heuristic verdict on one change.
type Assessment struct {
	Score     int      `json:"score"`
	Category  string   `json:"category"`
	Summary   string   `json:"summary"`
	Magnitude string   `json:"magnitude"`
	Reasons   []string `json:"reasons,omitempty"`
}

var (
	partnerTerms = []string{"partner", "partnership", "acquisition", "acquires", "acquired", "integration with"}
	launchTerms  = []string{"new", "launch"}
	messageTypes = map[string]bool{"homepage": true, "about": true, "blog": true, "news": true}
)

// Assess scores one change. The rule table is applied in order; the first
// rule that sets a category wins it, later rules only move the score.
func Assess(in Input) Assessment {
	a := &assessor{score: BaseScore, category: CategoryOther}
	d := in.Diff
	added := strings.ToLower(strings.Join(d.Added, " "))
	urlType := strings.ToLower(in.URLType)
	path := strings.ToLower(in.URL)

	pricingPage := urlType == "pricing" || strings.Contains(path, "/pricing") || strings.Contains(path, "/plans")
	if pricingPage && (strings.ContainsAny(added, "$€£") || strings.Contains(added, "price") || len(d.Patterns.NewPrices) > 0) {
		a.adjust(3, CategoryPricingChange, "pricing page gained price content")
	}

	productPage := urlType == "product" || urlType == "features" ||
		strings.Contains(path, "/product") || strings.Contains(path, "/features")
	if productPage && containsWord(added, launchTerms) {
		a.adjust(2, CategoryProductUpdate, "product page announces something new")
	}

	if len(d.Patterns.NewPrices) > 0 && !pricingPage {
		a.adjust(1, CategoryPricingChange, "new price mentioned")
	}
	if len(d.Patterns.NewVersions) > 0 {
		a.adjust(1, CategoryProductUpdate, "new version mentioned")
	}
	if containsAny(added, partnerTerms) {
		a.adjust(1, CategoryPartnership, "partnership language added")
	}

	magnitude := Magnitude(d.ChangePercent)
	if bonus := sizeBonus(magnitude, d.LengthDelta); bonus > 0 {
		a.adjust(bonus, "", fmt.Sprintf("%s change (%d%%, %+d chars)", magnitude, d.ChangePercent, d.LengthDelta))
	}
	if d.ChangePercent < 5 && len(d.KeyChanges) == 0 {
		a.adjust(-1, "", "cosmetic change")
	}

	if a.category == CategoryOther && messageTypes[urlType] && d.AddedCount+d.RemovedCount > 0 {
		a.category = CategoryMessagingChange
		a.reasons = append(a.reasons, "copy changed on "+urlType+" page")
	}

	return Assessment{
		Score:     Clamp(a.score),
		Category:  a.category,
		Summary:   summarize(in.Company, a.category, d, magnitude),
		Magnitude: magnitude,
		Reasons:   a.reasons,
	}
}

type assessor struct {
	score    int
	category string
	reasons  []string
}

func (a *assessor) adjust(delta int, category, reason string) {
	a.score += delta
	if category != "" && a.category == CategoryOther {
		a.category = category
	}
	a.reasons = append(a.reasons, fmt.Sprintf("%+d %s", delta, reason))
}

// sizeBonus is the larger of the magnitude bonus and the raw length bonus,
// never more than +3.
func sizeBonus(magnitude string, lengthDelta int) int {
	var m int
	switch magnitude {
	case MagnitudeMajor:
		m = 3
	case MagnitudeSignificant:
		m = 2
	case MagnitudeModerate:
		m = 1
	}
	l := 0
	abs := max(lengthDelta, -lengthDelta)
	switch {
	case abs > 5000:
		l = 3
	case abs > 1000:
		l = 2
	}
	return min(3, max(m, l))
}

func summarize(company, category string, d diff.Result, magnitude string) string {
	label := strings.ReplaceAll(category, "_", " ")
	subject := company
	if subject == "" {
		subject = "target"
	}
	return fmt.Sprintf("%s: %s, %s", subject, label, diff.Summary(d, magnitude))
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

// containsWord matches whole tokens so "news" does not count as "new".
func containsWord(text string, words []string) bool {
	for _, tok := range diff.Tokens(text) {
		for _, w := range words {
			if tok == w || tok == w+"es" || tok == w+"ed" {
				return true
			}
		}
	}
	return false
}
