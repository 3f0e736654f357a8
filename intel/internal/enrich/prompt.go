package enrich

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/compwatch/intel/internal/score"
)

// BuildPrompt renders the instruction sent to the model. Added and removed
// content are each cut to snippetChars runes.
func BuildPrompt(req Request, snippetChars int) string {
	var b strings.Builder
	b.WriteString("You are analyzing a change on a competitor's website for competitive intelligence.\n\n")

	fmt.Fprintf(&b, "Company: %s\n", orNone(req.Company))
	fmt.Fprintf(&b, "URL: %s\n", orNone(req.URL))
	if req.URLType != "" {
		fmt.Fprintf(&b, "Page type: %s\n", req.URLType)
	}
	if req.OldTitle != "" || req.NewTitle != "" {
		fmt.Fprintf(&b, "Old title: %s\n", orNone(req.OldTitle))
		fmt.Fprintf(&b, "New title: %s\n", orNone(req.NewTitle))
	}
	fmt.Fprintf(&b, "Share of statements changed: %d%%\n", req.ChangePercent)
	if req.HeuristicScore > 0 {
		fmt.Fprintf(&b, "Heuristic assessment: %d/10, %s\n", req.HeuristicScore, orNone(req.HeuristicCategory))
	}
	if len(req.KeyChanges) > 0 {
		b.WriteString("\nFlagged changes:\n")
		for _, k := range req.KeyChanges {
			fmt.Fprintf(&b, "- %s\n", k)
		}
	}

	b.WriteString("\nADDED CONTENT:\n")
	b.WriteString(snippet(req.Added, snippetChars))
	b.WriteString("\n\nREMOVED CONTENT:\n")
	b.WriteString(snippet(req.Removed, snippetChars))

	fmt.Fprintf(&b, `

Respond with a single JSON object and nothing else:
{
  "relevance_score": <integer 1-10, competitive importance>,
  "summary": "<2-3 sentences on what changed and why it matters>",
  "category": "<one of: %s>",
  "competitive_threats": "<threats this change poses>",
  "strategic_opportunities": "<opportunities it opens>",
  "key_changes": ["<change>", "..."],
  "business_impact": "<expected impact>",
  "risk_flags": ["<flag>", "..."]
}`, strings.Join(score.Categories, ", "))
	return b.String()
}

func snippet(lines []string, limit int) string {
	if len(lines) == 0 {
		return "(none)"
	}
	s := strings.Join(lines, "\n")
	return truncateRunes(s, limit)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit]) + "…"
}

func orNone(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}
