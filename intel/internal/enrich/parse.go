package enrich

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/hazyhaar/compwatch/intel/internal/score"
)

// CategoryParseFailed marks a degraded result whose response did not parse.
const CategoryParseFailed = "parse_failed"

var errNoObject = errors.New("no JSON object in response")

// responseSchema is the documented wire contract. Every field is optional
// but the object must carry a score or a summary to be useful. List-ish
// fields accept a string too, models are not consistent about it.
const responseSchema = `{
  "type": "object",
  "properties": {
    "relevance_score": {"type": ["number", "string"]},
    "summary": {"type": "string"},
    "category": {"type": "string"},
    "competitive_threats": {"type": ["string", "array", "null"]},
    "strategic_opportunities": {"type": ["string", "array", "null"]},
    "business_impact": {"type": ["string", "null"]},
    "key_changes": {"type": ["array", "string", "null"]},
    "risk_flags": {"type": ["array", "string", "null"]}
  },
  "anyOf": [
    {"required": ["relevance_score"]},
    {"required": ["summary"]}
  ]
}`

var schemaLoader = gojsonschema.NewStringLoader(responseSchema)

type wireResponse struct {
	RelevanceScore         *wireScore      `json:"relevance_score"`
	Summary                string          `json:"summary"`
	Category               string          `json:"category"`
	CompetitiveThreats     json.RawMessage `json:"competitive_threats"`
	StrategicOpportunities json.RawMessage `json:"strategic_opportunities"`
	BusinessImpact         string          `json:"business_impact"`
	KeyChanges             json.RawMessage `json:"key_changes"`
	RiskFlags              json.RawMessage `json:"risk_flags"`
}

// ParseResponse extracts the first balanced {...} span of raw, validates it
// and maps it to a Result. It never fails: an unusable response gives a
// degraded Result with ParseFailed set, the raw text kept and the
// parse_failed category.
func ParseResponse(raw string) *Result {
	res, err := parse(raw)
	if err != nil {
		return &Result{Raw: raw, Category: CategoryParseFailed, ParseFailed: true, ParseErr: err}
	}
	return res
}

func parse(raw string) (*Result, error) {
	obj, ok := FirstObject(raw)
	if !ok {
		return nil, errNoObject
	}

	v, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewStringLoader(obj))
	if err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if !v.Valid() {
		msgs := make([]string, 0, len(v.Errors()))
		for _, e := range v.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("schema: %s", strings.Join(msgs, "; "))
	}

	var w wireResponse
	if err := json.Unmarshal([]byte(obj), &w); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	res := &Result{
		Raw:                    raw,
		Summary:                strings.TrimSpace(w.Summary),
		Category:               normalizeCategory(w.Category),
		CompetitiveThreats:     joinText(w.CompetitiveThreats),
		StrategicOpportunities: joinText(w.StrategicOpportunities),
		BusinessImpact:         strings.TrimSpace(w.BusinessImpact),
		KeyChanges:             textList(w.KeyChanges),
		RiskFlags:              textList(w.RiskFlags),
	}
	if w.RelevanceScore != nil {
		s := clampScore(float64(*w.RelevanceScore))
		res.Score = &s
	}
	return res, nil
}

// wireScore accepts 9, 9.5 and "9".
type wireScore float64

func (s *wireScore) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		var str string
		if json.Unmarshal(b, &str) != nil {
			return err
		}
		if f, err = strconv.ParseFloat(strings.TrimSpace(str), 64); err != nil {
			return fmt.Errorf("relevance_score %q is not a number", str)
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("relevance_score %v is not finite", f)
	}
	*s = wireScore(f)
	return nil
}

// clampScore bounds f before converting so huge values cannot overflow.
func clampScore(f float64) int {
	return int(math.Max(score.MinScore, math.Min(score.MaxScore, math.Round(f))))
}

// FirstObject returns the first balanced {...} span in s. Braces inside JSON
// strings do not count.
func FirstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// normalizeCategory maps free-form labels like "Pricing Change" onto the
// known set. Unknown labels come back empty so the caller keeps its own.
func normalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return ""
	}
	c = strings.NewReplacer(" ", "_", "-", "_").Replace(c)
	if score.ValidCategory(c) {
		return c
	}
	return ""
}

func textList(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
		return []string{strings.TrimSpace(s)}
	}
	return nil
}

func joinText(raw json.RawMessage) string {
	return strings.Join(textList(raw), "; ")
}
