package intel

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hazyhaar/compwatch/fingerprint"
	"github.com/hazyhaar/compwatch/intel/internal/store"
)

// URL types.
const (
	URLTypeHomepage = "homepage"
	URLTypeProduct  = "product"
	URLTypeFeatures = "features"
	URLTypePricing  = "pricing"
	URLTypeBlog     = "blog"
	URLTypeNews     = "news"
	URLTypeAbout    = "about"
	URLTypeCareers  = "careers"
	URLTypeDocs     = "docs"
	URLTypeOther    = "other"
)

var urlTypes = []string{
	URLTypeHomepage, URLTypeProduct, URLTypeFeatures, URLTypePricing, URLTypeBlog,
	URLTypeNews, URLTypeAbout, URLTypeCareers, URLTypeDocs, URLTypeOther,
}

// IsURLType reports whether t is a known URL type.
func IsURLType(t string) bool { return slices.Contains(urlTypes, t) }

// Company is one competitor and the pages monitored for it.
type Company struct {
	Name string      `yaml:"name" json:"name" validate:"required,max=256"`
	URLs []TargetURL `yaml:"urls" json:"urls" validate:"required,min=1,dive"`
}

// TargetURL is one monitored page. ID and Type are optional: the ID is then
// derived from company and URL, the type inferred from the URL.
type TargetURL struct {
	ID   string `yaml:"id" json:"id,omitempty" validate:"omitempty,max=128"`
	URL  string `yaml:"url" json:"url" validate:"required,http_url,max=4096"`
	Type string `yaml:"type" json:"type,omitempty" validate:"omitempty,urltype"`
}

// defaultURLTypes apply after the configured rules.
var defaultURLTypes = []URLTypeRule{
	{Pattern: "**/pricing*", Type: URLTypePricing},
	{Pattern: "**/pricing*/**", Type: URLTypePricing},
	{Pattern: "**/plans*", Type: URLTypePricing},
	{Pattern: "**/features*", Type: URLTypeFeatures},
	{Pattern: "**/features*/**", Type: URLTypeFeatures},
	{Pattern: "**/product*", Type: URLTypeProduct},
	{Pattern: "**/product*/**", Type: URLTypeProduct},
	{Pattern: "**/blog*", Type: URLTypeBlog},
	{Pattern: "**/blog/**", Type: URLTypeBlog},
	{Pattern: "**/news*", Type: URLTypeNews},
	{Pattern: "**/news/**", Type: URLTypeNews},
	{Pattern: "**/press*", Type: URLTypeNews},
	{Pattern: "**/about*", Type: URLTypeAbout},
	{Pattern: "**/company", Type: URLTypeAbout},
	{Pattern: "**/careers*", Type: URLTypeCareers},
	{Pattern: "**/jobs*", Type: URLTypeCareers},
	{Pattern: "docs.*/**", Type: URLTypeDocs},
	{Pattern: "**/docs*", Type: URLTypeDocs},
	{Pattern: "**/docs/**", Type: URLTypeDocs},
}

// InferURLType matches rawURL against rules, then the built-in rules. A bare
// host is a homepage; anything unmatched is "other".
func InferURLType(rawURL string, rules []URLTypeRule) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return URLTypeOther
	}
	path := strings.TrimSuffix(strings.ToLower(u.Path), "/")
	if path == "" {
		return URLTypeHomepage
	}
	subject := strings.ToLower(u.Hostname()) + path
	for _, set := range [][]URLTypeRule{rules, defaultURLTypes} {
		for _, r := range set {
			if ok, _ := doublestar.Match(strings.ToLower(r.Pattern), subject); ok {
				return r.Type
			}
		}
	}
	return URLTypeOther
}

// TargetID derives a stable ID for a company page.
func TargetID(company, rawURL string) string {
	return "tgt_" + fingerprint.Of(strings.ToLower(company)+"\n"+rawURL).String()[:16]
}

// ResolveTargets validates the configured companies and flattens them into store
// targets. Invalid entries are returned as errors wrapping ErrInvalidTarget
// alongside the valid targets; duplicate IDs keep the first occurrence.
func (c *Config) ResolveTargets() ([]*store.Target, []error) {
	var (
		out  []*store.Target
		errs []error
		seen = make(map[string]bool)
	)
	for i, co := range c.Targets {
		if err := validate.Struct(&co); err != nil {
			errs = append(errs, fmt.Errorf("%w: targets[%d] (%s): %v", ErrInvalidTarget, i, co.Name, err))
			continue
		}
		for _, tu := range co.URLs {
			id := tu.ID
			if id == "" {
				id = TargetID(co.Name, tu.URL)
			}
			if seen[id] {
				errs = append(errs, fmt.Errorf("%w: duplicate target %s (%s)", ErrInvalidTarget, id, tu.URL))
				continue
			}
			seen[id] = true
			typ := tu.Type
			if typ == "" {
				typ = InferURLType(tu.URL, c.URLTypes)
			}
			out = append(out, &store.Target{ID: id, Company: co.Name, URL: tu.URL, URLType: typ})
		}
	}
	return out, errs
}
