package intel

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/compwatch/intel/internal/pipeline"
)

// Enrichment providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderNone      = "none"
)

// Credential environment variables.
const (
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvGeminiKey    = "GEMINI_API_KEY"
)

// Config configures the intel service.
type Config struct {
	DBPath             string        `yaml:"db_path" validate:"required"`
	TreatFirstAsChange bool          `yaml:"treat_first_as_change"`
	RelevanceThreshold int           `yaml:"relevance_threshold" validate:"gte=1,lte=10"`
	MetricsRetention   time.Duration `yaml:"metrics_retention"`

	Enrich EnrichConfig `yaml:"enrich"`
	Fetch  FetchConfig  `yaml:"fetch"`

	// URLTypes are tried in order when a target URL has no explicit type.
	URLTypes []URLTypeRule `yaml:"url_types" validate:"dive"`

	// Targets are validated one by one when the service starts; see ResolveTargets.
	Targets []Company `yaml:"targets"`
}

// EnrichConfig selects and tunes the language-model provider.
type EnrichConfig struct {
	Provider     string        `yaml:"provider" validate:"omitempty,oneof=anthropic gemini none"`
	Model        string        `yaml:"model"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"gte=0,lte=10"`
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	CallDelay    time.Duration `yaml:"call_delay"`
	SnippetChars int           `yaml:"snippet_chars" validate:"gte=0"`
}

// FetchConfig tunes the page fetcher.
type FetchConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	MaxBytes    int64         `yaml:"max_bytes" validate:"gte=0"`
	UserAgent   string        `yaml:"user_agent"`
	Delay       time.Duration `yaml:"delay"`
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=0,lte=10"`
	// AllowPrivate lifts the private-address guard, for intranet competitors
	// and local testing.
	AllowPrivate bool `yaml:"allow_private"`
}

// URLTypeRule maps a glob over "host/path" to a URL type.
type URLTypeRule struct {
	Pattern string `yaml:"pattern" validate:"required"`
	Type    string `yaml:"type" validate:"required,urltype"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("urltype", func(fl validator.FieldLevel) bool {
		return IsURLType(fl.Field().String())
	})
	return v
}

func (c *Config) defaults() {
	if c.RelevanceThreshold == 0 {
		c.RelevanceThreshold = pipeline.DefaultRelevanceThreshold
	}
	if c.MetricsRetention <= 0 {
		c.MetricsRetention = 30 * 24 * time.Hour
	}
	if c.Enrich.Provider == "" {
		c.Enrich.Provider = ProviderAnthropic
	}
	if c.Enrich.Timeout <= 0 {
		c.Enrich.Timeout = 30 * time.Second
	}
	if c.Enrich.MaxAttempts == 0 {
		c.Enrich.MaxAttempts = 3
	}
	if c.Enrich.BaseBackoff <= 0 {
		c.Enrich.BaseBackoff = time.Second
	}
	if c.Enrich.CallDelay == 0 {
		c.Enrich.CallDelay = time.Second
	}
	if c.Enrich.SnippetChars == 0 {
		c.Enrich.SnippetChars = 2000
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.MaxBytes == 0 {
		c.Fetch.MaxBytes = 10 * 1024 * 1024
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "compwatch/1.0"
	}
	if c.Fetch.Delay == 0 {
		c.Fetch.Delay = time.Second
	}
	if c.Fetch.MaxAttempts == 0 {
		c.Fetch.MaxAttempts = 2
	}
}

// Validate checks the service-level settings. Targets are checked separately
// so one bad entry does not stop the others from being monitored.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", ErrInvalidConfig, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LoadConfig reads a YAML config file, applies defaults and validates it.
func LoadConfig(path string, overrides ...func(*Config)) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("intel: read config: %w", err)
	}
	return ParseConfig(data, overrides...)
}

// ParseConfig decodes YAML config, applies overrides and defaults, and
// validates the result.
func ParseConfig(data []byte, overrides ...func(*Config)) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for _, o := range overrides {
		o(&cfg)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
