// Package enrich asks an external language model for a structured
// competitive-intelligence read of a high-value change.
//
// Calls are serial, spaced by a fixed delay, and retried only on transient
// failures. A response that cannot be parsed still yields a degraded Result
// carrying the raw text; an exhausted retry budget yields no Result at all.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/compwatch/intel/internal/pace"
	"github.com/hazyhaar/compwatch/intel/internal/store"
)

var (
	// ErrDisabled is returned when no provider is configured.
	ErrDisabled = errors.New("enrich: disabled")
	// ErrExhausted is returned after every attempt failed transiently.
	ErrExhausted = errors.New("enrich: retries exhausted")
)

// Provider sends one prompt to a model and returns its text answer.
// Failures carrying an HTTP status should be a *pace.StatusError.
type Provider interface {
	Model() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config tunes call pacing and retries.
type Config struct {
	Timeout      time.Duration // per attempt
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	CallDelay    time.Duration
	SnippetChars int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		MaxAttempts:  3,
		BaseBackoff:  time.Second,
		MaxBackoff:   30 * time.Second,
		CallDelay:    time.Second,
		SnippetChars: 2000,
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff < 0 {
		c.BaseBackoff = 0
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.SnippetChars <= 0 {
		c.SnippetChars = d.SnippetChars
	}
}

// Request describes the change to enrich.
type Request struct {
	ChangeID          string
	Company           string
	URL               string
	URLType           string
	OldTitle          string
	NewTitle          string
	Added             []string
	Removed           []string
	KeyChanges        []string
	ChangePercent     int
	HeuristicScore    int
	HeuristicCategory string
}

// Result is a parsed (or degraded) model answer.
type Result struct {
	ChangeID               string
	Model                  string
	Score                  *int // clamped to [1, 10]; nil if the model gave none
	Summary                string
	Category               string
	CompetitiveThreats     string
	StrategicOpportunities string
	BusinessImpact         string
	KeyChanges             []string
	RiskFlags              []string
	Raw                    string
	ParseFailed            bool
	ParseErr               error
	Attempts               int
	Latency                time.Duration
}

// Enrichment converts r to its stored form.
func (r *Result) Enrichment() *store.Enrichment {
	return &store.Enrichment{
		ChangeID:               r.ChangeID,
		Model:                  r.Model,
		RelevanceScore:         r.Score,
		Summary:                r.Summary,
		Category:               r.Category,
		KeyChanges:             r.KeyChanges,
		BusinessImpact:         r.BusinessImpact,
		CompetitiveThreats:     r.CompetitiveThreats,
		StrategicOpportunities: r.StrategicOpportunities,
		RiskFlags:              r.RiskFlags,
		RawResponse:            r.Raw,
		ParseFailed:            r.ParseFailed,
	}
}

// Client paces and retries provider calls.
type Client struct {
	provider Provider
	cfg      Config
	limiter  *pace.Limiter
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = fn }
}

// NewClient builds a Client. A nil provider gives a disabled client.
func NewClient(p Provider, cfg Config, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()
	c := &Client{
		provider: p,
		cfg:      cfg,
		limiter:  pace.NewLimiter(cfg.CallDelay),
		sleep:    pace.Sleep,
		logger:   logger.With("component", "enrich"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enabled reports whether a provider is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.provider != nil
}

// Model returns the provider's model identifier, or "" when disabled.
func (c *Client) Model() string {
	if !c.Enabled() {
		return ""
	}
	return c.provider.Model()
}

// Enrich runs one enrichment. Transient failures are retried with
// exponential backoff; once the budget is spent the error wraps
// ErrExhausted. Other provider failures are returned as is. A response that
// does not parse is not an error: the Result comes back with ParseFailed.
func (c *Client) Enrich(ctx context.Context, req Request) (*Result, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	prompt := BuildPrompt(req, c.cfg.SnippetChars)
	log := c.logger.With("change_id", req.ChangeID, "model", c.provider.Model())

	var raw string
	start := time.Now()
	policy := pace.Policy{
		MaxAttempts: c.cfg.MaxAttempts,
		Backoff:     pace.Backoff{Base: c.cfg.BaseBackoff, Max: c.cfg.MaxBackoff},
		Sleep:       c.sleep,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			log.Warn("enrich: retrying", "attempt", attempt, "wait", wait,
				"class", pace.Classify(err), "error", err)
		},
	}
	attempts, err := pace.Retry(ctx, policy, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		out, err := c.provider.Complete(callCtx, prompt)
		if err != nil {
			return err
		}
		raw = out
		return nil
	})
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, pace.ErrExhausted) {
			log.Warn("enrich: exhausted", "attempts", attempts, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrExhausted, err)
		}
		log.Warn("enrich: call failed", "attempts", attempts, "class", pace.Classify(err), "error", err)
		return nil, fmt.Errorf("enrich: %w", err)
	}

	res := ParseResponse(raw)
	res.ChangeID = req.ChangeID
	res.Model = c.provider.Model()
	res.Attempts = attempts
	res.Latency = latency
	if res.ParseFailed {
		log.Warn("enrich: unparseable response", "error", res.ParseErr, "raw_len", len(raw))
	} else {
		log.Debug("enrich: done", "attempts", attempts, "latency", latency)
	}
	return res, nil
}
