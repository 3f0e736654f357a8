// Package fetch retrieves target pages and reports each attempt as a Result
// the pipeline can record, success or failure.
//
// Requests are spaced by a fixed delay, transient failures are retried, and
// bodies are decoded to UTF-8 from the declared charset.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/hazyhaar/compwatch/intel/internal/pace"
)

// Result is one fetch of a target.
type Result struct {
	TargetID    string
	URL         string
	FetchedAt   time.Time
	RawMarkup   string
	HTTPStatus  int
	ContentType string
	Error       string
	Attempts    int
}

// Failed reports whether the fetch produced no usable page.
func (r *Result) Failed() bool {
	return r.Error != "" || r.HTTPStatus != http.StatusOK
}

// Config configures the fetcher.
type Config struct {
	Timeout     time.Duration // per request. Default: 30s.
	MaxBytes    int64         // response body cap. Default: 10MB.
	UserAgent   string
	Delay       time.Duration // minimum spacing between requests. Zero disables pacing.
	MaxAttempts int           // Default: 2.
	Backoff     time.Duration // Default: 2s.
	// URLValidator validates URLs before fetch and on every redirect.
	// Default: ValidateURL.
	URLValidator func(string) error
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "compwatch/1.0"
	}
	if c.Delay < 0 {
		c.Delay = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.URLValidator == nil {
		c.URLValidator = ValidateURL
	}
}

// Fetcher performs paced HTTP GETs.
type Fetcher struct {
	client  *http.Client
	config  Config
	limiter *pace.Limiter
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

// New creates a Fetcher with URL validation on redirects.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()
	validate := cfg.URLValidator
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if err := validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		config:  cfg,
		limiter: pace.NewLimiter(cfg.Delay),
		now:     time.Now,
		sleep:   pace.Sleep,
		logger:  logger.With("component", "fetch"),
	}
}

// Fetch retrieves url for targetID. It never returns an error: failures are
// carried in Result.Error so the caller can record them.
func (f *Fetcher) Fetch(ctx context.Context, targetID, url string) Result {
	res := Result{TargetID: targetID, URL: url, FetchedAt: f.now()}
	if err := f.config.URLValidator(url); err != nil {
		res.Error = fmt.Sprintf("url blocked: %v", err)
		return res
	}

	policy := pace.Policy{
		MaxAttempts: f.config.MaxAttempts,
		Backoff:     pace.Backoff{Base: f.config.Backoff, Max: 4 * f.config.Backoff},
		Sleep:       f.sleep,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			f.logger.Info("fetch: retrying", "target_id", targetID, "attempt", attempt, "wait", wait, "error", err)
		},
	}
	attempts, err := pace.Retry(ctx, policy, func(ctx context.Context) error {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		res.FetchedAt = f.now()
		res.HTTPStatus = 0
		return f.get(ctx, url, &res)
	})
	res.Attempts = attempts
	if err != nil {
		res.Error = err.Error()
		f.logger.Warn("fetch: failed", "target_id", targetID, "url", url, "status", res.HTTPStatus, "error", err)
	}
	return res
}

func (f *Fetcher) get(ctx context.Context, url string, res *Result) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	res.HTTPStatus = resp.StatusCode
	res.ContentType = resp.Header.Get("Content-Type")
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &pace.StatusError{Code: resp.StatusCode}
	}

	body, err := LimitedReadAll(resp.Body, f.config.MaxBytes)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	text, err := decode(body, res.ContentType)
	if err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	res.RawMarkup = text
	return nil
}

// decode converts body to UTF-8 using the Content-Type charset, a <meta>
// declaration, or content sniffing, in that order.
func decode(body []byte, contentType string) (string, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return string(body), nil
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
