// Package intel is the competitor-monitoring service: it owns the staged
// store, runs the pipeline over the configured targets and serves the
// read-only change projection over HTTP and MCP.
package intel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hazyhaar/compwatch/idgen"
	"github.com/hazyhaar/compwatch/intel/internal/enrich"
	"github.com/hazyhaar/compwatch/intel/internal/fetch"
	"github.com/hazyhaar/compwatch/intel/internal/pipeline"
	"github.com/hazyhaar/compwatch/intel/internal/schema"
	"github.com/hazyhaar/compwatch/intel/internal/store"
	"github.com/hazyhaar/compwatch/observability"
)

// Re-exported so callers outside the module tree can name results.
type (
	Summary    = pipeline.Summary
	Outcome    = pipeline.Outcome
	Projection = store.Projection
	Filter     = store.ProjectionFilter
	Run        = store.Run
)

// ChangeDetail is one change with everything stored about it.
type ChangeDetail struct {
	Projection *store.Projection `json:"projection"`
	Change     *store.Change     `json:"change"`
	Assessment *store.Assessment `json:"assessment"`
	Enrichment *store.Enrichment `json:"enrichment,omitempty"`
}

// Service is the intel orchestrator.
type Service struct {
	cfg      *Config
	store    *store.Store
	schema   *schema.Manager
	metrics  *observability.MetricsManager
	pipeline *pipeline.Pipeline
	provider enrich.Provider
	fetcher  pipeline.Fetcher
	ids      *idgen.IDs
	getenv   func(string) string
	closers  []func() error
	logger   *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f pipeline.Fetcher) ServiceOption { return func(s *Service) { s.fetcher = f } }

// WithProvider replaces the provider chosen from the config and environment.
func WithProvider(p enrich.Provider) ServiceOption { return func(s *Service) { s.provider = p } }

// WithIDs replaces the ID generators.
func WithIDs(ids idgen.IDs) ServiceOption { return func(s *Service) { s.ids = &ids } }

// WithEnv replaces os.Getenv for credential lookup.
func WithEnv(getenv func(string) string) ServiceOption { return func(s *Service) { s.getenv = getenv } }

// New opens the store at cfg.DBPath, records the schema version on first use
// and wires the pipeline. Missing enrichment credentials are not an error:
// every change then keeps its heuristic assessment.
func New(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{cfg: cfg, getenv: os.Getenv, logger: logger.With("component", "intel")}
	for _, o := range opts {
		o(svc)
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("intel: open store: %w", err)
	}
	svc.store = st
	svc.closers = append(svc.closers, st.Close)

	svc.schema = schema.New(st.DB, store.ManagedTables, logger)
	if _, err := svc.schema.Init(ctx); err != nil {
		svc.Close()
		return nil, fmt.Errorf("intel: init schema: %w", err)
	}

	if err := observability.Init(ctx, st.DB); err != nil {
		svc.Close()
		return nil, err
	}
	svc.metrics = observability.NewMetricsManager(st.DB, 100, 5*time.Second, logger)
	// Metrics flush before the store closes.
	svc.closers = append([]func() error{svc.metrics.Close}, svc.closers...)

	if svc.fetcher == nil {
		fc := fetch.Config{
			Timeout:     cfg.Fetch.Timeout,
			MaxBytes:    cfg.Fetch.MaxBytes,
			UserAgent:   cfg.Fetch.UserAgent,
			Delay:       cfg.Fetch.Delay,
			MaxAttempts: cfg.Fetch.MaxAttempts,
		}
		if cfg.Fetch.AllowPrivate {
			fc.URLValidator = fetch.ValidateScheme
		}
		svc.fetcher = fetch.New(fc, logger)
	}

	if svc.provider == nil {
		p, closer, err := providerFromEnv(ctx, cfg.Enrich, svc.getenv)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.provider = p
		if closer != nil {
			svc.closers = append([]func() error{closer}, svc.closers...)
		}
	}
	if svc.provider == nil {
		svc.logger.Warn("intel: enrichment disabled, assessments stay heuristic",
			"provider", cfg.Enrich.Provider)
	}
	client := enrich.NewClient(svc.provider, enrich.Config{
		Timeout:      cfg.Enrich.Timeout,
		MaxAttempts:  cfg.Enrich.MaxAttempts,
		BaseBackoff:  cfg.Enrich.BaseBackoff,
		CallDelay:    cfg.Enrich.CallDelay,
		SnippetChars: cfg.Enrich.SnippetChars,
	}, logger)

	popts := []pipeline.Option{
		pipeline.WithConfig(pipeline.Config{
			RelevanceThreshold: cfg.RelevanceThreshold,
			TreatFirstAsChange: cfg.TreatFirstAsChange,
		}),
		pipeline.WithSchema(svc.schema),
		pipeline.WithFetcher(svc.fetcher),
		pipeline.WithEnricher(client),
		pipeline.WithMetrics(svc.metrics),
		pipeline.WithLogger(logger),
	}
	if svc.ids != nil {
		popts = append(popts, pipeline.WithIDs(*svc.ids))
	}
	svc.pipeline = pipeline.New(st, popts...)
	return svc, nil
}

// providerFromEnv builds the configured provider. A nil provider with a nil
// error means enrichment is disabled.
func providerFromEnv(ctx context.Context, cfg EnrichConfig, getenv func(string) string) (enrich.Provider, func() error, error) {
	switch cfg.Provider {
	case ProviderAnthropic:
		key := getenv(EnvAnthropicKey)
		if key == "" {
			return nil, nil, nil
		}
		return enrich.NewAnthropicProvider(key, cfg.Model), nil, nil
	case ProviderGemini:
		key := getenv(EnvGeminiKey)
		if key == "" {
			return nil, nil, nil
		}
		p, err := enrich.NewGeminiProvider(ctx, key, cfg.Model)
		if err != nil {
			return nil, nil, fmt.Errorf("intel: %w", err)
		}
		return p, p.Close, nil
	default:
		return nil, nil, nil
	}
}

// Run processes every valid configured target once. Invalid target entries
// are logged and skipped.
func (s *Service) Run(ctx context.Context) (*Summary, error) {
	targets, errs := s.cfg.ResolveTargets()
	for _, err := range errs {
		s.logger.Warn("intel: target skipped", "error", err)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no valid targets configured", ErrInvalidConfig)
	}
	return s.pipeline.Run(ctx, targets)
}

// EnrichChange retries enrichment for a stored change.
func (s *Service) EnrichChange(ctx context.Context, changeID string) (*Outcome, error) {
	out, err := s.pipeline.EnrichChange(ctx, changeID)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListChanges returns the projection view, newest first.
func (s *Service) ListChanges(ctx context.Context, f Filter) ([]*Projection, error) {
	return s.store.ListProjection(ctx, f)
}

// GetChange returns one change with its assessment and enrichment.
func (s *Service) GetChange(ctx context.Context, changeID string) (*ChangeDetail, error) {
	p, err := s.store.GetProjection(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: change %s", ErrNotFound, changeID)
	}
	d := &ChangeDetail{Projection: p}
	if d.Change, err = s.store.GetChange(ctx, changeID); err != nil {
		return nil, err
	}
	if d.Assessment, err = s.store.GetAssessment(ctx, changeID); err != nil {
		return nil, err
	}
	if d.Enrichment, err = s.store.GetEnrichment(ctx, changeID); err != nil {
		return nil, err
	}
	return d, nil
}

// ListRuns returns recent pipeline runs.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	return s.store.ListRuns(ctx, limit)
}

// SchemaStatus reports the recorded version, live checksum and lock.
func (s *Service) SchemaStatus(ctx context.Context) (*schema.Status, error) {
	return s.schema.Status(ctx)
}

// Schema exposes the schema manager for maintenance commands.
func (s *Service) Schema() *schema.Manager { return s.schema }

// Metrics exposes the metrics manager.
func (s *Service) Metrics() *observability.MetricsManager { return s.metrics }

// PruneMetrics drops datapoints older than the configured retention.
func (s *Service) PruneMetrics(ctx context.Context) (int64, error) {
	return s.metrics.Cleanup(ctx, s.cfg.MetricsRetention)
}

// Close flushes metrics and closes the store.
func (s *Service) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
