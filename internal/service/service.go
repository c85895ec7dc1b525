// Package service adapts the evaluation engine to the proxy's HTTP surface. It
// owns readiness, fixes the configured environment onto every context and
// feeds usage metrics to the reporter.
package service

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/matt-riley/flagz-proxy/internal/core"
)

// Engine evaluates toggles.
type Engine interface {
	Evaluate(name string, c core.Context) (core.ToggleStatus, error)
	FeatureNames() []string
	Definitions() core.Features
}

// MetricsSink accumulates toggle usage.
type MetricsSink interface {
	Count(name string, enabled bool)
	CountVariant(name, variant string)
	Add(name string, yes, no int)
	AddVariant(name, variant string, n int)
}

// Runner is a long-lived background task, such as the metrics reporter.
type Runner interface {
	Run(ctx context.Context)
}

// ToggleCount is one toggle's usage as reported by a client SDK.
type ToggleCount struct {
	Yes      int            `json:"yes"`
	No       int            `json:"no"`
	Variants map[string]int `json:"variants,omitempty"`
}

// MetricsBucket is a window of usage reported by a client SDK.
type MetricsBucket struct {
	Toggles map[string]ToggleCount `json:"toggles"`
}

// Readiness is a one-way flag that flips once the first upstream sync has
// completed.
type Readiness struct {
	ready atomic.Bool
	once  sync.Once
	done  chan struct{}
}

// NewReadiness returns a readiness flag in the not-ready state.
func NewReadiness() *Readiness {
	return &Readiness{done: make(chan struct{})}
}

// MarkReady flips the flag. Subsequent calls are no-ops.
func (r *Readiness) MarkReady() {
	r.once.Do(func() {
		r.ready.Store(true)
		close(r.done)
	})
}

// IsReady reports whether MarkReady has been called.
func (r *Readiness) IsReady() bool {
	return r.ready.Load()
}

// Done is closed once the flag becomes ready.
func (r *Readiness) Done() <-chan struct{} {
	return r.done
}

// Option configures a [Service].
type Option func(*Service)

// WithEnvironment overrides the environment of every evaluated context.
func WithEnvironment(env string) Option {
	return func(s *Service) {
		s.environment = env
	}
}

// WithReporter sets the task started once the service becomes ready.
func WithReporter(r Runner) Option {
	return func(s *Service) {
		s.reporter = r
	}
}

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// Service answers proxy queries against the current toggle definitions.
type Service struct {
	engine      Engine
	metrics     MetricsSink
	readiness   *Readiness
	reporter    Runner
	environment string
	log         *slog.Logger
}

// New returns a service that is not ready until [Service.Start] observes the
// first upstream sync.
func New(engine Engine, metrics MetricsSink, opts ...Option) *Service {
	s := &Service{
		engine:    engine,
		metrics:   metrics,
		readiness: NewReadiness(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start blocks until synced is closed or ctx is done. On sync it marks the
// service ready and starts the reporter in its own goroutine.
func (s *Service) Start(ctx context.Context, synced <-chan struct{}) {
	select {
	case <-ctx.Done():
		return
	case <-synced:
	}
	s.readiness.MarkReady()
	s.log.Info("proxy is ready to serve requests")
	if s.reporter != nil {
		go s.reporter.Run(ctx)
	}
}

// IsReady reports whether the first upstream sync has completed.
func (s *Service) IsReady() bool {
	return s.readiness.IsReady()
}

// Readiness exposes the readiness flag.
func (s *Service) Readiness() *Readiness {
	return s.readiness
}

// GetEnabledToggles returns every toggle that evaluates to enabled, in
// definition order.
func (s *Service) GetEnabledToggles(c core.Context) ([]core.ToggleStatus, error) {
	all, err := s.evaluateAll(c)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(t core.ToggleStatus) bool { return !t.Enabled }), nil
}

// GetAllToggles returns every known toggle, enabled or not.
func (s *Service) GetAllToggles(c core.Context) ([]core.ToggleStatus, error) {
	return s.evaluateAll(c)
}

// GetDefinedToggles evaluates the named toggles, in the order given. Unknown
// names evaluate to disabled. Each evaluation is counted as usage.
func (s *Service) GetDefinedToggles(names []string, c core.Context) ([]core.ToggleStatus, error) {
	c = s.fixContext(c)
	out := make([]core.ToggleStatus, 0, len(names))
	for _, name := range names {
		status, err := s.engine.Evaluate(name, c)
		if err != nil {
			return nil, err
		}
		s.count(status)
		out = append(out, status)
	}
	return out, nil
}

// GetFeatureDefinitions returns the raw toggle definitions.
func (s *Service) GetFeatureDefinitions() core.Features {
	return s.engine.Definitions()
}

// RegisterMetrics replays client-reported usage into the reporter. Toggles
// are replayed in name order, variants in variant order, each as a single
// bulk increment. Usage reported before the service is ready is dropped.
func (s *Service) RegisterMetrics(bucket MetricsBucket) {
	if s.metrics == nil {
		return
	}
	if !s.IsReady() {
		s.log.Debug("dropping client metrics received before ready")
		return
	}
	for _, name := range slices.Sorted(maps.Keys(bucket.Toggles)) {
		counts := bucket.Toggles[name]
		if counts.Yes > 0 || counts.No > 0 {
			s.metrics.Add(name, counts.Yes, counts.No)
		}
		for _, variant := range slices.Sorted(maps.Keys(counts.Variants)) {
			if n := counts.Variants[variant]; n > 0 {
				s.metrics.AddVariant(name, variant, n)
			}
		}
	}
}

func (s *Service) evaluateAll(c core.Context) ([]core.ToggleStatus, error) {
	c = s.fixContext(c)
	names := s.engine.FeatureNames()
	out := make([]core.ToggleStatus, 0, len(names))
	for _, name := range names {
		status, err := s.engine.Evaluate(name, c)
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, nil
}

func (s *Service) count(status core.ToggleStatus) {
	if s.metrics == nil {
		return
	}
	s.metrics.Count(status.Name, status.Enabled)
	if status.Enabled && status.Variant.Enabled {
		s.metrics.CountVariant(status.Name, status.Variant.Name)
	}
}

func (s *Service) fixContext(c core.Context) core.Context {
	if s.environment != "" {
		c.Environment = s.environment
	}
	return c
}
