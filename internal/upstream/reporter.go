package upstream

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

const finalFlushTimeout = 5 * time.Second

// ToggleCount holds usage counters for one toggle.
type ToggleCount struct {
	Yes      int            `json:"yes"`
	No       int            `json:"no"`
	Variants map[string]int `json:"variants"`
}

// Bucket is a window of toggle usage.
type Bucket struct {
	Start   time.Time               `json:"start"`
	Stop    time.Time               `json:"stop"`
	Toggles map[string]*ToggleCount `json:"toggles"`
}

func (b *Bucket) toggle(name string) *ToggleCount {
	tc, ok := b.Toggles[name]
	if !ok {
		tc = &ToggleCount{Variants: make(map[string]int)}
		b.Toggles[name] = tc
	}
	return tc
}

func (b *Bucket) merge(other Bucket) {
	if other.Start.Before(b.Start) {
		b.Start = other.Start
	}
	for name, counts := range other.Toggles {
		tc := b.toggle(name)
		tc.Yes += counts.Yes
		tc.No += counts.No
		for variant, n := range counts.Variants {
			tc.Variants[variant] += n
		}
	}
}

func newBucket(now time.Time) Bucket {
	return Bucket{Start: now, Toggles: make(map[string]*ToggleCount)}
}

// Reporter aggregates toggle usage and periodically sends it upstream.
type Reporter struct {
	client     *Client
	interval   time.Duration
	jitter     time.Duration
	strategies func() []string
	log        *slog.Logger
	onSent     func(error)
	now        func() time.Time

	mu      sync.Mutex
	bucket  Bucket
	started time.Time
}

// ReporterOption configures a [Reporter].
type ReporterOption func(*Reporter)

// WithJitter adds a random delay of up to d to every reporting interval.
func WithJitter(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		r.jitter = d
	}
}

// WithStrategies sets the function that lists strategy names for registration.
func WithStrategies(fn func() []string) ReporterOption {
	return func(r *Reporter) {
		r.strategies = fn
	}
}

// WithSendHook registers a callback invoked after every metrics send attempt.
func WithSendHook(fn func(error)) ReporterOption {
	return func(r *Reporter) {
		r.onSent = fn
	}
}

// NewReporter returns a reporter that flushes every interval.
func NewReporter(client *Client, interval time.Duration, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		client:   client,
		interval: interval,
		log:      client.log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.started = r.now()
	r.bucket = newBucket(r.started)
	return r
}

// Count records one evaluation of name.
func (r *Reporter) Count(name string, enabled bool) {
	if enabled {
		r.Add(name, 1, 0)
	} else {
		r.Add(name, 0, 1)
	}
}

// Add records yes enabled and no disabled evaluations of name at once.
func (r *Reporter) Add(name string, yes, no int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tc := r.bucket.toggle(name)
	tc.Yes += yes
	tc.No += no
}

// CountVariant records one selection of variant for name.
func (r *Reporter) CountVariant(name, variant string) {
	r.AddVariant(name, variant, 1)
}

// AddVariant records n selections of variant for name.
func (r *Reporter) AddVariant(name, variant string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bucket.toggle(name).Variants[variant] += n
}

// Flush sends the current bucket. Empty buckets are not sent. On failure the
// counts are merged back so the next flush retries them.
func (r *Reporter) Flush(ctx context.Context) error {
	r.mu.Lock()
	bucket := r.bucket
	now := r.now()
	r.bucket = newBucket(now)
	r.mu.Unlock()

	if len(bucket.Toggles) == 0 {
		return nil
	}
	bucket.Stop = now

	err := r.client.SendMetrics(ctx, bucket)
	if r.onSent != nil {
		r.onSent(err)
	}
	if err != nil {
		r.mu.Lock()
		r.bucket.merge(bucket)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Run registers the proxy and flushes metrics until ctx is done. A last
// flush is attempted on shutdown.
func (r *Reporter) Run(ctx context.Context) {
	var strategies []string
	if r.strategies != nil {
		strategies = r.strategies()
	}
	if err := r.client.Register(ctx, strategies, r.started, r.interval); err != nil {
		r.log.Warn("failed to register client", "error", err)
	}

	for {
		timer := time.NewTimer(r.nextDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			if err := r.Flush(flushCtx); err != nil {
				r.log.Warn("failed to send final metrics", "error", err)
			}
			cancel()
			return
		case <-timer.C:
			if err := r.Flush(ctx); err != nil {
				r.log.Warn("failed to send metrics", "error", err)
			}
		}
	}
}

func (r *Reporter) nextDelay() time.Duration {
	if r.jitter <= 0 {
		return r.interval
	}
	return r.interval + time.Duration(rand.Int64N(int64(r.jitter)))
}
