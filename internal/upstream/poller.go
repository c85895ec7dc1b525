package upstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/matt-riley/flagz-proxy/internal/core"
)

// Sink receives toggle definitions from the poller.
type Sink interface {
	SetDefinitions(core.Features)
}

// PollerOption configures a [Poller].
type PollerOption func(*Poller)

// WithFetchHook registers a callback invoked after every fetch attempt with
// its error, or nil on success.
func WithFetchHook(fn func(error)) PollerOption {
	return func(p *Poller) {
		p.onFetch = fn
	}
}

// WithUpdateHook registers a callback invoked whenever new definitions are
// applied to the sink.
func WithUpdateHook(fn func()) PollerOption {
	return func(p *Poller) {
		p.onUpdate = fn
	}
}

// Poller keeps a sink in sync with the Unleash API.
type Poller struct {
	client   *Client
	sink     Sink
	interval time.Duration
	log      *slog.Logger

	onFetch  func(error)
	onUpdate func()

	syncOnce sync.Once
	synced   chan struct{}
}

// NewPoller returns a poller that refreshes sink every interval.
func NewPoller(client *Client, sink Sink, interval time.Duration, opts ...PollerOption) *Poller {
	p := &Poller{
		client:   client,
		sink:     sink,
		interval: interval,
		log:      client.log,
		synced:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Synced is closed after the first successful fetch from the Unleash API.
// Bootstrap definitions do not close it.
func (p *Poller) Synced() <-chan struct{} {
	return p.synced
}

// Bootstrap applies the bootstrap definitions, if configured. Failures are
// logged and otherwise ignored.
func (p *Poller) Bootstrap(ctx context.Context) {
	defs, ok, err := p.client.FetchBootstrap(ctx)
	if err != nil {
		p.log.Warn("bootstrap failed", "error", err)
		return
	}
	if !ok {
		return
	}
	p.sink.SetDefinitions(defs)
	p.log.Info("bootstrap definitions loaded", "features", len(defs.Features))
}

// Run polls until ctx is done. The first fetch happens immediately. Failed
// fetches are retried with exponential backoff.
func (p *Poller) Run(ctx context.Context) {
	bo := newBackoff()
	for {
		err := p.poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.log.Warn("failed to fetch toggle definitions", "error", err)
			bo.wait(ctx)
			continue
		}
		bo.reset()

		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context) error {
	defs, modified, err := p.client.FetchFeatures(ctx)
	if p.onFetch != nil {
		p.onFetch(err)
	}
	if err != nil {
		return err
	}
	if modified {
		p.sink.SetDefinitions(defs)
		if p.onUpdate != nil {
			p.onUpdate()
		}
		p.log.Debug("toggle definitions updated", "features", len(defs.Features))
	}
	p.syncOnce.Do(func() {
		p.log.Info("synchronized with unleash api")
		close(p.synced)
	})
	return nil
}
