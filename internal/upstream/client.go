// Package upstream talks to the Unleash API: it polls toggle definitions,
// registers the proxy as a client application and reports usage metrics.
package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/matt-riley/flagz-proxy/internal/core"
)

const (
	featuresEndpoint = "/client/features"
	metricsEndpoint  = "/client/metrics"
	registerEndpoint = "/client/register"

	// SDKVersion identifies the proxy in registration payloads.
	SDKVersion = "flagz-proxy:1.0.0"

	defaultTimeout = 10 * time.Second
)

// ErrUnexpectedStatus is returned when the Unleash API answers with a non-2xx
// status.
var ErrUnexpectedStatus = errors.New("unexpected upstream status")

// Options configures a [Client].
type Options struct {
	URL         string
	APIToken    string
	AppName     string
	InstanceID  string
	Environment string
	ProjectName string
	NamePrefix  string
	// Tags are "name:value" filters sent as repeated tag query parameters.
	Tags []string

	BootstrapURL  string
	BootstrapAuth string

	// RejectUnauthorized disables TLS certificate verification when false.
	RejectUnauthorized bool
	Timeout            time.Duration
	Logger             *slog.Logger
	// WrapTransport decorates the outbound round tripper, for tracing.
	WrapTransport func(http.RoundTripper) http.RoundTripper
}

// Client is a thin Unleash client API wrapper. It is safe for concurrent use.
type Client struct {
	http         *resty.Client
	opts         Options
	log          *slog.Logger
	connectionID string

	mu   sync.Mutex
	etag string
}

// New returns a client for the Unleash API at opts.URL.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	c := &Client{
		opts:         opts,
		log:          opts.Logger,
		connectionID: uuid.NewString(),
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !opts.RejectUnauthorized {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	}
	var rt http.RoundTripper = transport
	if opts.WrapTransport != nil {
		rt = opts.WrapTransport(rt)
	}

	c.http = resty.New().
		SetTransport(rt).
		SetTimeout(opts.Timeout).
		SetLogger(restySlogLogger{logger: opts.Logger}).
		SetHeaders(map[string]string{
			"User-Agent":            SDKVersion,
			"UNLEASH-APPNAME":       opts.AppName,
			"UNLEASH-INSTANCEID":    opts.InstanceID,
			"UNLEASH-CONNECTION-ID": c.connectionID,
		}).
		OnBeforeRequest(newRequestLogMiddleware(opts.Logger)).
		OnAfterResponse(newResponseLogMiddleware(opts.Logger))
	return c
}

// apiRequest starts a request to the Unleash API. Only these requests carry
// the API token.
func (c *Client) apiRequest(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx)
	if c.opts.APIToken != "" {
		req.SetHeader("Authorization", c.opts.APIToken)
	}
	return req
}

// FetchFeatures retrieves the toggle definitions. It reports modified=false
// when the API answers 304 to the last seen ETag.
func (c *Client) FetchFeatures(ctx context.Context) (defs core.Features, modified bool, err error) {
	req := c.apiRequest(ctx).
		SetQueryParamsFromValues(c.featureQuery())

	c.mu.Lock()
	if c.etag != "" {
		req.SetHeader("If-None-Match", c.etag)
	}
	c.mu.Unlock()

	resp, err := req.Get(c.opts.URL + featuresEndpoint)
	if err != nil {
		return core.Features{}, false, fmt.Errorf("fetch features: %w", err)
	}
	if resp.StatusCode() == http.StatusNotModified {
		return core.Features{}, false, nil
	}
	if !resp.IsSuccess() {
		return core.Features{}, false, fmt.Errorf("fetch features: %w: %d", ErrUnexpectedStatus, resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &defs); err != nil {
		return core.Features{}, false, fmt.Errorf("decode features: %w", err)
	}

	c.mu.Lock()
	c.etag = resp.Header().Get("ETag")
	c.mu.Unlock()
	return defs, true, nil
}

// FetchBootstrap loads initial definitions from the configured bootstrap URL.
// It returns ok=false when no bootstrap URL is configured.
func (c *Client) FetchBootstrap(ctx context.Context) (defs core.Features, ok bool, err error) {
	if c.opts.BootstrapURL == "" {
		return core.Features{}, false, nil
	}
	req := c.http.R().SetContext(ctx)
	if c.opts.BootstrapAuth != "" {
		req.SetHeader("Authorization", c.opts.BootstrapAuth)
	}
	resp, err := req.Get(c.opts.BootstrapURL)
	if err != nil {
		return core.Features{}, false, fmt.Errorf("fetch bootstrap: %w", err)
	}
	if !resp.IsSuccess() {
		return core.Features{}, false, fmt.Errorf("fetch bootstrap: %w: %d", ErrUnexpectedStatus, resp.StatusCode())
	}
	if err := json.Unmarshal(resp.Body(), &defs); err != nil {
		return core.Features{}, false, fmt.Errorf("decode bootstrap: %w", err)
	}
	return defs, true, nil
}

// Registration is the body sent to the client register endpoint.
type Registration struct {
	AppName     string    `json:"appName"`
	InstanceID  string    `json:"instanceId"`
	SDKVersion  string    `json:"sdkVersion"`
	Environment string    `json:"environment,omitempty"`
	Strategies  []string  `json:"strategies"`
	Started     time.Time `json:"started"`
	Interval    int64     `json:"interval"`
}

// Register announces the proxy instance to the Unleash API.
func (c *Client) Register(ctx context.Context, strategies []string, started time.Time, interval time.Duration) error {
	body := Registration{
		AppName:     c.opts.AppName,
		InstanceID:  c.opts.InstanceID,
		SDKVersion:  SDKVersion,
		Environment: c.opts.Environment,
		Strategies:  strategies,
		Started:     started.UTC(),
		Interval:    interval.Milliseconds(),
	}
	return c.post(ctx, registerEndpoint, body)
}

// MetricsPayload is the body sent to the client metrics endpoint.
type MetricsPayload struct {
	AppName     string `json:"appName"`
	InstanceID  string `json:"instanceId"`
	Environment string `json:"environment,omitempty"`
	Bucket      Bucket `json:"bucket"`
}

// SendMetrics posts one usage bucket.
func (c *Client) SendMetrics(ctx context.Context, bucket Bucket) error {
	body := MetricsPayload{
		AppName:     c.opts.AppName,
		InstanceID:  c.opts.InstanceID,
		Environment: c.opts.Environment,
		Bucket:      bucket,
	}
	return c.post(ctx, metricsEndpoint, body)
}

func (c *Client) post(ctx context.Context, endpoint string, body any) error {
	resp, err := c.apiRequest(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(c.opts.URL + endpoint)
	if err != nil {
		return fmt.Errorf("post %s: %w", endpoint, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("post %s: %w: %d", endpoint, ErrUnexpectedStatus, resp.StatusCode())
	}
	return nil
}

func (c *Client) featureQuery() url.Values {
	q := url.Values{}
	if c.opts.NamePrefix != "" {
		q.Set("namePrefix", c.opts.NamePrefix)
	}
	if c.opts.ProjectName != "" {
		q.Set("project", c.opts.ProjectName)
	}
	for _, tag := range c.opts.Tags {
		q.Add("tag", tag)
	}
	return q
}
