// Package metrics provides Prometheus instrumentation for the proxy.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only proxy metrics appear on the prometheus endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	Up                  prometheus.Counter
	LastUpdate          prometheus.Gauge
	LastFetch           prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	AuthFailuresTotal   prometheus.Counter
	UpstreamFetchErrors prometheus.Counter
	MetricsSendTotal    *prometheus.CounterVec
	ClientMetricsTotal  prometheus.Counter
	ClientRegisterTotal prometheus.Counter
	EvaluationsTotal    *prometheus.CounterVec

	now func() time.Time
}

// New creates and registers all proxy metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		now:      time.Now,

		Up: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unleash_proxy_up",
			Help: "Indication that the service is up.",
		}),

		LastUpdate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "last_metrics_update_epoch_timestamp_ms",
			Help: "An epoch timestamp (in milliseconds) set to when the proxy last got an update from upstream Unleash.",
		}),

		LastFetch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "last_metrics_fetch_epoch_timestamp_ms",
			Help: "An epoch timestamp (in milliseconds) set to when the proxy last checked upstream Unleash, updated or not.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unleash_proxy_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "unleash_proxy_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unleash_proxy_auth_failures_total",
			Help: "Total number of requests rejected for a missing or unknown key.",
		}),

		UpstreamFetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unleash_proxy_upstream_fetch_errors_total",
			Help: "Total number of failed toggle definition fetches.",
		}),

		MetricsSendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unleash_proxy_upstream_metrics_sent_total",
			Help: "Total number of usage metric posts to upstream Unleash.",
		}, []string{"result"}),

		ClientMetricsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unleash_proxy_client_metrics_total",
			Help: "Total number of usage metric buckets accepted from clients.",
		}),

		ClientRegisterTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "unleash_proxy_client_registrations_total",
			Help: "Total number of client registrations accepted.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "unleash_proxy_toggle_evaluations_total",
			Help: "Total number of counted toggle evaluations.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.Up,
		m.LastUpdate,
		m.LastFetch,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthFailuresTotal,
		m.UpstreamFetchErrors,
		m.MetricsSendTotal,
		m.ClientMetricsTotal,
		m.ClientRegisterTotal,
		m.EvaluationsTotal,
	)
	m.Up.Inc()

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one completed request. Requests that matched no route
// are labelled "unmatched".
func (m *Metrics) ObserveHTTP(r *http.Request, status int, elapsed time.Duration) {
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())
}

// IncAuthFailures increments the auth failure counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// RecordFetch marks an upstream fetch attempt. Successful fetches move the
// last-fetch timestamp; failures increment the error counter.
func (m *Metrics) RecordFetch(err error) {
	if err != nil {
		m.UpstreamFetchErrors.Inc()
		return
	}
	m.LastFetch.Set(float64(m.now().UnixMilli()))
}

// RecordUpdate marks that new toggle definitions were applied.
func (m *Metrics) RecordUpdate() {
	m.LastUpdate.Set(float64(m.now().UnixMilli()))
}

// RecordMetricsSend counts one usage metrics post upstream.
func (m *Metrics) RecordMetricsSend(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.MetricsSendTotal.WithLabelValues(result).Inc()
}

// IncClientMetrics increments the client metrics counter.
func (m *Metrics) IncClientMetrics() {
	m.ClientMetricsTotal.Inc()
}

// IncClientRegistrations increments the client registration counter.
func (m *Metrics) IncClientRegistrations() {
	m.ClientRegisterTotal.Inc()
}

// RecordEvaluation increments the evaluation counter with the given result.
func (m *Metrics) RecordEvaluation(result bool) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(result)).Inc()
}

// RecordEvaluations adds yes and no to the evaluation counters.
func (m *Metrics) RecordEvaluations(yes, no int) {
	if yes > 0 {
		m.EvaluationsTotal.WithLabelValues("true").Add(float64(yes))
	}
	if no > 0 {
		m.EvaluationsTotal.WithLabelValues("false").Add(float64(no))
	}
}

// Counter accumulates toggle usage. Add and AddVariant record many
// occurrences in one call.
type Counter interface {
	Count(name string, enabled bool)
	CountVariant(name, variant string)
	Add(name string, yes, no int)
	AddVariant(name, variant string, n int)
}

// Tee returns a Counter that records evaluations in m before forwarding them
// to next. next may be nil when upstream metrics are disabled.
func (m *Metrics) Tee(next Counter) Counter {
	return teeCounter{m: m, next: next}
}

type teeCounter struct {
	m    *Metrics
	next Counter
}

func (t teeCounter) Count(name string, enabled bool) {
	t.m.RecordEvaluation(enabled)
	if t.next != nil {
		t.next.Count(name, enabled)
	}
}

func (t teeCounter) CountVariant(name, variant string) {
	if t.next != nil {
		t.next.CountVariant(name, variant)
	}
}

func (t teeCounter) Add(name string, yes, no int) {
	t.m.RecordEvaluations(yes, no)
	if t.next != nil {
		t.next.Add(name, yes, no)
	}
}

func (t teeCounter) AddVariant(name, variant string, n int) {
	if t.next != nil {
		t.next.AddVariant(name, variant, n)
	}
}
