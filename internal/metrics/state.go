package metrics

import "github.com/prometheus/client_golang/prometheus"

// State reports live proxy state on every scrape. Nil funcs report zero.
type State struct {
	Ready            func() bool
	Features         func() int
	ClientKeys       func() int
	ServerSideTokens func() int
}

type stateCollector struct {
	state State

	ready      *prometheus.Desc
	features   *prometheus.Desc
	clientKeys *prometheus.Desc
	serverSide *prometheus.Desc
}

// RegisterStateMetrics registers gauges that read state at scrape time.
func RegisterStateMetrics(reg prometheus.Registerer, state State) {
	reg.MustRegister(&stateCollector{
		state: state,
		ready: prometheus.NewDesc(
			"unleash_proxy_ready",
			"Whether the proxy has synchronized with upstream Unleash (1) or not (0).",
			nil, nil,
		),
		features: prometheus.NewDesc(
			"unleash_proxy_features",
			"Number of toggle definitions currently held.",
			nil, nil,
		),
		clientKeys: prometheus.NewDesc(
			"unleash_proxy_client_keys",
			"Number of configured client keys.",
			nil, nil,
		),
		serverSide: prometheus.NewDesc(
			"unleash_proxy_server_side_tokens",
			"Number of configured server-side SDK tokens.",
			nil, nil,
		),
	})
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ready
	ch <- c.features
	ch <- c.clientKeys
	ch <- c.serverSide
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	ready := 0.0
	if c.state.Ready != nil && c.state.Ready() {
		ready = 1
	}
	ch <- prometheus.MustNewConstMetric(c.ready, prometheus.GaugeValue, ready)
	ch <- prometheus.MustNewConstMetric(c.features, prometheus.GaugeValue, count(c.state.Features))
	ch <- prometheus.MustNewConstMetric(c.clientKeys, prometheus.GaugeValue, count(c.state.ClientKeys))
	ch <- prometheus.MustNewConstMetric(c.serverSide, prometheus.GaugeValue, count(c.state.ServerSideTokens))
}

func count(fn func() int) float64 {
	if fn == nil {
		return 0
	}
	return float64(fn())
}
