package eventrouter

// Metrics exporters for event router delivery statistics.
//
// Provides:
//   - PrometheusCollector implementing prometheus.Collector
//   - DatadogStatsdExporter for periodic flush to DogStatsD / StatsD compatible endpoints.
//
// Both exporters are pull-based: they read the cumulative counters via the
// public Stats() method, so the dispatch hot path carries no additional
// instrumentation. Snapshot reads are atomic and safe for concurrent use.
//
// Usage (Prometheus):
//   collector := eventrouter.NewPrometheusCollector(router, "eventrouter")
//   prometheus.MustRegister(collector)
//
// Usage (Datadog):
//   exporter, _ := eventrouter.NewDatadogStatsdExporter(router, "eventrouter", "127.0.0.1:8125", 10*time.Second, nil)
//   ctx, cancel := context.WithCancel(context.Background())
//   go exporter.Run(ctx)
//   ... later cancel()

import (
	"context"
	"fmt"
	"time"

	// Prometheus
	"github.com/prometheus/client_golang/prometheus"
	// Datadog
	statsd "github.com/DataDog/datadog-go/v5/statsd"
)

var (
	errNilRouter       = fmt.Errorf("eventrouter: nil router supplied")
	errInvalidInterval = fmt.Errorf("eventrouter: interval must be > 0")
)

// ----- Prometheus Collector -----

// PrometheusCollector implements prometheus.Collector for router delivery
// stats. It exposes four cumulative counters:
//
//	<namespace>_delivered_total
//	<namespace>_dropped_total
//	<namespace>_failed_total
//	<namespace>_replied_total
//
// Counters are implemented as ConstMetrics generated on scrape.
type PrometheusCollector struct {
	router        *EventRouterModule
	deliveredDesc *prometheus.Desc
	droppedDesc   *prometheus.Desc
	failedDesc    *prometheus.Desc
	repliedDesc   *prometheus.Desc
}

// NewPrometheusCollector creates a new collector for the given router.
// namespace is used as metric prefix (default if empty: eventrouter).
func NewPrometheusCollector(router *EventRouterModule, namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "eventrouter"
	}
	return &PrometheusCollector{
		router: router,
		deliveredDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_delivered_total", namespace),
			"Total delivered events (cumulative)",
			nil, nil,
		),
		droppedDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_dropped_total", namespace),
			"Total dropped deliveries (cumulative)",
			nil, nil,
		),
		failedDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_failed_total", namespace),
			"Total failed deliveries (cumulative)",
			nil, nil,
		),
		repliedDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_replied_total", namespace),
			"Total reply events republished (cumulative)",
			nil, nil,
		),
	}
}

// Describe sends metric descriptors.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.deliveredDesc
	ch <- c.droppedDesc
	ch <- c.failedDesc
	ch <- c.repliedDesc
}

// Collect gathers current stats and emits ConstMetrics.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.router.Stats()
	ch <- prometheus.MustNewConstMetric(c.deliveredDesc, prometheus.CounterValue, float64(stats.Delivered))
	ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(stats.Dropped))
	ch <- prometheus.MustNewConstMetric(c.failedDesc, prometheus.CounterValue, float64(stats.Failed))
	ch <- prometheus.MustNewConstMetric(c.repliedDesc, prometheus.CounterValue, float64(stats.Replied))
}

// ----- Datadog / StatsD Exporter -----

// DatadogStatsdExporter periodically flushes the cumulative counters as
// gauges (monotonic) to DogStatsD / StatsD. It is pull-based: each
// interval it reads the current counts and submits them.
//
// It sends metrics:
//
//	eventrouter.delivered_total
//	eventrouter.dropped_total
//	eventrouter.failed_total
//	eventrouter.replied_total
type DatadogStatsdExporter struct {
	router   *EventRouterModule
	client   *statsd.Client
	prefix   string
	interval time.Duration
	baseTags []string
}

// NewDatadogStatsdExporter creates a new exporter. addr example: "127.0.0.1:8125".
// prefix defaults to "eventrouter" if empty. interval must be > 0.
func NewDatadogStatsdExporter(router *EventRouterModule, prefix, addr string, interval time.Duration, baseTags []string) (*DatadogStatsdExporter, error) {
	if router == nil {
		return nil, errNilRouter
	}
	if interval <= 0 {
		return nil, errInvalidInterval
	}
	if prefix == "" {
		prefix = "eventrouter"
	}
	client, err := statsd.New(addr, statsd.WithNamespace(prefix+"."))
	if err != nil {
		return nil, fmt.Errorf("eventrouter: creating statsd client: %w", err)
	}
	return &DatadogStatsdExporter{
		router:   router,
		client:   client,
		prefix:   prefix,
		interval: interval,
		baseTags: baseTags,
	}, nil
}

// Run starts the export loop until context cancellation.
func (e *DatadogStatsdExporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.flush()
		}
	}
}

func (e *DatadogStatsdExporter) flush() {
	stats := e.router.Stats()
	_ = e.client.Gauge("delivered_total", float64(stats.Delivered), e.baseTags, 1)
	_ = e.client.Gauge("dropped_total", float64(stats.Dropped), e.baseTags, 1)
	_ = e.client.Gauge("failed_total", float64(stats.Failed), e.baseTags, 1)
	_ = e.client.Gauge("replied_total", float64(stats.Replied), e.baseTags, 1)
}

// Close closes underlying statsd client.
func (e *DatadogStatsdExporter) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("eventrouter: closing statsd client: %w", err)
	}
	return nil
}
