package tiercache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector with Prometheus metrics.
type PrometheusCollector struct {
	opLatency *prometheus.HistogramVec
	lookups   *prometheus.CounterVec
	evictions prometheus.Counter
}

// NewPrometheusCollector creates the collector's metrics under namespace
// and registers them with reg. A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusCollector(reg prometheus.Registerer, namespace string) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "tiercache"
	}

	c := &PrometheusCollector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of store operations",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"op", "status"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Get operations by result",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Entries evicted from the store",
		}),
	}

	for _, col := range []prometheus.Collector{c.opLatency, c.lookups, c.evictions} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordGet implements MetricsCollector.
func (c *PrometheusCollector) RecordGet(hit bool, d time.Duration, err error) {
	c.opLatency.WithLabelValues("get", status(err)).Observe(d.Seconds())
	switch {
	case err != nil:
		c.lookups.WithLabelValues("error").Inc()
	case hit:
		c.lookups.WithLabelValues("hit").Inc()
	default:
		c.lookups.WithLabelValues("miss").Inc()
	}
}

// RecordPut implements MetricsCollector.
func (c *PrometheusCollector) RecordPut(d time.Duration, err error) {
	c.opLatency.WithLabelValues("put", status(err)).Observe(d.Seconds())
}

// RecordRemove implements MetricsCollector.
func (c *PrometheusCollector) RecordRemove(d time.Duration, err error) {
	c.opLatency.WithLabelValues("remove", status(err)).Observe(d.Seconds())
}

// RecordEviction implements MetricsCollector.
func (c *PrometheusCollector) RecordEviction() {
	c.evictions.Inc()
}
